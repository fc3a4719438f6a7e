package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is wrapped by errors produced from recovered panics.
var ErrPanic = errors.New("panic recovered")

// RecoverAndLogWithContext must be deferred. It recovers a panic, logs it with
// the stack and records it on the active span and the panic counter.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())
	}
}

// RecoverWithPolicyAndContext behaves like RecoverAndLogWithContext and then
// applies policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if r := recover(); r != nil {
		handlePanic(ctx, logger, component, name, r, debug.Stack())

		if policy == CrashProcess {
			panic(r)
		}
	}
}

// CallWithRecover runs fn and turns a panic into an error wrapping ErrPanic.
func CallWithRecover(ctx context.Context, logger log.Logger, component, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			handlePanic(ctx, logger, component, name, r, debug.Stack())

			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn()
}

// SafeGoWithContextAndComponent starts fn in a goroutine guarded by policy.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}

// SafeGo is SafeGoWithContextAndComponent without a caller context.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, "relay", name, policy, func(context.Context) {
		fn()
	})
}

func handlePanic(ctx context.Context, logger log.Logger, component, name string, value any, stack []byte) {
	if ctx == nil {
		ctx = context.Background()
	}

	logPanicWithStack(ctx, logger, component, name, value, stack)
	recordPanicOnSpan(ctx, component, name, value)
	recordPanicMetric(ctx, component, name)
}

func logPanicWithStack(ctx context.Context, logger log.Logger, component, name string, value any, stack []byte) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", fmt.Sprint(value)),
		log.String("stack", string(stack)),
	)
}

func recordPanicOnSpan(ctx context.Context, component, name string, value any) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.goroutine", name),
		attribute.String("panic.value", fmt.Sprint(value)),
	))
	span.SetStatus(codes.Error, "panic recovered")
}

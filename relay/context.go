package relay

import (
	"context"
	"strings"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "relay.default"

type contextKey struct{}

type contextValues struct {
	headerID string
	tracer   trace.Tracer
	logger   log.Logger
}

func valuesFrom(ctx context.Context) contextValues {
	if ctx == nil {
		return contextValues{}
	}

	v, _ := ctx.Value(contextKey{}).(contextValues)

	return v
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	v := valuesFrom(ctx)
	v.logger = logger

	return context.WithValue(ctx, contextKey{}, v)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	v := valuesFrom(ctx)
	v.tracer = tracer

	return context.WithValue(ctx, contextKey{}, v)
}

// ContextWithHeaderID returns a copy of ctx carrying a correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	v := valuesFrom(ctx)
	v.headerID = headerID

	return context.WithValue(ctx, contextKey{}, v)
}

// NewLoggerFromContext returns the logger in ctx, or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	if l := valuesFrom(ctx).logger; l != nil {
		return l
	}

	return log.NewNop()
}

// NewTrackingFromContext returns the logger, tracer and correlation id in ctx.
// Missing values fall back to a no-op logger, the global tracer and a fresh uuid.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	v := valuesFrom(ctx)

	logger := v.logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := v.tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultTracerName)
	}

	headerID := strings.TrimSpace(v.headerID)
	if headerID == "" {
		headerID = uuid.NewString()
	}

	return logger, tracer, headerID
}

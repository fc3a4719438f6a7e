package outbox

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrStoreRequired       = errors.New("outbox store is required")
	ErrPublisherRequired   = errors.New("outbox publisher is required")
	ErrWriterRequired      = errors.New("outbox writer is required")
	ErrDispatcherRequired  = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning   = errors.New("outbox dispatcher is already running")
	ErrTransactionRequired = errors.New("outbox insert requires a transaction")
	ErrQueueRequired       = errors.New("outbox queue is required")
	ErrPayloadRequired     = errors.New("outbox payload is required")
	ErrPayloadNotJSON      = errors.New("outbox payload must be JSON serializable")
	ErrStatusInvalid       = errors.New("invalid outbox status")
	ErrTransitionInvalid   = errors.New("invalid outbox status transition")
)

// Kind classifies pipeline failures so callers can choose a reaction without
// matching on driver or broker error types.
type Kind uint8

const (
	// KindPersistence covers database connect, query and commit failures.
	KindPersistence Kind = iota + 1
	// KindTransport covers broker connect, declare, publish and confirm failures.
	KindTransport
	// KindHandler covers consumer handler failures.
	KindHandler
	// KindCancellation marks a stop requested through context or Stop.
	KindCancellation
)

func (k Kind) String() string {
	switch k {
	case KindPersistence:
		return "persistence"
	case KindTransport:
		return "transport"
	case KindHandler:
		return "handler"
	case KindCancellation:
		return "cancellation"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError classifies err. It returns nil when err is nil.
func NewError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind, true
	}

	return 0, false
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	got, ok := KindOf(err)

	return ok && got == kind
}

// IsCancellation reports whether err is a requested stop rather than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || IsKind(err, KindCancellation)
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
)

// Writer adds outbox records to a caller-owned transaction. It never talks to
// the broker.
//
// Two failure policies are offered and each call site picks one:
//   - RecordEvent / Record return the error so the caller rolls back.
//   - RecordEventBestEffort / RecordBestEffort log the error and let the
//     caller's transaction continue without the record.
type Writer struct {
	store  Store
	logger log.Logger
	clock  Clock
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the logger used by the best-effort policy.
func WithWriterLogger(logger log.Logger) WriterOption {
	return func(w *Writer) {
		if !nilcheck.Interface(logger) {
			w.logger = logger
		}
	}
}

// WithWriterClock overrides the clock used for executed_at.
func WithWriterClock(clock Clock) WriterOption {
	return func(w *Writer) {
		if !nilcheck.Interface(clock) {
			w.clock = clock
		}
	}
}

// NewWriter returns a Writer backed by store.
func NewWriter(store Store, opts ...WriterOption) (*Writer, error) {
	if nilcheck.Interface(store) {
		return nil, ErrStoreRequired
	}

	w := &Writer{
		store:  store,
		logger: log.NewNop(),
		clock:  SystemClock{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	return w, nil
}

// RecordEvent stamps payload with executed_at and inserts it into tx for queue.
// payload itself is not modified.
func (w *Writer) RecordEvent(ctx context.Context, tx Tx, payload Payload, queue string) error {
	if w == nil || w.store == nil {
		return ErrWriterRequired
	}

	queue = strings.TrimSpace(queue)
	if queue == "" {
		return fmt.Errorf("record event: %w", ErrQueueRequired)
	}

	if payload == nil {
		return fmt.Errorf("record event: %w", ErrPayloadRequired)
	}

	stamped := payload.Clone()
	stamped[ExecutedAtKey] = w.clock.Now().UTC().Format(time.RFC3339Nano)

	if _, err := json.Marshal(stamped); err != nil {
		return fmt.Errorf("record event: %w: %w", ErrPayloadNotJSON, err)
	}

	id, err := w.store.Insert(ctx, tx, stamped, queue)
	if err != nil {
		if _, classified := KindOf(err); !classified {
			err = NewError(KindPersistence, "record_event", err)
		}

		return err
	}

	w.logger.Log(ctx, log.LevelDebug, "outbox record written",
		log.RecordID(id),
		log.Queue(queue),
	)

	return nil
}

// RecordEventBestEffort is RecordEvent that logs failures and reports whether
// the record was written.
func (w *Writer) RecordEventBestEffort(ctx context.Context, tx Tx, payload Payload, queue string) bool {
	err := w.RecordEvent(ctx, tx, payload, queue)
	if err == nil {
		return true
	}

	logger := log.NewNop()
	if w != nil && w.logger != nil {
		logger = w.logger
	}

	logger.Log(ctx, log.LevelWarn, "outbox record skipped",
		log.Queue(queue),
		log.String("error", SanitizeErrorMessage(err.Error())),
	)

	return false
}

// Record writes event's payload with the RecordEvent policy.
func (w *Writer) Record(ctx context.Context, tx Tx, event Event, queue string) error {
	return w.RecordEvent(ctx, tx, event.Payload(), queue)
}

// RecordBestEffort writes event's payload with the RecordEventBestEffort policy.
func (w *Writer) RecordBestEffort(ctx context.Context, tx Tx, event Event, queue string) bool {
	return w.RecordEventBestEffort(ctx, tx, event.Payload(), queue)
}

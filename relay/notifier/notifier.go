package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	"github.com/Arslan16/Ufanet-autum-practice/relay/rabbitmq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const handleOp = "notifier.handle"

var (
	// ErrSinkRequired is returned when New is called without a sink.
	ErrSinkRequired = errors.New("notifier sink is required")
	// ErrNoRecipients is returned when New is called without recipients.
	ErrNoRecipients = errors.New("at least one recipient is required")
	// ErrInvalidPayload is returned when a message body is not a JSON object.
	ErrInvalidPayload = errors.New("message body is not a JSON object")
)

// Deduplicator reports whether a message id is seen for the first time.
type Deduplicator interface {
	FirstSeen(ctx context.Context, messageID string) (bool, error)
}

// forgetter is implemented by deduplicators that can drop an id, so a message
// requeued after an interrupted send is not mistaken for a duplicate.
type forgetter interface {
	Forget(ctx context.Context, messageID string) error
}

// Notifier forwards consumed outbox messages to recipients.
type Notifier struct {
	sink       Sink
	recipients []string
	dedup      Deduplicator
	logger     log.Logger
	tracer     trace.Tracer
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithDeduplicator skips messages whose id was already handled.
func WithDeduplicator(dedup Deduplicator) Option {
	return func(n *Notifier) {
		if !nilcheck.Interface(dedup) {
			n.dedup = dedup
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(n *Notifier) {
		if !nilcheck.Interface(logger) {
			n.logger = logger
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(n *Notifier) {
		if !nilcheck.Interface(tracer) {
			n.tracer = tracer
		}
	}
}

// New creates a notifier sending to recipients through sink. Blank recipients are dropped.
func New(sink Sink, recipients []string, opts ...Option) (*Notifier, error) {
	if nilcheck.Interface(sink) {
		return nil, ErrSinkRequired
	}

	cleaned := make([]string, 0, len(recipients))

	for _, r := range recipients {
		if r = strings.TrimSpace(r); r != "" {
			cleaned = append(cleaned, r)
		}
	}

	if len(cleaned) == 0 {
		return nil, ErrNoRecipients
	}

	n := &Notifier{
		sink:       sink,
		recipients: cleaned,
		logger:     log.NewNop(),
		tracer:     otel.Tracer("relay.notifier"),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n, nil
}

// Handle is a rabbitmq.Handler. Invalid payloads fail the message so the
// consumer dead-letters it. Send failures, including an expired handler
// deadline, are logged per recipient and do not fail the message. Only a
// cancelled context returns a cancellation error.
func (n *Notifier) Handle(ctx context.Context, d rabbitmq.Delivery) error {
	ctx, span := n.tracer.Start(ctx, handleOp)
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.message.id", d.MessageID),
		attribute.Int("notifier.recipients", len(n.recipients)),
	)

	logger := n.logger.With(log.MessageID(d.MessageID), log.Queue(d.Queue))

	payload, err := decodePayload(d.Body)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Invalid payload", err)

		return outbox.NewError(outbox.KindHandler, handleOp, err)
	}

	if n.duplicate(ctx, logger, d.MessageID) {
		span.SetAttributes(attribute.Bool("notifier.duplicate", true))

		return nil
	}

	text, err := Render(payload)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to render payload", err)

		return outbox.NewError(outbox.KindHandler, handleOp, err)
	}

	sent := 0

	for _, recipient := range n.recipients {
		// Only shutdown requeues. An expired handler deadline is a send
		// failure for the remaining recipients; requeueing would resend to
		// the ones already served.
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			logger.Log(ctx, log.LevelInfo, "notification interrupted", log.Bool("cancellation", true))
			n.forget(ctx, logger, d.MessageID)

			return outbox.NewError(outbox.KindCancellation, handleOp, err)
		}

		if err := n.sink.Send(ctx, recipient, text); err != nil {
			logger.Log(ctx, log.LevelError, "failed to send notification",
				log.String("recipient", recipient),
				log.Bool("deadline_exceeded", errors.Is(ctx.Err(), context.DeadlineExceeded)),
				log.String("error", outbox.SanitizeErrorMessage(err.Error())),
			)

			continue
		}

		sent++
	}

	span.SetAttributes(attribute.Int("notifier.sent", sent))

	if sent < len(n.recipients) {
		logger.Log(ctx, log.LevelWarn, "notification partially delivered",
			log.Int("sent", sent), log.Int("recipients", len(n.recipients)))

		return nil
	}

	logger.Log(ctx, log.LevelDebug, "notification delivered", log.Int("sent", sent))

	return nil
}

// duplicate reports whether messageID was already handled. Dedup failures let
// the message through.
func (n *Notifier) duplicate(ctx context.Context, logger log.Logger, messageID string) bool {
	if n.dedup == nil || strings.TrimSpace(messageID) == "" {
		return false
	}

	first, err := n.dedup.FirstSeen(ctx, messageID)
	if err != nil {
		logger.Log(ctx, log.LevelWarn, "dedup check failed, delivering anyway", log.Err(err))

		return false
	}

	if !first {
		logger.Log(ctx, log.LevelInfo, "duplicate message skipped")
	}

	return !first
}

func (n *Notifier) forget(ctx context.Context, logger log.Logger, messageID string) {
	f, ok := n.dedup.(forgetter)
	if !ok || messageID == "" {
		return
	}

	if err := f.Forget(context.WithoutCancel(ctx), messageID); err != nil {
		logger.Log(ctx, log.LevelWarn, "failed to forget interrupted message", log.Err(err))
	}
}

func decodePayload(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	if payload == nil {
		return nil, ErrInvalidPayload
	}

	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidPayload)
	}

	return payload, nil
}

// Render formats payload as an indented JSON code block for MarkdownV2.
func Render(payload map[string]any) (string, error) {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")

	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("render payload: %w", err)
	}

	body := strings.TrimSuffix(buf.String(), "\n")

	return "```json\n" + escapeCodeBlock(body) + "\n```", nil
}

// escapeCodeBlock escapes the characters MarkdownV2 reserves inside pre blocks.
func escapeCodeBlock(s string) string {
	return strings.NewReplacer(`\`, `\\`, "`", "\\`").Replace(s)
}

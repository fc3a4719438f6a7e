package notifier

import (
	"context"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
)

// Sink delivers rendered text to a single recipient.
type Sink interface {
	Send(ctx context.Context, recipient, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, recipient, text string) error

// Send calls f.
func (f SinkFunc) Send(ctx context.Context, recipient, text string) error {
	return f(ctx, recipient, text)
}

// LogSink writes notifications to a logger. It is used when no bot token is configured.
type LogSink struct {
	Logger log.Logger
}

// Send logs text at info level.
func (s LogSink) Send(ctx context.Context, recipient, text string) error {
	logger := s.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	logger.Log(ctx, log.LevelInfo, "notification", log.String("recipient", recipient), log.String("text", text))

	return nil
}

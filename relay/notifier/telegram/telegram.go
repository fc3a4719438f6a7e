// Package telegram implements a notifier.Sink over the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/notifier"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	// BreakerName is the circuit breaker guarding Bot API calls.
	BreakerName = "telegram"

	defaultRequestTimeout = 10 * time.Second
	maxRetryAfter         = 30 * time.Second
)

var (
	// ErrTokenRequired is returned when New is called without a bot token.
	ErrTokenRequired = errors.New("telegram bot token is required")
	// ErrInvalidRecipient is returned when a recipient is not a numeric chat id.
	ErrInvalidRecipient = errors.New("telegram recipient must be a numeric chat id")
	// ErrAPIRequired is returned when NewWithAPI is called with a nil API.
	ErrAPIRequired = errors.New("telegram api is required")
)

var _ notifier.Sink = (*Sink)(nil)

// API is the subset of tgbotapi.BotAPI used by Sink.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sink sends MarkdownV2 messages to chat ids.
type Sink struct {
	api     API
	logger  log.Logger
	breaker circuitbreaker.Manager
	wait    func(ctx context.Context, d time.Duration) error
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Sink) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithCircuitBreaker routes every call through manager under BreakerName.
func WithCircuitBreaker(manager circuitbreaker.Manager) Option {
	return func(s *Sink) {
		if !nilcheck.Interface(manager) {
			s.breaker = manager
		}
	}
}

// New connects to the Bot API with token. It fails when the token is rejected.
func New(token string, opts ...Option) (*Sink, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenRequired
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, &http.Client{Timeout: defaultRequestTimeout})
	if err != nil {
		return nil, fmt.Errorf("telegram: authorize bot: %w", err)
	}

	return NewWithAPI(bot, opts...)
}

// NewWithAPI builds a Sink over an existing API client.
func NewWithAPI(api API, opts ...Option) (*Sink, error) {
	if nilcheck.Interface(api) {
		return nil, ErrAPIRequired
	}

	s := &Sink{
		api:    api,
		logger: log.NewNop(),
		wait:   backoff.WaitContext,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.breaker != nil {
		if _, err := s.breaker.GetOrCreate(BreakerName, circuitbreaker.HTTPServiceConfig()); err != nil {
			return nil, fmt.Errorf("telegram: create circuit breaker: %w", err)
		}
	}

	return s, nil
}

// Send delivers text to the chat identified by recipient. A flood-control
// response is retried once after the delay the API asks for.
func (s *Sink) Send(ctx context.Context, recipient, text string) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(recipient), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true

	err = s.send(ctx, msg)

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		delay := min(time.Duration(apiErr.RetryAfter)*time.Second, maxRetryAfter)

		s.logger.Log(ctx, log.LevelWarn, "telegram flood control, retrying",
			log.Int64("chat_id", chatID), log.Duration("retry_after", delay))

		if waitErr := s.wait(ctx, delay); waitErr != nil {
			return fmt.Errorf("telegram: send to %d: %w", chatID, waitErr)
		}

		err = s.send(ctx, msg)
	}

	if err != nil {
		return fmt.Errorf("telegram: send to %d: %w", chatID, err)
	}

	return nil
}

func (s *Sink) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.breaker == nil {
		_, err := s.api.Send(msg)

		return err
	}

	// Client errors (unknown chat, blocked bot) say nothing about API health
	// and must not trip the breaker.
	var clientErr error

	_, err := s.breaker.Execute(BreakerName, func() (any, error) {
		_, sendErr := s.api.Send(msg)
		if isClientError(sendErr) {
			clientErr = sendErr

			return nil, nil
		}

		return nil, sendErr
	})
	if err != nil {
		return err
	}

	return clientErr
}

func isClientError(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return false
	}

	return apiErr.Code >= http.StatusBadRequest && apiErr.Code < http.StatusInternalServerError &&
		apiErr.Code != http.StatusTooManyRequests
}

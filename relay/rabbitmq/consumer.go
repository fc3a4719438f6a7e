package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPrefetch       = 1
	defaultHandlerTimeout = 30 * time.Second
)

var (
	// ErrHandlerRequired is returned by Subscribe when handler is nil.
	ErrHandlerRequired = errors.New("rabbitmq delivery handler is required")
	// ErrAlreadySubscribed is returned when Subscribe is called twice on one Consumer.
	ErrAlreadySubscribed = errors.New("rabbitmq consumer already subscribed")

	errDeliveryStreamClosed = errors.New("delivery stream closed")
)

// Delivery is a received message handed to a Handler.
type Delivery struct {
	MessageID   string
	Queue       string
	Body        []byte
	Headers     map[string]any
	Redelivered bool
}

// Handler processes one delivery. A nil return acks the message; an error
// nacks it without requeue.
type Handler func(ctx context.Context, delivery Delivery) error

// Consumer reads one queue with manual acknowledgements.
type Consumer struct {
	opener         ChannelOpener
	logger         log.Logger
	tracer         trace.Tracer
	tag            string
	prefetch       int
	handlerTimeout time.Duration
	durable        bool
	queueArgs      amqp.Table
	reconnect      backoff.Policy
	topology       func(ch TopologyChannel) error

	mu         sync.Mutex
	subscribed bool
	stop       chan struct{}
	stopOnce   sync.Once
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the consumer logger.
func WithConsumerLogger(logger log.Logger) ConsumerOption {
	return func(c *Consumer) {
		if !nilcheck.Interface(logger) {
			c.logger = logger
		}
	}
}

// WithConsumerTag overrides the generated consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		if strings.TrimSpace(tag) != "" {
			c.tag = tag
		}
	}
}

// WithPrefetch sets the channel QoS prefetch count.
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.prefetch = n
		}
	}
}

// WithHandlerTimeout bounds one handler invocation.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if timeout > 0 {
			c.handlerTimeout = timeout
		}
	}
}

// WithDurableQueue controls whether the consumed queue is declared durable.
func WithDurableQueue(durable bool) ConsumerOption {
	return func(c *Consumer) {
		c.durable = durable
	}
}

// WithConsumerQueueArguments sets the queue declaration arguments.
func WithConsumerQueueArguments(args amqp.Table) ConsumerOption {
	return func(c *Consumer) {
		c.queueArgs = args
	}
}

// WithReconnectPolicy sets the backoff between resubscribe attempts.
func WithReconnectPolicy(policy backoff.Policy) ConsumerOption {
	return func(c *Consumer) {
		if policy.Base > 0 {
			c.reconnect = policy
		}
	}
}

// WithDeadLetter declares the DLQ topology on every (re)subscribe and points
// the consumed queue at it, so nacked deliveries are dead-lettered.
func WithDeadLetter(opts ...DLQOption) ConsumerOption {
	return func(c *Consumer) {
		topology := newDeadLetterTopology(opts...)

		args := make(amqp.Table, len(c.queueArgs)+1)
		maps.Copy(args, c.queueArgs)
		maps.Copy(args, DeadLetterArgs(topology.Exchange))
		c.queueArgs = args

		c.topology = topology.Declare
	}
}

// NewConsumer creates a Consumer.
func NewConsumer(opener ChannelOpener, opts ...ConsumerOption) (*Consumer, error) {
	if nilcheck.Interface(opener) {
		return nil, ErrOpenerRequired
	}

	c := &Consumer{
		opener:         opener,
		logger:         log.NewNop(),
		tracer:         otel.Tracer("rabbitmq"),
		tag:            "relay-" + uuid.NewString(),
		prefetch:       defaultPrefetch,
		handlerTimeout: defaultHandlerTimeout,
		durable:        true,
		reconnect:      backoff.DefaultReconnect,
		stop:           make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	return c, nil
}

// Subscribe consumes queue until ctx is cancelled or Stop is called, then
// returns nil. Handler failures nack the message and consumption continues.
// A delivery stream closed by the broker is resubscribed with backoff.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler Handler) error {
	if c == nil {
		return ErrOpenerRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	if strings.TrimSpace(queue) == "" {
		return ErrQueueRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()

		return ErrAlreadySubscribed
	}

	c.subscribed = true
	c.mu.Unlock()

	logger := c.logger.With(log.Queue(queue), log.String("consumer_tag", c.tag))

	attempt := 0

	for {
		if c.stopped(ctx) {
			break
		}

		started, err := c.consume(ctx, queue, handler, logger)
		if c.stopped(ctx) {
			break
		}

		if started {
			attempt = 0
		}

		delay := c.reconnect.Delay(attempt)
		attempt++

		logger.Log(ctx, log.LevelWarn, "rabbitmq subscription interrupted, resubscribing",
			log.String("error", sanitizeConsumerErr(err)),
			log.Duration("retry_in", delay),
		)

		if !c.wait(ctx, delay) {
			break
		}
	}

	logger.Log(ctx, log.LevelInfo, "rabbitmq consumer stopped", log.Bool("cancellation", true))

	return nil
}

// consume runs one subscription session. started reports whether the
// subscription reached the delivery loop.
func (c *Consumer) consume(ctx context.Context, queue string, handler Handler, logger log.Logger) (started bool, err error) {
	ch, err := c.opener.Channel(ctx)
	if err != nil {
		return false, err
	}

	defer func() {
		if closeErr := ch.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			logger.Log(ctx, log.LevelDebug, "closing consumer channel", log.Err(closeErr))
		}
	}()

	if c.topology != nil {
		if err := c.topology(ch); err != nil {
			return false, err
		}
	}

	if _, err := ch.QueueDeclare(queue, c.durable, false, false, false, c.queueArgs); err != nil {
		return false, fmt.Errorf("declare queue %q: %w", queue, err)
	}

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return false, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return false, fmt.Errorf("consume %q: %w", queue, err)
	}

	logger.Log(ctx, log.LevelInfo, "rabbitmq consumer subscribed")

	for {
		// Stop is checked between messages only; an in-flight handler completes.
		select {
		case <-ctx.Done():
			c.cancel(ch, logger)

			return true, nil
		case <-c.stop:
			c.cancel(ch, logger)

			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				return true, errDeliveryStreamClosed
			}

			if c.stopped(ctx) {
				_ = d.Nack(false, true)
				c.cancel(ch, logger)

				return true, nil
			}

			c.handle(ctx, queue, d, handler, logger)
		}
	}
}

func (c *Consumer) cancel(ch Channel, logger log.Logger) {
	if err := ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		logger.Log(context.Background(), log.LevelDebug, "cancelling rabbitmq consumer", log.Err(err))
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler Handler, logger log.Logger) {
	headers := map[string]any(d.Headers)

	handlerCtx := libOpentelemetry.ExtractTraceContextFromQueueHeaders(context.WithoutCancel(ctx), headers)

	handlerCtx, span := c.tracer.Start(handlerCtx, "rabbitmq.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String(messagingSystemAttr, messagingSystem),
		attribute.String("messaging.destination.name", queue),
		attribute.String("messaging.message.id", d.MessageId),
	)

	handlerCtx, cancel := context.WithTimeout(handlerCtx, c.handlerTimeout)
	defer cancel()

	delivery := Delivery{
		MessageID:   d.MessageId,
		Queue:       queue,
		Body:        d.Body,
		Headers:     headers,
		Redelivered: d.Redelivered,
	}

	err := runtime.CallWithRecover(handlerCtx, logger, "rabbitmq", "consumer_handler", func() error {
		return handler(handlerCtx, delivery)
	})
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Log(ctx, log.LevelError, "failed to ack delivery",
				log.MessageID(d.MessageId), log.Err(ackErr))
		}

		return
	}

	libOpentelemetry.HandleSpanError(span, "Delivery handler failed", err)

	requeue := outbox.IsKind(err, outbox.KindCancellation)
	if requeue {
		logger.Log(ctx, log.LevelInfo, "delivery handler cancelled, requeueing",
			log.MessageID(d.MessageId))
	} else {
		logger.Log(ctx, log.LevelError, "delivery handler failed",
			log.MessageID(d.MessageId),
			log.String("error", outbox.SanitizeErrorMessage(err.Error())),
		)
	}

	if nackErr := d.Nack(false, requeue); nackErr != nil {
		logger.Log(ctx, log.LevelError, "failed to nack delivery",
			log.MessageID(d.MessageId), log.Err(nackErr))
	}
}

// Stop asks Subscribe to return after the in-flight delivery. Safe to call
// more than once.
func (c *Consumer) Stop() {
	if c == nil {
		return
	}

	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Consumer) stopped(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}

	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Consumer) wait(ctx context.Context, delay time.Duration) bool {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	return backoff.WaitContext(waitCtx, delay) == nil
}

func sanitizeConsumerErr(err error) string {
	if err == nil {
		return ""
	}

	return outbox.SanitizeErrorMessage(err.Error())
}

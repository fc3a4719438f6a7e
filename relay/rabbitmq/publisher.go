package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Publisher errors.
var (
	ErrOpenerRequired  = errors.New("rabbitmq channel opener is required")
	ErrPublishNacked   = errors.New("message was nacked by broker")
	ErrConfirmTimeout  = errors.New("confirmation timed out")
	ErrPublisherClosed = errors.New("publisher is closed")
	ErrChannelClosed   = errors.New("publisher channel closed by broker")
	ErrQueueRequired   = errors.New("queue name is required")
)

const (
	// DefaultConfirmTimeout is the default bound on waiting for a broker confirm.
	DefaultConfirmTimeout = 5 * time.Second

	publishOp = "rabbitmq.publish"
)

// Publisher publishes outbox messages on a dedicated confirm-mode channel.
// Publishes are serialized so each waits for its own confirm.
type Publisher struct {
	opener         ChannelOpener
	logger         log.Logger
	tracer         trace.Tracer
	confirmTimeout time.Duration
	queueArgs      amqp.Table
	breaker        circuitbreaker.Manager
	breakerName    string

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closeCh  chan *amqp.Error
	declared map[string]struct{}
	closed   bool
}

var _ outbox.Publisher = (*Publisher)(nil)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher logger.
func WithPublisherLogger(logger log.Logger) PublisherOption {
	return func(p *Publisher) {
		if !nilcheck.Interface(logger) {
			p.logger = logger
		}
	}
}

// WithConfirmTimeout bounds the wait for the broker confirm.
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		if timeout > 0 {
			p.confirmTimeout = timeout
		}
	}
}

// WithQueueArguments sets the arguments used when declaring queues. They must
// match the consumer's declaration of the same queue.
func WithQueueArguments(args amqp.Table) PublisherOption {
	return func(p *Publisher) {
		p.queueArgs = args
	}
}

// WithCircuitBreaker routes publishes through the named breaker of manager.
func WithCircuitBreaker(manager circuitbreaker.Manager, name string) PublisherOption {
	return func(p *Publisher) {
		if nilcheck.Interface(manager) || strings.TrimSpace(name) == "" {
			return
		}

		p.breaker = manager
		p.breakerName = name
	}
}

// NewPublisher creates a Publisher. The channel is opened on first publish.
func NewPublisher(opener ChannelOpener, opts ...PublisherOption) (*Publisher, error) {
	if nilcheck.Interface(opener) {
		return nil, ErrOpenerRequired
	}

	p := &Publisher{
		opener:         opener,
		logger:         log.NewNop(),
		tracer:         otel.Tracer("rabbitmq"),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.breaker != nil {
		if _, err := p.breaker.GetOrCreate(p.breakerName, circuitbreaker.BrokerConfig()); err != nil {
			return nil, fmt.Errorf("publisher circuit breaker: %w", err)
		}
	}

	return p, nil
}

// Publish declares msg.Queue, publishes msg on the default exchange and waits
// for the broker confirm. Every failure is an *outbox.Error of KindTransport and
// leaves the publisher ready to reopen its channel on the next call.
func (p *Publisher) Publish(ctx context.Context, msg outbox.Message) error {
	if p == nil {
		return outbox.NewError(outbox.KindTransport, publishOp, ErrPublisherClosed)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(msg.Queue) == "" {
		return outbox.NewError(outbox.KindTransport, publishOp, ErrQueueRequired)
	}

	ctx, span := p.tracer.Start(ctx, "rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String(messagingSystemAttr, messagingSystem),
		attribute.String("messaging.destination.name", msg.Queue),
		attribute.String("messaging.message.id", msg.MessageID),
	)

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(p.breakerName, func() (any, error) {
			return nil, p.publish(ctx, msg)
		})
	} else {
		err = p.publish(ctx, msg)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to publish message", err)

		return outbox.NewError(outbox.KindTransport, publishOp, err)
	}

	return nil
}

func (p *Publisher) publish(ctx context.Context, msg outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}

	ch, err := p.channelLocked(ctx)
	if err != nil {
		return err
	}

	if err := p.declareLocked(ch, msg.Queue, msg.Durable); err != nil {
		p.discardChannelLocked()

		return err
	}

	deliveryMode := amqp.Transient
	if msg.Durable {
		deliveryMode = amqp.Persistent
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: deliveryMode,
		MessageId:    msg.MessageID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
	}

	if err := ch.PublishWithContext(ctx, "", msg.Queue, false, false, publishing); err != nil {
		p.discardChannelLocked()

		return fmt.Errorf("publish: %w", err)
	}

	if err := waitForConfirm(ctx, p.confirms, p.closeCh, p.confirmTimeout); err != nil {
		// A late confirm would be read by the next publish; start over on a fresh channel.
		p.discardChannelLocked()

		return err
	}

	return nil
}

func (p *Publisher) channelLocked(ctx context.Context) (Channel, error) {
	if p.ch != nil {
		return p.ch, nil
	}

	ch, err := p.opener.Channel(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("enable confirm mode: %w", err)
	}

	p.ch = ch
	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	p.closeCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.declared = make(map[string]struct{})

	return ch, nil
}

func (p *Publisher) declareLocked(ch Channel, queue string, durable bool) error {
	key := fmt.Sprintf("%s|%t", queue, durable)
	if _, ok := p.declared[key]; ok {
		return nil
	}

	if _, err := ch.QueueDeclare(queue, durable, false, false, false, p.queueArgs); err != nil {
		return fmt.Errorf("declare queue %q: %w", queue, err)
	}

	p.declared[key] = struct{}{}

	return nil
}

func (p *Publisher) discardChannelLocked() {
	if p.ch == nil {
		return
	}

	if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		p.logger.Log(context.Background(), log.LevelDebug, "closing discarded publisher channel", log.Err(err))
	}

	p.ch = nil
	p.confirms = nil
	p.closeCh = nil
	p.declared = nil
}

// Close releases the publisher channel. Later publishes fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	p.discardChannelLocked()

	return nil
}

func waitForConfirm(
	ctx context.Context,
	confirms <-chan amqp.Confirmation,
	closeCh <-chan *amqp.Error,
	confirmTimeout time.Duration,
) error {
	timeout := time.NewTimer(confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-confirms:
		if !ok {
			return ErrChannelClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil

	case amqpErr, ok := <-closeCh:
		if ok && amqpErr != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosed, amqpErr)
		}

		return ErrChannelClosed

	case <-timeout.C:
		return ErrConfirmTimeout

	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	}
}

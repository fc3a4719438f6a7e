package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultHeartbeat   = 10 * time.Second

	messagingSystemAttr = "messaging.system"
	messagingSystem     = "rabbitmq"
)

var (
	// ErrNilConnection is returned when a method is called on a nil Connection.
	ErrNilConnection = errors.New("rabbitmq connection is nil")
	// ErrConnectionClosed is returned after CloseContext.
	ErrConnectionClosed = errors.New("rabbitmq connection is closed")
	// ErrNotConnected is reported by HealthCheck when no live connection exists.
	ErrNotConnected = errors.New("rabbitmq is not connected")
	// ErrReconnectRateLimited is returned while the reconnect backoff is in effect.
	ErrReconnectRateLimited = errors.New("rabbitmq reconnect rate-limited")
	// ErrChannelRequired is returned when a nil channel is supplied or produced.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
)

// TopologyChannel is the subset of channel operations needed to declare
// exchanges, queues and bindings.
type TopologyChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Channel is the AMQP channel surface used by Publisher and Consumer.
// *amqp.Channel satisfies it.
type Channel interface {
	TopologyChannel
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// ChannelOpener hands out dedicated channels. Publisher and Consumer each own
// the channel they receive and close it when done.
type ChannelOpener interface {
	Channel(ctx context.Context) (Channel, error)
}

// Config configures a Connection.
type Config struct {
	Credentials    Credentials
	ConnectionName string
	// DialTimeout bounds TCP connect plus the AMQP handshake.
	DialTimeout time.Duration
	Heartbeat   time.Duration
	// Reconnect spaces out dial attempts after a failure.
	Reconnect backoff.Policy
	Logger    log.Logger
}

// Connection is a long-lived AMQP connection that redials lazily. Callers
// obtain dedicated channels through Channel.
type Connection struct {
	mu     sync.Mutex
	url    string
	cfg    Config
	logger log.Logger
	tracer trace.Tracer
	conn   *amqp.Connection
	closed bool

	dialer             func(ctx context.Context, url string) (*amqp.Connection, error)
	channelFactory     func(ctx context.Context, conn *amqp.Connection) (Channel, error)
	connectionClosedFn func(conn *amqp.Connection) bool
	connectionCloser   func(conn *amqp.Connection) error
	now                func() time.Time

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

var _ ChannelOpener = (*Connection)(nil)

// NewConnection validates cfg and returns an unconnected Connection.
func NewConnection(cfg Config) (*Connection, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}

	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = backoff.DefaultReconnect
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	c := &Connection{
		url:    cfg.Credentials.URL(),
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("rabbitmq"),
		now:    time.Now,
	}

	c.dialer = c.dial
	c.channelFactory = func(_ context.Context, conn *amqp.Connection) (Channel, error) {
		if conn == nil {
			return nil, errors.New("cannot create channel: connection is nil")
		}

		return conn.Channel()
	}
	c.connectionClosedFn = func(conn *amqp.Connection) bool {
		return conn == nil || conn.IsClosed()
	}
	c.connectionCloser = func(conn *amqp.Connection) error {
		if conn == nil {
			return nil
		}

		return conn.Close()
	}

	return c, nil
}

func (c *Connection) dial(ctx context.Context, url string) (*amqp.Connection, error) {
	timeout := c.cfg.DialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	props := amqp.NewConnectionProperties()
	if c.cfg.ConnectionName != "" {
		props.SetClientConnectionName(c.cfg.ConnectionName)
	}

	return amqp.DialConfig(url, amqp.Config{
		Heartbeat:  c.cfg.Heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	})
}

// ConnectContext dials the broker unless a live connection already exists.
func (c *Connection) ConnectContext(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	_, err := c.ensureConnection(ctx)

	return err
}

// ensureConnection returns the live connection, dialing when it is missing or
// closed. Redials are spaced by the reconnect policy.
func (c *Connection) ensureConnection(ctx context.Context) (*amqp.Connection, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq connect: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "rabbitmq.connect")
	defer span.End()

	span.SetAttributes(attribute.String(messagingSystemAttr, messagingSystem))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	if c.conn != nil && !c.connectionClosedFn(c.conn) {
		return c.conn, nil
	}

	if c.reconnectAttempts > 0 {
		delay := c.cfg.Reconnect.Delay(c.reconnectAttempts)
		if elapsed := c.now().Sub(c.lastReconnectAttempt); elapsed < delay {
			err := fmt.Errorf("%w (next attempt in %s)", ErrReconnectRateLimited, delay-elapsed)
			libOpentelemetry.HandleSpanError(span, "Reconnect rate-limited", err)

			return nil, err
		}
	}

	c.lastReconnectAttempt = c.now()

	c.logger.Log(ctx, log.LevelInfo, "connecting to rabbitmq", log.String("broker", c.cfg.Credentials.String()))

	conn, err := c.dialer(ctx, c.url)
	if err != nil {
		c.reconnectAttempts++
		c.conn = nil

		sanitizedErr := newSanitizedError(err, c.url, "failed to connect to rabbitmq")

		c.logger.Log(ctx, log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, c.url)),
			log.Int("attempt", c.reconnectAttempts),
		)
		libOpentelemetry.HandleSpanError(span, "Failed to connect to rabbitmq", sanitizedErr)

		return nil, sanitizedErr
	}

	c.conn = conn
	c.reconnectAttempts = 0

	c.logger.Log(ctx, log.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// Channel opens a new channel on the live connection, reconnecting first when
// needed. The caller owns the returned channel.
func (c *Connection) Channel(ctx context.Context) (Channel, error) {
	if c == nil {
		return nil, ErrNilConnection
	}

	conn, err := c.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := c.channelFactory(ctx, conn)
	if err == nil && nilcheck.Interface(ch) {
		err = ErrChannelRequired
	}

	if err != nil {
		c.dropConnection(conn)

		c.logger.Log(ctx, log.LevelError, "failed to open channel on rabbitmq", log.Err(err))

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

// dropConnection forgets conn when it has been closed underneath us so the
// next call redials.
func (c *Connection) dropConnection(conn *amqp.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn && c.connectionClosedFn(conn) {
		c.conn = nil
	}
}

// IsConnected reports whether a live connection is held.
func (c *Connection) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && c.conn != nil && !c.connectionClosedFn(c.conn)
}

// HealthCheck reconnects when needed and reports ErrNotConnected if that fails.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	if c.IsConnected() {
		return nil
	}

	if err := c.ConnectContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	return nil
}

// CloseContext closes the connection. Further calls to Channel fail with
// ErrConnectionClosed.
func (c *Connection) CloseContext(ctx context.Context) error {
	if c == nil {
		return ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	_, span := c.tracer.Start(ctx, "rabbitmq.close")
	defer span.End()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.closed = true
	c.mu.Unlock()

	if conn == nil || c.connectionClosedFn(conn) {
		return nil
	}

	if err := c.connectionCloser(conn); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
		libOpentelemetry.HandleSpanError(span, "Failed to close rabbitmq", err)

		return fmt.Errorf("failed to close rabbitmq connection: %w", err)
	}

	return nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/backoff"
	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	libOpentelemetry "github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	defaultPoolSize     = 10
)

var (
	// ErrNilClient is returned when a redis client receiver is nil.
	ErrNilClient = errors.New("redis client is nil")
	// ErrInvalidConfig indicates the provided redis configuration is invalid.
	ErrInvalidConfig = errors.New("invalid redis config")
	// ErrReconnectRateLimited is returned while the reconnect backoff is in effect.
	ErrReconnectRateLimited = errors.New("redis reconnect rate-limited")
)

// Config configures a Client.
type Config struct {
	Addr         string
	Username     string
	Password     string `json:"-"`
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Reconnect    backoff.Policy
	Logger       log.Logger
}

func (cfg Config) String() string {
	return fmt.Sprintf("redis.Config{Addr:%s DB:%d Password:REDACTED}", cfg.Addr, cfg.DB)
}

// Client wraps a redis.UniversalClient and reconnects on demand.
type Client struct {
	mu        sync.RWMutex
	cfg       Config
	logger    log.Logger
	client    redis.UniversalClient
	connected bool

	lastReconnectAttempt time.Time
	reconnectAttempts    int

	newClient func(opts *redis.UniversalOptions) redis.UniversalClient
	now       func() time.Time
}

// New validates cfg, connects and returns a ready client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	c, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func newClient(cfg Config) (*Client, error) {
	normalized, err := normalizeConfig(cfg)
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:       normalized,
		logger:    normalized.Logger,
		newClient: redis.NewUniversalClient,
		now:       time.Now,
	}, nil
}

// Connect establishes the connection and verifies it with PING.
func (c *Client) Connect(ctx context.Context) error {
	if c == nil {
		return ErrNilClient
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.connect")
	defer span.End()

	span.SetAttributes(attribute.String("db.system", "redis"))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to connect to redis", err)

		return err
	}

	return nil
}

// GetClient returns the connected client, reconnecting when needed. Reconnects
// after a failure are spaced by the configured backoff policy.
func (c *Client) GetClient(ctx context.Context) (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	if c.client != nil {
		client := c.client
		c.mu.RUnlock()

		return client, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	if c.reconnectAttempts > 0 {
		delay := c.cfg.Reconnect.Delay(c.reconnectAttempts)
		if elapsed := c.now().Sub(c.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("%w (next attempt in %s)", ErrReconnectRateLimited, delay-elapsed)
		}
	}

	ctx, span := otel.Tracer("redis").Start(ctx, "redis.reconnect")
	defer span.End()

	if err := c.connectLocked(ctx); err != nil {
		libOpentelemetry.HandleSpanError(span, "Failed to reconnect redis", err)

		return nil, err
	}

	return c.client, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	client, err := c.GetClient(ctx)
	if err != nil {
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		c.markDisconnected(client)

		return fmt.Errorf("redis ping: %w", err)
	}

	return nil
}

// IsConnected reports whether the last connect or ping succeeded.
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// Close closes the underlying client.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closeClientLocked()
}

func (c *Client) connectLocked(ctx context.Context) error {
	c.lastReconnectAttempt = c.now()

	c.logger.Log(ctx, log.LevelInfo, "connecting to redis", log.String("addr", c.cfg.Addr))

	if err := c.closeClientLocked(); err != nil {
		c.logger.Log(ctx, log.LevelWarn, "close before connect failed", log.Err(err))
	}

	rdb := c.newClient(&redis.UniversalOptions{
		Addrs:        []string{c.cfg.Addr},
		Username:     c.cfg.Username,
		Password:     c.cfg.Password,
		DB:           c.cfg.DB,
		DialTimeout:  c.cfg.DialTimeout,
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		PoolSize:     c.cfg.PoolSize,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.reconnectAttempts++
		c.connected = false

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err), log.Int("attempt", c.reconnectAttempts))

		return fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb
	c.connected = true
	c.reconnectAttempts = 0

	c.logger.Log(ctx, log.LevelInfo, "connected to redis")

	return nil
}

// markDisconnected drops client after a failed command so the next GetClient redials.
func (c *Client) markDisconnected(client redis.UniversalClient) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != client {
		return
	}

	_ = c.closeClientLocked()
	c.reconnectAttempts = 1
}

func (c *Client) closeClientLocked() error {
	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil
	c.connected = false

	return err
}

func normalizeConfig(cfg Config) (Config, error) {
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	if cfg.Addr == "" {
		return Config{}, fmt.Errorf("%w: addr is required", ErrInvalidConfig)
	}

	if cfg.DB < 0 {
		return Config{}, fmt.Errorf("%w: db must be non-negative", ErrInvalidConfig)
	}

	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}

	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = backoff.DefaultReconnect
	}

	if nilcheck.Interface(cfg.Logger) {
		cfg.Logger = log.NewNop()
	}

	return cfg, nil
}

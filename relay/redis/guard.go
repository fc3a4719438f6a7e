package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	"github.com/go-redsync/redsync/v4"
	"github.com/google/uuid"
)

// DefaultGuardKey is the lock key shared by every relay polling the same outbox table.
const DefaultGuardKey = "outbox:relay:leader"

const defaultGuardTTL = 30 * time.Second

// ErrGuardTTLInvalid is returned when the guard TTL is not positive.
var ErrGuardTTLInvalid = errors.New("guard ttl must be greater than 0")

var _ outbox.CycleGuard = (*InstanceGuard)(nil)

// InstanceGuard lets a single relay process dispatch at a time. The first
// process to take the lock keeps it by extending it every cycle; the others
// skip their cycles until the lock expires.
type InstanceGuard struct {
	mu     sync.Mutex
	mutex  *redsync.Mutex
	owner  string
	held   bool
	logger log.Logger
}

// GuardOption configures an InstanceGuard.
type GuardOption func(*guardConfig)

type guardConfig struct {
	key    string
	ttl    time.Duration
	owner  string
	logger log.Logger
}

// WithGuardKey overrides DefaultGuardKey.
func WithGuardKey(key string) GuardOption {
	return func(c *guardConfig) {
		if strings.TrimSpace(key) != "" {
			c.key = key
		}
	}
}

// WithGuardTTL sets how long the lock survives without being extended. It
// must comfortably exceed one dispatch cycle.
func WithGuardTTL(ttl time.Duration) GuardOption {
	return func(c *guardConfig) {
		c.ttl = ttl
	}
}

// WithGuardOwner sets the value stored in the lock. Defaults to a random uuid.
func WithGuardOwner(owner string) GuardOption {
	return func(c *guardConfig) {
		if strings.TrimSpace(owner) != "" {
			c.owner = owner
		}
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(logger log.Logger) GuardOption {
	return func(c *guardConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewInstanceGuard creates a guard backed by conn.
func NewInstanceGuard(conn *Client, opts ...GuardOption) (*InstanceGuard, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	cfg := guardConfig{
		key:    DefaultGuardKey,
		ttl:    defaultGuardTTL,
		owner:  uuid.NewString(),
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.ttl <= 0 {
		return nil, ErrGuardTTLInvalid
	}

	owner := cfg.owner
	rs := redsync.New(&clientPool{conn: conn})

	return &InstanceGuard{
		mutex: rs.NewMutex(cfg.key,
			redsync.WithExpiry(cfg.ttl),
			redsync.WithTries(1),
			redsync.WithGenValueFunc(func() (string, error) { return owner, nil }),
		),
		owner:  owner,
		logger: cfg.logger.With(log.String("guard_key", cfg.key), log.String("owner", owner)),
	}, nil
}

// Allow reports whether this process holds the lock, taking it when free.
// Contention is (false, nil); Redis failures are returned as errors.
func (g *InstanceGuard) Allow(ctx context.Context) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.held {
		ok, err := g.mutex.ExtendContext(ctx)
		if err == nil && ok {
			return true, nil
		}

		g.held = false

		if err != nil && !isLockContention(err) {
			return false, fmt.Errorf("extend relay guard: %w", err)
		}

		g.logger.Log(ctx, log.LevelWarn, "relay guard lost, another instance took over")

		return false, nil
	}

	acquired, err := tryLock(ctx, g.mutex)
	if err != nil {
		return false, fmt.Errorf("acquire relay guard: %w", err)
	}

	if acquired {
		g.held = true

		g.logger.Log(ctx, log.LevelInfo, "relay guard acquired")
	}

	return acquired, nil
}

// Owner returns the value identifying this process in the lock.
func (g *InstanceGuard) Owner() string {
	return g.owner
}

// Release gives up the lock so another instance can take over immediately.
func (g *InstanceGuard) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.held {
		return nil
	}

	g.held = false

	ok, err := g.mutex.UnlockContext(ctx)
	if err != nil {
		return fmt.Errorf("release relay guard: %w", err)
	}

	if !ok {
		return ErrLockNotHeld
	}

	return nil
}

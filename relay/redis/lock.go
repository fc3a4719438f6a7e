package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/opentelemetry"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

const maxLockTries = 1000

var (
	// ErrNilLockHandle is returned when a nil or uninitialized lock handle is used.
	ErrNilLockHandle = errors.New("lock handle is nil or not initialized")
	// ErrLockNotHeld is returned when unlock is called on a lock that was not held or already expired.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilLockManager is returned when a method is called on a nil LockManager.
	ErrNilLockManager = errors.New("lock manager is nil")
	// ErrNilLockFn is returned when a nil function is passed to WithLock.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrEmptyLockKey is returned when an empty lock key is provided.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockExpiryInvalid is returned when lock expiry is not positive.
	ErrLockExpiryInvalid = errors.New("lock expiry must be greater than 0")
	// ErrLockTriesInvalid is returned when lock tries is outside [1, 1000].
	ErrLockTriesInvalid = errors.New("lock tries must be between 1 and 1000")
	// ErrLockRetryDelayNegative is returned when retry delay is negative.
	ErrLockRetryDelayNegative = errors.New("lock retry delay cannot be negative")
)

// LockOptions configures lock behavior.
type LockOptions struct {
	// Expiry is how long the lock is held before auto-expiring.
	Expiry time.Duration
	// Tries is the number of acquisition attempts.
	Tries int
	// RetryDelay is the delay between attempts.
	RetryDelay time.Duration
}

// DefaultLockOptions suits operator commands that run for a few seconds.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Expiry:     10 * time.Second,
		Tries:      3,
		RetryDelay: 500 * time.Millisecond,
	}
}

func (opts LockOptions) validate() error {
	if opts.Expiry <= 0 {
		return ErrLockExpiryInvalid
	}

	if opts.Tries < 1 || opts.Tries > maxLockTries {
		return ErrLockTriesInvalid
	}

	if opts.RetryDelay < 0 {
		return ErrLockRetryDelayNegative
	}

	return nil
}

// LockHandle is an acquired lock. Release it with Unlock.
type LockHandle interface {
	Unlock(ctx context.Context) error
}

// clientPool implements the redsync Pool interface, resolving the latest
// client on each Get so locks survive reconnects.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client for lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

type lockHandle struct {
	mutex  *redsync.Mutex
	logger log.Logger
}

func (h *lockHandle) Unlock(ctx context.Context) error {
	if h == nil || h.mutex == nil {
		return ErrNilLockHandle
	}

	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		h.logger.Log(ctx, log.LevelError, "failed to release lock", log.Err(err))

		return fmt.Errorf("distributed lock: unlock: %w", err)
	}

	if !ok {
		h.logger.Log(ctx, log.LevelWarn, "lock was not held or already expired")

		return ErrLockNotHeld
	}

	return nil
}

// LockManager provides distributed locks over redsync. outboxctl uses it so
// two operators cannot requeue or archive concurrently.
type LockManager struct {
	redsync *redsync.Redsync
}

// NewLockManager creates a lock manager over conn.
func NewLockManager(conn *Client) (*LockManager, error) {
	if conn == nil {
		return nil, ErrNilClient
	}

	return &LockManager{redsync: redsync.New(&clientPool{conn: conn})}, nil
}

// WithLock runs fn while holding lockKey. The lock is released when fn returns.
func (lm *LockManager) WithLock(ctx context.Context, lockKey string, opts LockOptions, fn func(context.Context) error) error {
	if lm == nil || lm.redsync == nil {
		return ErrNilLockManager
	}

	if fn == nil {
		return ErrNilLockFn
	}

	if strings.TrimSpace(lockKey) == "" {
		return ErrEmptyLockKey
	}

	if err := opts.validate(); err != nil {
		return err
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)
	safeLockKey := safeLockKeyForLogs(lockKey)

	ctx, span := tracer.Start(ctx, "redis.lock.with_lock")
	defer span.End()

	mutex := lm.redsync.NewMutex(
		lockKey,
		redsync.WithExpiry(opts.Expiry),
		redsync.WithTries(opts.Tries),
		redsync.WithRetryDelay(opts.RetryDelay),
	)

	if err := mutex.LockContext(ctx); err != nil {
		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeLockKey), log.Err(err))
		opentelemetry.HandleSpanError(span, "Failed to acquire lock", err)

		return fmt.Errorf("failed to acquire lock %s: %w", safeLockKey, err)
	}

	defer func() {
		if ok, err := mutex.UnlockContext(context.WithoutCancel(ctx)); !ok || err != nil {
			logger.Log(ctx, log.LevelError, "failed to release lock",
				log.String("lock_key", safeLockKey), log.Bool("unlock_ok", ok), log.Err(err))
		}
	}()

	if err := fn(ctx); err != nil {
		opentelemetry.HandleSpanError(span, "Function execution failed", err)

		return err
	}

	return nil
}

// TryLock attempts to acquire lockKey once. It returns false without an error
// when another owner holds the lock.
func (lm *LockManager) TryLock(ctx context.Context, lockKey string, expiry time.Duration) (LockHandle, bool, error) {
	if lm == nil || lm.redsync == nil {
		return nil, false, ErrNilLockManager
	}

	if strings.TrimSpace(lockKey) == "" {
		return nil, false, ErrEmptyLockKey
	}

	if expiry <= 0 {
		return nil, false, ErrLockExpiryInvalid
	}

	logger, tracer, _ := relay.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "redis.lock.try_lock")
	defer span.End()

	mutex := lm.redsync.NewMutex(lockKey, redsync.WithExpiry(expiry), redsync.WithTries(1))

	acquired, err := tryLock(ctx, mutex)
	if err != nil {
		opentelemetry.HandleSpanError(span, "Failed to attempt lock acquisition", err)

		return nil, false, fmt.Errorf("failed to attempt lock acquisition for %s: %w", safeLockKeyForLogs(lockKey), err)
	}

	if !acquired {
		logger.Log(ctx, log.LevelDebug, "lock already held by another process", log.String("lock_key", safeLockKeyForLogs(lockKey)))

		return nil, false, nil
	}

	return &lockHandle{mutex: mutex, logger: logger}, true, nil
}

// tryLock distinguishes contention (false, nil) from failures.
func tryLock(ctx context.Context, mutex *redsync.Mutex) (bool, error) {
	err := mutex.TryLockContext(ctx)
	if err == nil {
		return true, nil
	}

	if isLockContention(err) {
		return false, nil
	}

	return false, err
}

// isLockContention reports whether err means another owner holds the lock.
// redsync reports contention as ErrFailed, ErrTaken or a failed extend.
func isLockContention(err error) bool {
	var taken *redsync.ErrTaken

	return errors.Is(err, redsync.ErrFailed) ||
		errors.Is(err, redsync.ErrExtendFailed) ||
		errors.As(err, &taken) ||
		strings.Contains(err.Error(), "lock already taken") ||
		strings.Contains(err.Error(), "failed to extend")
}

func safeLockKeyForLogs(lockKey string) string {
	const maxLockKeyLogLength = 128

	safeLockKey := strconv.QuoteToASCII(lockKey)
	if len(safeLockKey) <= maxLockKeyLogLength {
		return safeLockKey
	}

	return safeLockKey[:maxLockKeyLogLength] + "...(truncated)"
}

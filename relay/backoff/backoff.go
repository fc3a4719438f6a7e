package backoff

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Policy describes a capped exponential schedule used by reconnect loops.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultReconnect is the schedule used by broker reconnects.
var DefaultReconnect = Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second}

// Delay returns a jittered delay for attempt, never above p.Max when Max is set.
func (p Policy) Delay(attempt int) time.Duration {
	delay := ExponentialWithJitter(p.Base, attempt)
	if p.Max > 0 && delay > p.Max {
		return p.Max
	}

	return delay
}

// Exponential returns base * 2^attempt, saturating at math.MaxInt64.
// Negative attempts count as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	switch {
	case attempt < 0:
		attempt = 0
	case attempt > maxShift:
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- jitter only
	}

	return time.Duration(n.Int64())
}

// ExponentialWithJitter is the "full jitter" strategy: random in [0, base*2^attempt).
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// WaitContext blocks for d or until ctx is done, returning ctx.Err() in the latter case.
func WaitContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

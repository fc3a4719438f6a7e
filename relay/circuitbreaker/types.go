package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrInvalidConfig is returned by Config.Validate and Manager.GetOrCreate.
var ErrInvalidConfig = errors.New("circuitbreaker: invalid config")

// Manager owns one breaker per downstream service.
type Manager interface {
	// GetOrCreate returns the breaker for serviceName, creating it with config
	// on first use. Later calls ignore config.
	GetOrCreate(serviceName string, config Config) (CircuitBreaker, error)

	// Execute runs fn through the breaker of serviceName.
	Execute(serviceName string, fn func() (any, error)) (any, error)

	GetState(serviceName string) State
	GetCounts(serviceName string) Counts

	// IsHealthy reports whether the breaker is closed.
	IsHealthy(serviceName string) bool

	// Reset recreates the breaker in the closed state.
	Reset(serviceName string)

	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker is a single service breaker.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // requests allowed while half-open
	Interval            time.Duration // closed-state window after which counts reset
	Timeout             time.Duration // open-state duration before half-open
	ConsecutiveFailures uint32        // consecutive failures that trip the breaker
	FailureRatio        float64       // failure ratio that trips the breaker once MinRequests is reached
	MinRequests         uint32
}

// Validate checks that at least one trip condition is set.
func (cfg Config) Validate() error {
	if cfg.ConsecutiveFailures == 0 && cfg.MinRequests == 0 {
		return fmt.Errorf("%w: at least one trip condition must be set", ErrInvalidConfig)
	}

	if cfg.FailureRatio < 0 || cfg.FailureRatio > 1 {
		return fmt.Errorf("%w: FailureRatio must be between 0 and 1", ErrInvalidConfig)
	}

	if cfg.Interval < 0 || cfg.Timeout < 0 {
		return fmt.Errorf("%w: Interval and Timeout must not be negative", ErrInvalidConfig)
	}

	return nil
}

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return convertGobreakerState(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	return convertGobreakerCounts(cb.breaker.Counts())
}

// IsRejected reports whether err means the breaker refused the call without
// running it.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// HealthChecker probes services whose breaker is not closed and resets the
// breaker once the probe succeeds.
type HealthChecker interface {
	Register(serviceName string, healthCheckFn HealthCheckFunc)
	Start()
	Stop()
	GetHealthStatus() map[string]string

	StateChangeListener
}

// HealthCheckFunc probes a service.
type HealthCheckFunc func(ctx context.Context) error

// StateChangeListener is notified when a breaker changes state.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

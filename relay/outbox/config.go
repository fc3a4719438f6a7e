package outbox

import (
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	defaultDispatchInterval = 3 * time.Second
	defaultPublishTimeout   = 10 * time.Second
)

// DispatcherConfig controls polling and publishing.
type DispatcherConfig struct {
	// DispatchInterval is the pause after each cycle before the next poll.
	DispatchInterval time.Duration
	// PublishTimeout bounds one publish including the broker confirm.
	PublishTimeout time.Duration
	// MaxIterations stops RunContext after that many cycles. Zero runs until stopped.
	MaxIterations int
	// Durable declares queues durable and publishes persistent messages.
	Durable bool
	// MeterProvider overrides the global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval: defaultDispatchInterval,
		PublishTimeout:   defaultPublishTimeout,
		Durable:          true,
	}
}

func (cfg *DispatcherConfig) normalize() {
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}

	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	if cfg.MaxIterations < 0 {
		cfg.MaxIterations = 0
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatchInterval sets the pause between cycles.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithPublishTimeout sets the per-record publish deadline.
func WithPublishTimeout(timeout time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if timeout > 0 {
			dispatcher.cfg.PublishTimeout = timeout
		}
	}
}

// WithMaxIterations bounds the number of cycles RunContext performs.
func WithMaxIterations(n int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if n >= 0 {
			dispatcher.cfg.MaxIterations = n
		}
	}
}

// WithDurable toggles durable queues and persistent delivery.
func WithDurable(durable bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.Durable = durable
	}
}

// WithMeterProvider injects a meter provider for dispatcher metrics.
// Passing nil keeps the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithClock overrides the clock used for cycle latency.
func WithClock(clock Clock) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(clock) {
			dispatcher.clock = clock
		}
	}
}

// WithCycleGuard makes each cycle ask guard for permission before polling.
func WithCycleGuard(guard CycleGuard) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(guard) {
			dispatcher.guard = nil

			return
		}

		dispatcher.guard = guard
	}
}

package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/sony/gobreaker"
)

type manager struct {
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	listeners []StateChangeListener
	mu        sync.RWMutex
	logger    log.Logger
}

// NewManager creates a circuit breaker manager. A nil logger discards logs.
func NewManager(logger log.Logger) Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &manager{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		configs:   make(map[string]Config),
		listeners: make([]StateChangeListener, 0),
		logger:    logger,
	}
}

func (m *manager) GetOrCreate(serviceName string, config Config) (CircuitBreaker, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("service %s: %w", serviceName, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, exists = m.breakers[serviceName]; exists {
		return &circuitBreaker{breaker: breaker}, nil
	}

	breaker = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))
	m.breakers[serviceName] = breaker
	m.configs[serviceName] = config

	m.logger.Log(context.Background(), log.LevelInfo, "created circuit breaker", log.String("service", serviceName))

	return &circuitBreaker{breaker: breaker}, nil
}

func (m *manager) settings(serviceName string, config Config) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "service-" + serviceName,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}

			if config.MinRequests == 0 || counts.Requests < config.MinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.FailureRatio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			m.handleStateChange(serviceName, from, to)
		},
	}
}

func (m *manager) Execute(serviceName string, fn func() (any, error)) (any, error) {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("circuit breaker not found for service: %s (call GetOrCreate first)", serviceName)
	}

	result, err := breaker.Execute(fn)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker open, request rejected",
				log.String("service", serviceName))

			return nil, fmt.Errorf("service %s is currently unavailable (circuit breaker open): %w", serviceName, err)
		}

		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			m.logger.Log(context.Background(), log.LevelWarn, "circuit breaker half-open, too many probe requests",
				log.String("service", serviceName))

			return nil, fmt.Errorf("service %s is recovering (too many requests): %w", serviceName, err)
		}
	}

	return result, err
}

func (m *manager) GetState(serviceName string) State {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return StateUnknown
	}

	return convertGobreakerState(breaker.State())
}

func (m *manager) GetCounts(serviceName string) Counts {
	m.mu.RLock()
	breaker, exists := m.breakers[serviceName]
	m.mu.RUnlock()

	if !exists {
		return Counts{}
	}

	return convertGobreakerCounts(breaker.Counts())
}

// IsHealthy treats half-open as unhealthy so the health checker keeps probing.
func (m *manager) IsHealthy(serviceName string) bool {
	return m.GetState(serviceName) == StateClosed
}

func (m *manager) Reset(serviceName string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.breakers[serviceName]; !exists {
		return
	}

	config, configExists := m.configs[serviceName]
	if !configExists {
		m.logger.Log(context.Background(), log.LevelWarn, "no stored circuit breaker config, dropping breaker",
			log.String("service", serviceName))
		delete(m.breakers, serviceName)

		return
	}

	m.breakers[serviceName] = gobreaker.NewCircuitBreaker(m.settings(serviceName, config))

	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("service", serviceName))
}

func (m *manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		m.logger.Log(context.Background(), log.LevelWarn, "ignoring nil circuit breaker state change listener")

		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *manager) handleStateChange(serviceName string, from gobreaker.State, to gobreaker.State) {
	level := log.LevelInfo
	if to == gobreaker.StateOpen {
		level = log.LevelError
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("service", serviceName),
		log.String("from", from.String()),
		log.String("to", to.String()),
	)

	fromState := convertGobreakerState(from)
	toState := convertGobreakerState(to)

	m.mu.RLock()
	listeners := make([]StateChangeListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, listener := range listeners {
		// gobreaker calls this under its own lock.
		go func(l StateChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Log(context.Background(), log.LevelError, "circuit breaker state change listener panicked",
						log.String("service", serviceName),
						log.Any("panic", r),
					)
				}
			}()

			l.OnStateChange(serviceName, fromState, toState)
		}(listener)
	}
}

func convertGobreakerState(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

func convertGobreakerCounts(counts gobreaker.Counts) Counts {
	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

package circuitbreaker

import (
	"context"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/internal/nilcheck"
	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/Arslan16/Ufanet-autum-practice/relay/runtime"
)

var (
	ErrInvalidHealthCheckInterval = errors.New("circuitbreaker: health check interval must be positive")
	ErrInvalidHealthCheckTimeout  = errors.New("circuitbreaker: health check timeout must be positive")
	ErrManagerRequired            = errors.New("circuitbreaker: manager is required")
)

type healthChecker struct {
	manager        Manager
	services       map[string]HealthCheckFunc
	interval       time.Duration
	checkTimeout   time.Duration
	logger         log.Logger
	stopChan       chan struct{}
	stopOnce       sync.Once
	immediateCheck chan string
	wg             sync.WaitGroup
	mu             sync.RWMutex
}

// NewHealthChecker creates a health checker probing every interval, each probe
// bounded by checkTimeout. It registers itself as a state change listener so a
// freshly opened breaker is probed right away.
func NewHealthChecker(manager Manager, interval, checkTimeout time.Duration, logger log.Logger) (HealthChecker, error) {
	if nilcheck.Interface(manager) {
		return nil, ErrManagerRequired
	}

	if interval <= 0 {
		return nil, ErrInvalidHealthCheckInterval
	}

	if checkTimeout <= 0 {
		return nil, ErrInvalidHealthCheckTimeout
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	hc := &healthChecker{
		manager:        manager,
		services:       make(map[string]HealthCheckFunc),
		interval:       interval,
		checkTimeout:   checkTimeout,
		logger:         logger,
		stopChan:       make(chan struct{}),
		immediateCheck: make(chan string, 10),
	}

	manager.RegisterStateChangeListener(hc)

	return hc, nil
}

func (hc *healthChecker) Register(serviceName string, healthCheckFn HealthCheckFunc) {
	if healthCheckFn == nil {
		return
	}

	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.services[serviceName] = healthCheckFn
}

func (hc *healthChecker) Start() {
	hc.wg.Add(1)

	runtime.SafeGo(hc.logger, "circuitbreaker.health_checker", runtime.KeepRunning, hc.healthCheckLoop)

	hc.logger.Log(context.Background(), log.LevelInfo, "circuit breaker health checker started",
		log.Duration("interval", hc.interval))
}

// Stop is idempotent.
func (hc *healthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopChan) })
	hc.wg.Wait()
}

func (hc *healthChecker) healthCheckLoop() {
	defer hc.wg.Done()

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.performHealthChecks()
		case serviceName := <-hc.immediateCheck:
			hc.checkServiceHealth(serviceName)
		case <-hc.stopChan:
			return
		}
	}
}

func (hc *healthChecker) performHealthChecks() {
	hc.mu.RLock()
	services := make(map[string]HealthCheckFunc, len(hc.services))
	maps.Copy(services, hc.services)
	hc.mu.RUnlock()

	for serviceName, healthCheckFn := range services {
		hc.probe(serviceName, healthCheckFn)
	}
}

func (hc *healthChecker) GetHealthStatus() map[string]string {
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	status := make(map[string]string, len(hc.services))

	for serviceName := range hc.services {
		status[serviceName] = string(hc.manager.GetState(serviceName))
	}

	return status
}

func (hc *healthChecker) OnStateChange(serviceName string, _ State, to State) {
	if to != StateOpen {
		return
	}

	select {
	case hc.immediateCheck <- serviceName:
	default:
		hc.logger.Log(context.Background(), log.LevelWarn, "immediate health check queue full, waiting for next interval",
			log.String("service", serviceName))
	}
}

func (hc *healthChecker) checkServiceHealth(serviceName string) {
	hc.mu.RLock()
	healthCheckFn, exists := hc.services[serviceName]
	hc.mu.RUnlock()

	if !exists {
		return
	}

	hc.probe(serviceName, healthCheckFn)
}

func (hc *healthChecker) probe(serviceName string, healthCheckFn HealthCheckFunc) {
	if hc.manager.IsHealthy(serviceName) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), hc.checkTimeout)
	err := healthCheckFn(ctx)

	cancel()

	if err != nil {
		hc.logger.Log(ctx, log.LevelWarn, "service still unhealthy",
			log.String("service", serviceName),
			log.Err(err),
			log.Duration("retry_in", hc.interval),
		)

		return
	}

	hc.logger.Log(ctx, log.LevelInfo, "service recovered, resetting circuit breaker", log.String("service", serviceName))
	hc.manager.Reset(serviceName)
}

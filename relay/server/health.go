package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Arslan16/Ufanet-autum-practice/relay/circuitbreaker"
	"github.com/Arslan16/Ufanet-autum-practice/relay/outbox"
	"github.com/gofiber/fiber/v2"
)

const (
	statusAvailable = "available"
	statusDegraded  = "degraded"

	defaultCheckTimeout = 2 * time.Second
)

// DependencyCheck describes one dependency reported by the health endpoint.
// A dependency is healthy when its circuit breaker (if any) is closed and its
// HealthCheck (if any) returns nil.
type DependencyCheck struct {
	Name           string
	CircuitBreaker circuitbreaker.Manager
	ServiceName    string
	HealthCheck    func(ctx context.Context) error
}

type dependencyStatus struct {
	Healthy             bool   `json:"healthy"`
	CircuitBreakerState string `json:"circuit_breaker_state,omitempty"`
	ConsecutiveFailures uint32 `json:"consecutive_failures,omitempty"`
	Error               string `json:"error,omitempty"`
}

type healthResponse struct {
	Status       string                      `json:"status"`
	Dependencies map[string]dependencyStatus `json:"dependencies,omitempty"`
}

// HealthWithDependencies returns a handler answering 200 "available" when every
// dependency is healthy and 503 "degraded" otherwise.
func HealthWithDependencies(deps ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), defaultCheckTimeout)
		defer cancel()

		resp := healthResponse{Status: statusAvailable}

		if len(deps) > 0 {
			resp.Dependencies = make(map[string]dependencyStatus, len(deps))
		}

		for _, dep := range deps {
			status := checkDependency(ctx, dep)
			if !status.Healthy {
				resp.Status = statusDegraded
			}

			resp.Dependencies[dep.Name] = status
		}

		code := http.StatusOK
		if resp.Status != statusAvailable {
			code = http.StatusServiceUnavailable
		}

		return c.Status(code).JSON(resp)
	}
}

func checkDependency(ctx context.Context, dep DependencyCheck) dependencyStatus {
	status := dependencyStatus{Healthy: true}

	if dep.CircuitBreaker != nil && dep.ServiceName != "" {
		status.CircuitBreakerState = string(dep.CircuitBreaker.GetState(dep.ServiceName))
		status.ConsecutiveFailures = dep.CircuitBreaker.GetCounts(dep.ServiceName).ConsecutiveFailures
		status.Healthy = dep.CircuitBreaker.IsHealthy(dep.ServiceName)
	}

	if dep.HealthCheck != nil {
		if err := dep.HealthCheck(ctx); err != nil {
			status.Healthy = false
			status.Error = outbox.SanitizeErrorMessage(err.Error())
		}
	}

	return status
}

// StatsSource reports outbox record counts per status.
type StatsSource interface {
	CountByStatus(ctx context.Context) (map[outbox.Status]int64, error)
}

type statsResponse struct {
	Pending  int64 `json:"pending"`
	Sent     int64 `json:"sent"`
	Failed   int64 `json:"failed"`
	Archived int64 `json:"archived"`
}

// OutboxStats returns a handler reporting the record count per status.
func OutboxStats(source StatsSource) fiber.Handler {
	return func(c *fiber.Ctx) error {
		counts, err := source.CountByStatus(c.UserContext())
		if err != nil {
			return fiber.NewError(http.StatusServiceUnavailable, "outbox statistics unavailable")
		}

		return c.JSON(statsResponse{
			Pending:  counts[outbox.StatusPending],
			Sent:     counts[outbox.StatusSent],
			Failed:   counts[outbox.StatusFailed],
			Archived: counts[outbox.StatusArchived],
		})
	}
}

package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// readyCheckBudget bounds the combined runtime of all readiness checks so a
// hung dependency cannot stall the /readyz endpoint.
const readyCheckBudget = 3 * time.Second

// HealthCheck is a named dependency probe. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthChecker aggregates readiness across subsystems (storage, backend).
// Liveness is unconditional; readiness runs every registered probe.
type HealthChecker struct {
	mu     sync.Mutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthStatus is the JSON body served by the health and readiness endpoints.
type HealthStatus struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult reports one probe outcome.
type CheckResult struct {
	Status   string `json:"status"`             // "ok" or "fail"
	Message  string `json:"message,omitempty"`  // Error detail on failure.
	Duration string `json:"duration,omitempty"` // Probe wall-clock time.
}

// NewHealthChecker creates a HealthChecker with no probes registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named readiness probe. Safe for concurrent use.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness: "ok" whenever the process is running.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok"}
}

// CheckReady runs every registered probe under a shared deadline and
// aggregates the results: "ok" only when all probes pass, "degraded"
// otherwise.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	if len(checks) == 0 {
		return HealthStatus{Status: "ok"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, readyCheckBudget)
	defer cancel()

	status := HealthStatus{
		Status: "ok",
		Checks: make(map[string]CheckResult, len(checks)),
	}

	for _, c := range checks {
		start := time.Now()
		err := c.Check(checkCtx)
		result := CheckResult{
			Status:   "ok",
			Duration: time.Since(start).Round(time.Millisecond).String(),
		}
		if err != nil {
			status.Status = "degraded"
			result.Status = "fail"
			result.Message = err.Error()
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", c.Name),
					slog.String("error", err.Error()),
				)
			}
		}
		status.Checks[c.Name] = result
	}

	return status
}

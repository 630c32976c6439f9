package observability

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Aggregate and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

const healthCheckTimeout = 3 * time.Second

// CheckFunc probes one dependency. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// HealthChecker runs named readiness probes. Safe for concurrent use.
type HealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *slog.Logger
}

// HealthStatus is the JSON body of /healthz and /readyz.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{
		checks:  make(map[string]CheckFunc),
		timeout: healthCheckTimeout,
		logger:  logger,
	}
}

// AddCheck registers check under name, replacing any check already there.
func (h *HealthChecker) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// CheckHealth reports liveness, which only requires the process to be up.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: StatusOK}
}

// CheckReady runs every check in parallel under a shared deadline. The
// aggregate is degraded when any check fails.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	if len(names) == 0 {
		return HealthStatus{Status: StatusOK}
	}
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	type outcome struct {
		name string
		res  CheckResult
	}
	out := make(chan outcome, len(names))
	for _, name := range names {
		go func(name string, fn CheckFunc) {
			start := time.Now()
			res := CheckResult{Status: StatusOK}
			if err := fn(ctx); err != nil {
				res.Status = StatusFail
				res.Message = err.Error()
			}
			res.Duration = time.Since(start).Round(time.Millisecond).String()
			out <- outcome{name: name, res: res}
		}(name, checks[name])
	}

	status := HealthStatus{Status: StatusOK, Checks: make(map[string]CheckResult, len(names))}
	for range names {
		o := <-out
		status.Checks[o.name] = o.res
	}
	for _, name := range names {
		res := status.Checks[name]
		if res.Status != StatusFail {
			continue
		}
		status.Status = StatusDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", name),
				slog.String("error", res.Message),
			)
		}
	}
	return status
}

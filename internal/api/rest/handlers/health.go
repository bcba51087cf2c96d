package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/davidmoltin/record-automation/pkg/logger"
)

const readinessTimeout = 3 * time.Second

// HealthChecker pings a backing store. A nil checker is reported as disabled.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// breakerReporter is implemented by stores guarded by a circuit breaker
type breakerReporter interface {
	IsCircuitBreakerOpen() bool
}

// HealthHandler serves liveness and readiness checks
type HealthHandler struct {
	logger  *logger.Logger
	checks  map[string]HealthChecker
	version string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(log *logger.Logger, db, redis HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		logger:  log,
		checks:  map[string]HealthChecker{"database": db, "redis": redis},
		version: version,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Health reports that the process is up
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: h.version})
}

// Ready pings every dependency in parallel. Failure details go to the log only.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]string, len(h.checks))
	)
	for name, checker := range h.checks {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			state := h.checkOne(ctx, name, checker)
			mu.Lock()
			results[name] = state
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	resp := HealthResponse{Status: "ready", Version: h.version, Checks: results}
	status := http.StatusOK
	for _, state := range results {
		if state != "healthy" && state != "disabled" {
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			break
		}
	}
	RespondJSON(w, status, resp)
}

func (h *HealthHandler) checkOne(ctx context.Context, name string, checker HealthChecker) string {
	if checker == nil {
		return "disabled"
	}
	if b, ok := checker.(breakerReporter); ok && b.IsCircuitBreakerOpen() {
		h.logger.Warn("Readiness check skipped, circuit breaker open", logger.String("check", name))
		return "circuit_open"
	}
	if err := checker.HealthCheck(ctx); err != nil {
		h.logger.Error("Health check failed", logger.String("check", name), logger.Err(err))
		return "unhealthy"
	}
	return "healthy"
}

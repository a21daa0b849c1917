package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// healthCheckTimeout bounds one probe pass; a hung dependency must not
// hang the orchestrator's probe.
const healthCheckTimeout = 5 * time.Second

// CheckFunc probes one dependency. Nil means healthy.
type CheckFunc func(ctx context.Context) error

// HealthService answers the three probe endpoints. Liveness is
// unconditional; health and readiness run the registered dependency
// checks.
type HealthService struct {
	mu        sync.RWMutex
	checks    map[string]CheckFunc
	logger    *slog.Logger
	startedAt time.Time
}

// NewHealthService builds an empty service; register checks before Start.
func NewHealthService(logger *slog.Logger) *HealthService {
	return &HealthService{
		checks:    make(map[string]CheckFunc),
		logger:    logger,
		startedAt: time.Now(),
	}
}

// RegisterCheck adds a named dependency probe.
func (h *HealthService) RegisterCheck(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

type healthStatus struct {
	Status   string            `json:"status"`
	Uptime   string            `json:"uptime"`
	Checks   map[string]string `json:"checks,omitempty"`
	Degraded []string          `json:"degraded,omitempty"`
}

func (h *HealthService) runChecks(ctx context.Context) healthStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	status := healthStatus{
		Status: "healthy",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
		Checks: make(map[string]string, len(checks)),
	}
	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				"check", name, "error", err)
			status.Checks[name] = err.Error()
			status.Degraded = append(status.Degraded, name)
			status.Status = "degraded"
			continue
		}
		status.Checks[name] = "ok"
	}
	return status
}

func (h *HealthService) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.runChecks(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeProbe(w, code, status)
}

func (h *HealthService) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	writeProbe(w, http.StatusOK, healthStatus{
		Status: "ok",
		Uptime: time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *HealthService) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status := h.runChecks(r.Context())
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeProbe(w, code, status)
}

// writeProbe skips the API envelope: probes are consumed by orchestrators,
// not API clients.
func writeProbe(w http.ResponseWriter, code int, status healthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// HealthChecker is a dependency that can be probed.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	checkers map[string]HealthChecker
	timeout  time.Duration
	now      func() time.Time
}

// HealthHandlersConfig configures the probes. Checkers maps a check name
// ("database", "redis") to its checker; nil entries are skipped.
type HealthHandlersConfig struct {
	Checkers map[string]HealthChecker
	Timeout  time.Duration
}

// NewHealthHandlers creates the probe handlers.
func NewHealthHandlers(cfg HealthHandlersConfig) *HealthHandlers {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	checkers := make(map[string]HealthChecker, len(cfg.Checkers))
	for name, c := range cfg.Checkers {
		if c != nil {
			checkers[name] = c
		}
	}
	return &HealthHandlers{checkers: checkers, timeout: cfg.Timeout, now: time.Now}
}

// HealthResponse is the probe body.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health. It only reports that the process serves
// requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, http.StatusOK, HealthResponse{
		Status: "healthy",
		Checks: map[string]string{"runtime": "ok"},
	})
}

// Ready handles GET /ready and returns 503 when any dependency fails.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := map[string]string{"metrics": "ok"}
	healthy := true
	for _, name := range names {
		if err := h.checkers[name].HealthCheck(ctx); err != nil {
			checks[name] = "error"
			healthy = false
			slog.WarnContext(ctx, "readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	resp := HealthResponse{Status: "healthy", Checks: checks}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	h.write(w, r, status, resp)
}

func (h *HealthHandlers) write(w http.ResponseWriter, r *http.Request, status int, resp HealthResponse) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode health response", "error", err)
	}
}

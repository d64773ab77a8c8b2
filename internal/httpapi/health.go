// Package httpapi exposes the operational HTTP surface of esmtpd:
// liveness/readiness probes and the Prometheus /metrics endpoint. Grounded
// on the teacher's internal/health package, trimmed to the dependencies
// esmtpd actually carries (Postgres only, no Redis — see DESIGN.md).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceStatus reports the health of a single dependency.
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse is the body of GET /ready.
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse is the body of GET /live.
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// HealthHandler backs the health/readiness/liveness endpoints.
type HealthHandler struct {
	dbPool  *pgxpool.Pool
	version string
	timeout time.Duration

	mu    sync.RWMutex
	ready bool
}

// HealthConfig configures a HealthHandler.
type HealthConfig struct {
	DBPool  *pgxpool.Pool
	Version string
	Timeout time.Duration
}

// NewHealthHandler builds a HealthHandler, starting out ready.
func NewHealthHandler(cfg HealthConfig) *HealthHandler {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{
		dbPool:  cfg.DBPool,
		version: cfg.Version,
		timeout: timeout,
		ready:   true,
	}
}

// SetReady flips the readiness state, for use during graceful shutdown.
func (h *HealthHandler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *HealthHandler) isReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health reports overall status, pinging the database with a bounded timeout.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := map[string]ServiceStatus{"database": h.checkDatabase(ctx)}
	overall := "healthy"
	if services["database"].Status != "up" {
		overall = "degraded"
	}

	status := http.StatusOK
	if overall != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:    overall,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	})
}

// Readiness reports whether the server is accepting SMTP connections.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	ready := h.isReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ReadinessResponse{Ready: ready, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

// Liveness reports whether the process itself is alive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Alive: true, Timestamp: time.Now().UTC().Format(time.RFC3339)})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceStatus {
	if h.dbPool == nil {
		return ServiceStatus{Status: "unconfigured"}
	}
	start := time.Now()
	if err := h.dbPool.Ping(ctx); err != nil {
		return ServiceStatus{Status: "down", Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: time.Since(start).String()}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

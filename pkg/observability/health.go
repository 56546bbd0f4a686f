package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
)

// Pinger is any dependency that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	store   Pinger
	db      *sql.DB
	clock   clockwork.Clock
	version string
}

// NewHealthChecker creates a health checker. store is the shared state
// store and is required for readiness; db is the optional audit database.
func NewHealthChecker(store Pinger, db *sql.DB) *HealthChecker {
	return &HealthChecker{
		store:   store,
		db:      db,
		clock:   clockwork.NewRealClock(),
		version: buildVersion(),
	}
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Liveness returns 200 while the process is serving.
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": h.clock.Now().UTC(),
	})
}

// Readiness returns 503 when the shared store is unreachable. Without it
// every auth decision fails closed, so the instance must leave rotation.
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Check performs a comprehensive health check
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    h.clock.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus),
	}

	if h.store == nil {
		status.Status = StatusUnhealthy
		status.Dependencies["store"] = DependencyStatus{
			Status:    StatusUnhealthy,
			Message:   "not configured",
			Timestamp: status.Timestamp,
		}
	} else {
		storeStatus := h.checkPing(ctx, h.store)
		status.Dependencies["store"] = storeStatus
		if storeStatus.Status == StatusUnhealthy {
			status.Status = StatusUnhealthy
		}
	}

	// the audit database only degrades the instance
	if h.db != nil {
		dbStatus := h.checkPing(ctx, dbPinger{h.db})
		status.Dependencies["audit_database"] = dbStatus
		if dbStatus.Status != StatusHealthy && status.Status == StatusHealthy {
			status.Status = StatusDegraded
		}
	}

	return status
}

type dbPinger struct{ db *sql.DB }

func (p dbPinger) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (h *HealthChecker) checkPing(ctx context.Context, p Pinger) DependencyStatus {
	start := h.clock.Now()
	status := DependencyStatus{
		Status:    StatusHealthy,
		Timestamp: start.UTC(),
	}

	err := p.Ping(ctx)
	status.Latency = h.clock.Since(start)
	if err != nil {
		status.Status = StatusUnhealthy
		status.Message = err.Error()
	}
	return status
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}

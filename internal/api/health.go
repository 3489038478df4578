package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentdesk/internal/allocator"
	"github.com/go-chi/chi/v5"
)

// Pinger is a dependency that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Capacity reports port slot usage.
type Capacity interface {
	Stats(ctx context.Context) (allocator.Stats, error)
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	database  Pinger
	ephemeral Pinger
	runtime   Pinger
	ports     Capacity
	timeout   time.Duration
	logger    *slog.Logger
}

// NewHealthHandler creates a new health handler. A nil dependency is
// reported as disabled.
func NewHealthHandler(database, ephemeral, runtime Pinger, ports Capacity, timeout time.Duration, logger *slog.Logger) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		database:  database,
		ephemeral: ephemeral,
		runtime:   runtime,
		ports:     ports,
		timeout:   timeout,
		logger:    logger.With("component", "health"),
	}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	healthy := true

	for name, dep := range map[string]Pinger{
		"database":          h.database,
		"ephemeral":         h.ephemeral,
		"container_runtime": h.runtime,
	} {
		if dep == nil {
			checks[name] = "disabled"
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "dependency", name, "error", err)
			checks[name] = "unreachable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status := map[string]any{"checks": checks}
	if h.ports != nil {
		stats, err := h.ports.Stats(ctx)
		if err != nil {
			h.logger.Error("Health check failed", "dependency", "ports", "error", err)
			checks["ports"] = "unreachable"
			healthy = false
		} else {
			checks["ports"] = "ok"
			status["ports"] = map[string]int{
				"used":     stats.InUse + stats.InGrace,
				"total":    stats.Capacity,
				"in_use":   stats.InUse,
				"in_grace": stats.InGrace,
				"free":     stats.Free,
			}
		}
	}

	code := http.StatusOK
	status["status"] = "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status["status"] = "degraded"
	}
	JSON(w, code, status)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Package api provides HTTP handlers for the agentdesk API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/janitor"
	"github.com/ashureev/agentdesk/internal/registry"
	"github.com/ashureev/agentdesk/internal/relay"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// Sessions is the registry surface behind the session endpoints.
type Sessions interface {
	Create(ctx context.Context, ownerID string, cfg domain.SessionConfig) (*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	List(ctx context.Context, f store.SessionFilter) ([]*domain.Session, int, error)
	End(ctx context.Context, id string, reason domain.EndReason) (bool, error)
	Healthcheck(ctx context.Context, s *domain.Session) domain.Health
}

// Relay publishes messages and reports on observers.
type Relay interface {
	Publish(ctx context.Context, sessionID string, origin domain.Origin, body string, metadata map[string]any) (*domain.Message, error)
	HistoryCleared(sessionID string, origin domain.Origin)
	Sync(ctx context.Context, sessionID string) error
	Observers(sessionID string) []relay.ObserverStats
	ObserverCount(sessionID string) int
}

// History reads and clears the durable message log.
type History interface {
	GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error)
	ListMessages(ctx context.Context, f store.MessageFilter) ([]*domain.Message, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	DeleteMessages(ctx context.Context, sessionID string, origin domain.Origin) (int64, error)
}

// Sweeper runs one janitor pass on demand.
type Sweeper interface {
	Sweep(ctx context.Context) janitor.Report
}

// Options configures a Handler.
type Options struct {
	RateLimit     int
	RateWindow    time.Duration
	HealthTimeout time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Handler serves the /api/v1 session and message endpoints.
type Handler struct {
	sessions Sessions
	relay    Relay
	history  History
	sweeper  Sweeper
	limiter  *RateLimiter
	clock    clock.Clock
	logger   *slog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(sessions Sessions, rl Relay, history History, sweeper Sweeper, opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &Handler{
		sessions: sessions,
		relay:    rl,
		history:  history,
		sweeper:  sweeper,
		limiter:  NewRateLimiter(opts.RateLimit, opts.RateWindow, opts.Clock),
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "api"),
	}
}

// RegisterRoutes mounts the API under /api/v1. events serves the SSE
// stream for a session and may be nil.
func (h *Handler) RegisterRoutes(r chi.Router, events http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/", h.ListSessions)
			r.Post("/cleanup", h.Cleanup)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.EndSession)
				r.Get("/stats", h.SessionStats)
				r.Get("/observers", h.SessionObservers)
				if events != nil {
					r.Method(http.MethodGet, "/events", events)
				}

				r.Route("/messages", func(r chi.Router) {
					r.Post("/", h.PublishMessage)
					r.Get("/", h.ListMessages)
					r.Delete("/", h.ClearMessages)
					r.Get("/export", h.ExportMessages)
					r.Get("/{messageID}", h.GetMessage)
				})
			})
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// exhaustedRetryAfter is the Retry-After hint when no port is free.
const exhaustedRetryAfter = 30 * time.Second

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrMessageNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict),
		errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrAlreadyEnded),
		errors.Is(err, domain.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrExhausted):
		w.Header().Set("Retry-After", strconv.Itoa(int(exhaustedRetryAfter.Seconds())))
		Error(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, registry.ErrDraining):
		Error(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(v)
}

// queryInt parses an integer query parameter, returning def when it is absent.
func queryInt(r *http.Request, key string, def int64) (int64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/identity"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// sessionView is the public shape of a session.
type sessionView struct {
	SessionID    string               `json:"session_id"`
	OwnerID      string               `json:"user_id"`
	Status       domain.Status        `json:"status"`
	Config       domain.SessionConfig `json:"config"`
	Port         int                  `json:"port,omitempty"`
	Reason       string               `json:"reason,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
	LastActivity time.Time            `json:"last_activity"`
	EndedAt      *time.Time           `json:"ended_at,omitempty"`
	WebSocketURL string               `json:"websocket_url"`
	EventsURL    string               `json:"events_url"`
}

func newSessionView(s *domain.Session) sessionView {
	return sessionView{
		SessionID:    s.ID,
		OwnerID:      s.OwnerID,
		Status:       s.Status,
		Config:       s.Config,
		Port:         s.Port,
		Reason:       s.Reason,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		LastActivity: s.LastActivity,
		EndedAt:      s.EndedAt,
		WebSocketURL: "/ws/sessions/" + s.ID,
		EventsURL:    "/api/v1/sessions/" + s.ID + "/events",
	}
}

type createSessionRequest struct {
	UserID       string `json:"user_id"`
	Model        string `json:"model"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	SystemPrompt string `json:"system_prompt"`
}

// CreateSession registers a session and starts provisioning it.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			Error(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ownerID := strings.TrimSpace(req.UserID)
	if ownerID == "" {
		ownerID = identity.OwnerIDFromContext(r.Context())
	}
	if !identity.ValidOwnerID(ownerID) {
		Error(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	s, err := h.sessions.Create(r.Context(), ownerID, domain.SessionConfig{
		Model:        req.Model,
		ScreenWidth:  req.ScreenWidth,
		ScreenHeight: req.ScreenHeight,
		SystemPrompt: req.SystemPrompt,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.Info("Session requested", "session_id", s.ID, "owner_id", ownerID, "ip", identity.IPFromRequest(r))
	JSON(w, http.StatusAccepted, newSessionView(s))
}

// ListSessions pages through sessions, newest first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.SessionFilter{OwnerID: q.Get("user_id")}

	if raw := q.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := domain.Status(strings.ToUpper(strings.TrimSpace(part)))
			if !st.Valid() {
				Error(w, http.StatusBadRequest, "unknown status "+part)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	f.Limit = int(min(max(limit, 1), maxPageSize))
	f.Offset = int(offset)

	list, total, err := h.sessions.List(r.Context(), f)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	views := make([]sessionView, 0, len(list))
	for _, s := range list {
		views = append(views, newSessionView(s))
	}
	JSON(w, http.StatusOK, map[string]any{
		"sessions": views,
		"total":    total,
		"limit":    f.Limit,
		"offset":   f.Offset,
	})
}

// GetSession returns the current view of one session.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, newSessionView(s))
}

// endReasons are the reasons a caller may give when ending a session.
var endReasons = map[domain.EndReason]bool{
	domain.ReasonClientRequest:        true,
	domain.ReasonIdleTimeout:          true,
	domain.ReasonEnvironmentUnhealthy: true,
	domain.ReasonShutdown:             true,
}

// EndSession starts teardown. Ending an ended session is not an error.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	reason := domain.ReasonClientRequest
	if raw := r.URL.Query().Get("reason"); raw != "" {
		reason = domain.EndReason(raw)
		if !endReasons[reason] {
			Error(w, http.StatusBadRequest, "unknown reason "+raw)
			return
		}
	}

	started, err := h.sessions.End(r.Context(), id, reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := domain.StatusEnding
	if s, err := h.sessions.Get(r.Context(), id); err == nil {
		status = s.Status
	}

	if started {
		h.logger.Info("Session end requested", "session_id", id, "reason", reason)
	}
	JSON(w, http.StatusAccepted, map[string]any{
		"session_id":    id,
		"status":        status,
		"already_ended": !started,
	})
}

// SessionStats summarizes a session's activity.
func (h *Handler) SessionStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s, err := h.sessions.Get(ctx, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.relay.Sync(ctx, s.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	count, err := h.history.CountMessages(ctx, s.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	now := h.clock.Now()
	JSON(w, http.StatusOK, map[string]any{
		"session_id":       s.ID,
		"status":           s.Status,
		"port":             s.Port,
		"message_count":    count,
		"duration_seconds": int64(s.Duration(now).Seconds()),
		"last_activity":    s.LastActivity,
		"idle_seconds":     int64(s.IdleFor(now).Seconds()),
		"health":           h.sessions.Healthcheck(ctx, s),
		"observers":        h.relay.ObserverCount(s.ID),
	})
}

// SessionObservers lists the observers attached to a session.
func (h *Handler) SessionObservers(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"session_id": s.ID,
		"observers":  h.relay.Observers(s.ID),
	})
}

// Cleanup runs one janitor sweep and returns its report.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		Error(w, http.StatusServiceUnavailable, "janitor not configured")
		return
	}
	rep := h.sweeper.Sweep(r.Context())
	JSON(w, http.StatusOK, rep)
}

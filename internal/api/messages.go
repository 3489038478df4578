package api

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/go-chi/chi/v5"
)

type publishRequest struct {
	Content  string         `json:"content"`
	Origin   domain.Origin  `json:"origin"`
	Metadata map[string]any `json:"metadata"`
}

// PublishMessage appends a message to a session and fans it out.
func (h *Handler) PublishMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req publishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Origin == "" {
		req.Origin = domain.OriginUser
	}
	if !req.Origin.Valid() {
		Error(w, http.StatusBadRequest, "origin must be user, agent or system")
		return
	}

	if !h.limiter.Allow(id) {
		wait := h.limiter.RetryAfter(id)
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	m, err := h.relay.Publish(r.Context(), id, req.Origin, req.Content, req.Metadata)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusCreated, map[string]any{
		"message_id": m.ID,
		"seq":        m.Seq,
		"timestamp":  m.CreatedAt,
	})
}

func parseOrigin(r *http.Request) (domain.Origin, bool) {
	o := domain.Origin(r.URL.Query().Get("origin"))
	return o, o == "" || o.Valid()
}

// ListMessages pages through a session's history by sequence number.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")

	after, err := queryInt(r, "after", 0)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	limit = min(max(limit, 1), maxPageSize)
	origin, ok := parseOrigin(r)
	if !ok {
		Error(w, http.StatusBadRequest, "unknown origin")
		return
	}

	if _, err := h.sessions.Get(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	// Read your own writes: everything published so far reaches the store first.
	if err := h.relay.Sync(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	msgs, err := h.history.ListMessages(ctx, store.MessageFilter{
		SessionID: id,
		AfterSeq:  after,
		Origin:    origin,
		Limit:     int(limit) + 1,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	total, err := h.history.CountMessages(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var nextAfter *int64
	if len(msgs) > int(limit) {
		msgs = msgs[:limit]
		seq := msgs[len(msgs)-1].Seq
		nextAfter = &seq
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"messages":   msgs,
		"total":      total,
		"next_after": nextAfter,
	})
}

// GetMessage returns one message.
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")
	if err := h.relay.Sync(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.history.GetMessage(ctx, id, chi.URLParam(r, "messageID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	JSON(w, http.StatusOK, m)
}

// ClearMessages deletes a session's history, optionally for one origin.
func (h *Handler) ClearMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")
	origin, ok := parseOrigin(r)
	if !ok {
		Error(w, http.StatusBadRequest, "unknown origin")
		return
	}
	if _, err := h.sessions.Get(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.relay.Sync(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}

	n, err := h.history.DeleteMessages(ctx, id, origin)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.relay.HistoryCleared(id, origin)

	h.logger.Info("Message history cleared", "session_id", id, "origin", origin, "deleted", n)
	JSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted": n})
}

// ExportMessages writes the full transcript as a json, txt or csv attachment.
func (h *Handler) ExportMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")

	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "txt" && format != "csv" {
		Error(w, http.StatusBadRequest, "format must be json, txt or csv")
		return
	}

	s, err := h.sessions.Get(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.relay.Sync(ctx, id); err != nil {
		h.writeError(w, r, err)
		return
	}
	msgs, err := h.history.ListMessages(ctx, store.MessageFilter{SessionID: id})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="session-%s.%s"`, id, format))
	switch format {
	case "json":
		if msgs == nil {
			msgs = []*domain.Message{}
		}
		JSON(w, http.StatusOK, map[string]any{
			"session":  newSessionView(s),
			"messages": msgs,
		})
	case "txt":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Session %s (%s, model %s)\n\n", s.ID, s.Status, s.Config.Model)
		for _, m := range msgs {
			fmt.Fprintf(w, "[%s] #%d %s: %s\n", m.CreatedAt.UTC().Format(time.RFC3339), m.Seq, m.Origin, m.Body)
		}
	case "csv":
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		cw := csv.NewWriter(w)
		_ = cw.Write([]string{"seq", "timestamp", "origin", "body", "message_id", "metadata"})
		for _, m := range msgs {
			meta := ""
			if len(m.Metadata) > 0 {
				if b, err := json.Marshal(m.Metadata); err == nil {
					meta = string(b)
				}
			}
			_ = cw.Write([]string{
				strconv.FormatInt(m.Seq, 10),
				m.CreatedAt.UTC().Format(time.RFC3339Nano),
				string(m.Origin),
				m.Body,
				m.ID,
				meta,
			})
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			h.logger.Warn("Failed to write csv export", "session_id", id, "error", err)
		}
	}
}

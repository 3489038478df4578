package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

const sseRetryDelay = 5 * time.Second

// SSEHandler streams a session's frames as server-sent events. It is a
// read-only observer; message frames carry their sequence as the event id
// so a reconnecting client resumes with Last-Event-ID.
type SSEHandler struct {
	relay     *Relay
	keepalive time.Duration
	logger    *slog.Logger
}

// NewSSEHandler creates an SSE handler.
func NewSSEHandler(r *Relay, keepalive time.Duration, logger *slog.Logger) *SSEHandler {
	if keepalive <= 0 {
		keepalive = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{relay: r, keepalive: keepalive, logger: logger.With("component", "sse")}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	after := parseAfter(idHeader)

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sub, err := h.relay.Attach(r.Context(), sessionID, KindStream, after)
	if err != nil {
		httpError(w, attachStatus(err), err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprintf(w, "retry: %d\n\n", sseRetryDelay.Milliseconds()); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Info("SSE observer connected", "session_id", sessionID, "observer_id", sub.ID, "last_event_id", after)
	defer h.logger.Info("SSE observer disconnected", "session_id", sessionID, "observer_id", sub.ID)

	ticker := time.NewTicker(h.keepalive)
	defer ticker.Stop()

	for {
		select {
		case f := <-sub.Frames():
			if err := writeEvent(w, f); err != nil {
				return
			}
			flusher.Flush()
		case <-sub.Done():
			for _, f := range sub.Drain() {
				if err := writeEvent(w, f); err != nil {
					return
				}
			}
			reason := "observer detached"
			if err := sub.Err(); err != nil {
				reason = err.Error()
			}
			_ = writeEvent(w, Frame{Type: FrameError, SessionID: sessionID, Error: reason, Timestamp: time.Now()})
			flusher.Flush()
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if f.Message != nil {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.Message.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
	return err
}

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
)

// WebSocketHandler attaches observers over a WebSocket.
type WebSocketHandler struct {
	relay         *Relay
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(r *Relay, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		relay:         r,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger.With("component", "websocket"),
	}
}

// inbound is a frame sent by an observer.
type inbound struct {
	Type     string         `json:"type"`
	Content  string         `json:"content,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// parseAfter reads a replay cursor. Missing or malformed values mean
// "backlog only".
func parseAfter(v string) int64 {
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// attachStatus maps an Attach failure onto an HTTP status.
func attachStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	kind, origin := KindClient, domain.OriginUser
	switch r.URL.Query().Get("role") {
	case "", KindClient:
	case KindEnvironment:
		kind, origin = KindEnvironment, domain.OriginAgent
	default:
		httpError(w, http.StatusBadRequest, "role must be client or environment")
		return
	}

	if !h.checkOrigin(r) {
		httpError(w, http.StatusForbidden, "origin not allowed")
		return
	}

	// Attach before upgrading so a missing or ended session is a plain HTTP error.
	sub, err := h.relay.Attach(r.Context(), sessionID, kind, parseAfter(r.URL.Query().Get("after")))
	if err != nil {
		h.logger.Debug("Attach rejected", "session_id", sessionID, "error", err)
		httpError(w, attachStatus(err), err.Error())
		return
	}
	defer sub.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	ws.SetReadLimit(wsReadLimit)

	h.logger.Info("WebSocket observer connected", "session_id", sessionID, "observer_id", sub.ID, "kind", kind, "ip", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.readLoop(ctx, ws, sessionID, origin)
	}()

	var reason string
	go func() {
		defer wg.Done()
		defer cancel()
		var code websocket.StatusCode
		code, reason = h.writeLoop(ctx, ws, sub)
		// Close before cancelling so the peer sees our status code rather
		// than the one a cancelled read would produce.
		if err := ws.Close(code, reason); err != nil {
			h.logger.Debug("Failed to close websocket", "error", err, "session_id", sessionID)
		}
	}()

	wg.Wait()
	h.logger.Info("WebSocket observer disconnected", "session_id", sessionID, "observer_id", sub.ID, "reason", reason)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sessionID string, origin domain.Origin) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed by peer", "session_id", sessionID)
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeFrame(ctx, ws, Frame{Type: FrameError, SessionID: sessionID, Error: "malformed frame", Timestamp: time.Now()})
			continue
		}

		switch msg.Type {
		case "message":
			// Delivery comes back through this observer's own subscription.
			if _, err := h.relay.Publish(ctx, sessionID, origin, msg.Content, msg.Metadata); err != nil {
				_ = h.writeFrame(ctx, ws, Frame{Type: FrameError, SessionID: sessionID, Error: err.Error(), Timestamp: time.Now()})
			}
		case "ping":
			h.relay.touch(ctx, sessionID)
			_ = h.writeFrame(ctx, ws, Frame{Type: FramePong, SessionID: sessionID, Timestamp: time.Now()})
		default:
			_ = h.writeFrame(ctx, ws, Frame{Type: FrameError, SessionID: sessionID, Error: "unknown frame type " + strconv.Quote(msg.Type), Timestamp: time.Now()})
		}
	}
}

// writeLoop delivers frames until the subscription or connection ends and
// returns the close code to send.
func (h *WebSocketHandler) writeLoop(ctx context.Context, ws *websocket.Conn, sub *Subscription) (websocket.StatusCode, string) {
	for {
		select {
		case f := <-sub.Frames():
			if err := h.writeFrame(ctx, ws, f); err != nil {
				return websocket.StatusNormalClosure, "write failed"
			}
		case <-sub.Done():
			h.drain(ctx, ws, sub)
			return closeCode(sub.Err())
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "observer detached"
		}
	}
}

// drain flushes frames queued before the subscription ended, such as the
// final status frame.
func (h *WebSocketHandler) drain(ctx context.Context, ws *websocket.Conn, sub *Subscription) {
	for _, f := range sub.Drain() {
		if err := h.writeFrame(ctx, ws, f); err != nil {
			return
		}
	}
}

func closeCode(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, domain.ErrSlowConsumer):
		return websocket.StatusPolicyViolation, "slow consumer"
	case errors.Is(err, domain.ErrSessionEnded):
		return websocket.StatusNormalClosure, "session ended"
	case errors.Is(err, ErrClosed):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(err, ErrReplayTruncated):
		return websocket.StatusTryAgainLater, "replay truncated, resume from resume_after"
	default:
		return websocket.StatusNormalClosure, "observer detached"
	}
}

func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}

package relay

import (
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// Frame types sent to observers.
const (
	FrameConnected       = "connected"
	FrameMessage         = "message"
	FrameStatus          = "status"
	FrameEndpoint        = "endpoint"
	FrameHistoryCleared  = "history_cleared"
	FrameReplayTruncated = "replay_truncated"
	FramePong            = "pong"
	FrameError           = "error"
)

// Frame is one unit delivered to an observer. It carries either a message
// or a control event.
type Frame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *domain.Message `json:"message,omitempty"`
	Status    domain.Status   `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Port      int             `json:"port,omitempty"`
	Origin    domain.Origin   `json:"origin,omitempty"`
	Error     string          `json:"error,omitempty"`
	// ResumeAfter is set on replay_truncated frames.
	ResumeAfter int64     `json:"resume_after,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func messageFrame(m *domain.Message) Frame {
	return Frame{Type: FrameMessage, SessionID: m.SessionID, Message: m, Timestamp: m.CreatedAt}
}

func statusFrame(s *domain.Session, at time.Time) Frame {
	return Frame{Type: FrameStatus, SessionID: s.ID, Status: s.Status, Reason: s.Reason, Timestamp: at}
}

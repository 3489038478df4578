// Package store provides durable persistence for session history.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	OwnerID  string
	Statuses []domain.Status
	Limit    int
	Offset   int
}

// MessageFilter narrows ListMessages.
type MessageFilter struct {
	SessionID string
	AfterSeq  int64
	Origin    domain.Origin
	Limit     int // 0 = no limit
}

// Repository defines the interface for persisting sessions and messages.
type Repository interface {
	// CreateSession inserts a new session row.
	CreateSession(ctx context.Context, s *domain.Session) error

	// UpdateSession mirrors a status transition. Terminal rows are immutable;
	// updating one is a silent no-op.
	UpdateSession(ctx context.Context, s *domain.Session) error

	// GetSession returns the session, or nil if it does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns one page of sessions, newest first, and the total match count.
	ListSessions(ctx context.Context, f SessionFilter) ([]*domain.Session, int, error)

	// PurgeEndedSessions deletes terminal sessions ended before cutoff.
	// Their messages go with them.
	PurgeEndedSessions(ctx context.Context, cutoff time.Time) (int64, error)

	// AppendMessage inserts a message. Sequence numbers are unique per session.
	AppendMessage(ctx context.Context, m *domain.Message) error

	// GetMessage returns one message or domain.ErrMessageNotFound.
	GetMessage(ctx context.Context, sessionID, messageID string) (*domain.Message, error)

	// ListMessages returns messages in sequence order.
	ListMessages(ctx context.Context, f MessageFilter) ([]*domain.Message, error)

	// CountMessages returns the number of stored messages for a session.
	CountMessages(ctx context.Context, sessionID string) (int, error)

	// DeleteMessages removes a session's messages, optionally only one origin.
	DeleteMessages(ctx context.Context, sessionID string, origin domain.Origin) (int64, error)

	// MaxMessageSeq returns the highest stored sequence for a session, 0 if none.
	MaxMessageSeq(ctx context.Context, sessionID string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

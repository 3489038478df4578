// Package ephemeral holds live session and port-allocation state.
//
// All mutation goes through two atomic primitives: SwapSession, a
// compare-and-swap on a session's status, and ClaimPort, which claims the
// lowest free port in a range in one step. Both backends implement them
// atomically so several orchestrator instances may share one Redis.
package ephemeral

import (
	"context"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
)

// Store is the ephemeral key-value tier.
type Store interface {
	// CreateSession writes a new live record. Fails with domain.ErrConflict if the id exists.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession returns the live record or domain.ErrNotFound.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// ListSessions returns every live record.
	ListSessions(ctx context.Context) ([]*domain.Session, error)

	// SwapSession replaces the record if its current status equals expect.
	// Returns domain.ErrNotFound or domain.ErrConflict otherwise.
	// LastActivity is owned by TouchSession and is not overwritten.
	SwapSession(ctx context.Context, next *domain.Session, expect domain.Status) error

	// TouchSession moves LastActivity forward to at. Returns domain.ErrNotFound
	// if the record is gone.
	TouchSession(ctx context.Context, id string, at time.Time) error

	// DeleteSession removes the live record. Missing records are not an error.
	DeleteSession(ctx context.Context, id string) error

	// ClaimPort claims the lowest port in [lo, hi] that no record references
	// and returns it. A session that already holds a port gets the same port
	// back. Fails with domain.ErrExhausted when every port is referenced.
	ClaimPort(ctx context.Context, sessionID string, lo, hi int, at time.Time) (int, error)

	// ReleasePort releases the port held by sessionID. The port stays
	// referenced for grace before it can be claimed again. Returns the
	// released port and false if the session held none.
	ReleasePort(ctx context.Context, sessionID string, grace time.Duration, at time.Time) (int, bool, error)

	// ForceReleasePort drops any record referencing port, grace included.
	ForceReleasePort(ctx context.Context, port int) error

	// ListAllocations returns all port records, including released ones still in grace.
	ListAllocations(ctx context.Context) ([]domain.Allocation, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

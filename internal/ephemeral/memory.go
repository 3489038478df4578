package ephemeral

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
)

// MemoryStore is a single-process Store. Each method holds the store lock for
// its whole read-modify-write so the primitives stay atomic.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sessions map[string]*domain.Session
	ports    map[int]*domain.Allocation
	holders  map[string]int // session id -> port
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:    clk,
		sessions: make(map[string]*domain.Session),
		ports:    make(map[int]*domain.Allocation),
		holders:  make(map[string]int),
	}
}

// CreateSession writes a new live record.
func (m *MemoryStore) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("%w: session %s already exists", domain.ErrConflict, s.ID)
	}
	m.sessions[s.ID] = s.Clone()
	return nil
}

// GetSession returns the live record.
func (m *MemoryStore) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.Clone(), nil
}

// ListSessions returns every live record ordered by creation time.
func (m *MemoryStore) ListSessions(_ context.Context) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*domain.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SwapSession replaces the record if its status equals expect.
func (m *MemoryStore) SwapSession(_ context.Context, next *domain.Session, expect domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[next.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if cur.Status != expect {
		return fmt.Errorf("%w: %s is %s, expected %s", domain.ErrConflict, next.ID, cur.Status, expect)
	}
	updated := next.Clone()
	updated.LastActivity = cur.LastActivity
	m.sessions[next.ID] = updated
	return nil
}

// TouchSession moves LastActivity forward.
func (m *MemoryStore) TouchSession(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return domain.ErrNotFound
	}
	if at.After(s.LastActivity) {
		s.LastActivity = at
	}
	return nil
}

// DeleteSession removes the live record.
func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// expireLocked drops released allocations whose grace has elapsed.
func (m *MemoryStore) expireLocked() {
	now := m.clock.Now()
	for port, a := range m.ports {
		if a.Released && !now.Before(a.ExpiresAt) {
			delete(m.ports, port)
		}
	}
}

// ClaimPort claims the lowest unreferenced port in [lo, hi].
func (m *MemoryStore) ClaimPort(_ context.Context, sessionID string, lo, hi int, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()

	if port, ok := m.holders[sessionID]; ok {
		if a := m.ports[port]; a != nil && a.SessionID == sessionID && !a.Released {
			return port, nil
		}
	}

	for port := lo; port <= hi; port++ {
		if _, taken := m.ports[port]; taken {
			continue
		}
		m.ports[port] = &domain.Allocation{Port: port, SessionID: sessionID, ClaimedAt: at}
		m.holders[sessionID] = port
		return port, nil
	}
	return 0, domain.ErrExhausted
}

// ReleasePort releases the port held by sessionID into its grace window.
func (m *MemoryStore) ReleasePort(_ context.Context, sessionID string, grace time.Duration, at time.Time) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	port, ok := m.holders[sessionID]
	if !ok {
		return 0, false, nil
	}
	delete(m.holders, sessionID)

	a := m.ports[port]
	if a == nil || a.SessionID != sessionID || a.Released {
		return 0, false, nil
	}
	if grace <= 0 {
		delete(m.ports, port)
		return port, true, nil
	}
	a.Released = true
	a.ExpiresAt = at.Add(grace)
	return port, true, nil
}

// ForceReleasePort drops any record referencing port.
func (m *MemoryStore) ForceReleasePort(_ context.Context, port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.ports[port]; ok {
		if m.holders[a.SessionID] == port {
			delete(m.holders, a.SessionID)
		}
		delete(m.ports, port)
	}
	return nil
}

// ListAllocations returns all port records ordered by port.
func (m *MemoryStore) ListAllocations(_ context.Context) ([]domain.Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.expireLocked()
	out := make([]domain.Allocation, 0, len(m.ports))
	for _, a := range m.ports {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

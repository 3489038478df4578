// Package allocator hands out network ports to sessions.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/ephemeral"
)

// Allocator reserves ports from a fixed range. Every claim is a single
// atomic operation against the ephemeral store.
type Allocator struct {
	store  ephemeral.Store
	lo, hi int
	grace  time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

// Options configures an Allocator.
type Options struct {
	RangeStart int
	RangeEnd   int
	// ReuseGrace keeps a released port unavailable so a new session cannot
	// race a listener lingering from the old one.
	ReuseGrace time.Duration
	Clock      clock.Clock
	Logger     *slog.Logger
}

// Stats summarizes slot usage.
type Stats struct {
	Capacity int `json:"capacity"`
	InUse    int `json:"in_use"`
	InGrace  int `json:"in_grace"`
	Free     int `json:"free"`
}

// New creates an Allocator over [RangeStart, RangeEnd].
func New(store ephemeral.Store, opts Options) (*Allocator, error) {
	if opts.RangeStart <= 0 || opts.RangeEnd < opts.RangeStart {
		return nil, fmt.Errorf("invalid port range %d-%d", opts.RangeStart, opts.RangeEnd)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Allocator{
		store:  store,
		lo:     opts.RangeStart,
		hi:     opts.RangeEnd,
		grace:  opts.ReuseGrace,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "allocator"),
	}, nil
}

// Reserve claims the lowest free port for sessionID or fails with domain.ErrExhausted.
func (a *Allocator) Reserve(ctx context.Context, sessionID string) (int, error) {
	port, err := a.store.ClaimPort(ctx, sessionID, a.lo, a.hi, a.clock.Now())
	if err != nil {
		if errors.Is(err, domain.ErrExhausted) {
			a.logger.Warn("Port range exhausted", "session_id", sessionID, "range_start", a.lo, "range_end", a.hi)
			return 0, err
		}
		return 0, fmt.Errorf("reserve port: %w", err)
	}
	a.logger.Info("Port reserved", "session_id", sessionID, "port", port)
	return port, nil
}

// Release frees the port held by sessionID. Releasing twice, or for a
// session that never held a port, succeeds silently.
func (a *Allocator) Release(ctx context.Context, sessionID string) error {
	port, ok, err := a.store.ReleasePort(ctx, sessionID, a.grace, a.clock.Now())
	if err != nil {
		return fmt.Errorf("release port: %w", err)
	}
	if ok {
		a.logger.Info("Port released", "session_id", sessionID, "port", port, "reuse_after", a.grace)
	}
	return nil
}

// ForceRelease drops the record for port, skipping the grace window.
func (a *Allocator) ForceRelease(ctx context.Context, port int) error {
	if err := a.store.ForceReleasePort(ctx, port); err != nil {
		return fmt.Errorf("force release: %w", err)
	}
	a.logger.Info("Port force-released", "port", port)
	return nil
}

// List returns every allocation record, including ports still in grace.
func (a *Allocator) List(ctx context.Context) ([]domain.Allocation, error) {
	allocs, err := a.store.ListAllocations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	return allocs, nil
}

// Grace returns the reuse grace window.
func (a *Allocator) Grace() time.Duration { return a.grace }

// Stats reports how many slots of the range are taken.
func (a *Allocator) Stats(ctx context.Context) (Stats, error) {
	allocs, err := a.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Capacity: a.hi - a.lo + 1}
	for _, al := range allocs {
		if al.Port < a.lo || al.Port > a.hi {
			continue
		}
		if al.Released {
			st.InGrace++
		} else {
			st.InUse++
		}
	}
	st.Free = st.Capacity - st.InUse - st.InGrace
	return st, nil
}

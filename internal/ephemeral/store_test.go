package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// harness pairs a Store with a way to move its notion of time forward.
type harness struct {
	store   Store
	now     func() time.Time
	advance func(time.Duration)
}

type factory func(t *testing.T) harness

func newMemoryHarness(t *testing.T) harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	return harness{store: NewMemoryStore(clk), now: clk.Now, advance: clk.Advance}
}

func newRedisHarness(t *testing.T) harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clk := clock.NewFake(epoch)
	return harness{
		store: NewRedisStore(rdb, RedisOptions{Namespace: "test:", RecordTTL: time.Hour}),
		now:   clk.Now,
		advance: func(d time.Duration) {
			clk.Advance(d)
			mr.FastForward(d)
		},
	}
}

func backends() map[string]factory {
	return map[string]factory{
		"memory": newMemoryHarness,
		"redis":  newRedisHarness,
	}
}

func newSession(id string, at time.Time) *domain.Session {
	return &domain.Session{
		ID:           id,
		OwnerID:      "owner-1",
		Status:       domain.StatusPending,
		Config:       domain.SessionConfig{Model: "m", ScreenWidth: 1024, ScreenHeight: 768},
		CreatedAt:    at,
		UpdatedAt:    at,
		LastActivity: at,
	}
}

func TestSessionRecords(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			s := newSession("s1", h.now())
			require.NoError(t, h.store.CreateSession(ctx, s))
			require.ErrorIs(t, h.store.CreateSession(ctx, s), domain.ErrConflict)

			got, err := h.store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusPending, got.Status)
			assert.Equal(t, "owner-1", got.OwnerID)
			assert.Equal(t, 1024, got.Config.ScreenWidth)

			_, err = h.store.GetSession(ctx, "missing")
			require.ErrorIs(t, err, domain.ErrNotFound)

			list, err := h.store.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)

			require.NoError(t, h.store.DeleteSession(ctx, "s1"))
			require.NoError(t, h.store.DeleteSession(ctx, "s1"))
			_, err = h.store.GetSession(ctx, "s1")
			require.ErrorIs(t, err, domain.ErrNotFound)
			require.ErrorIs(t, h.store.TouchSession(ctx, "s1", h.now()), domain.ErrNotFound)
		})
	}
}

func TestSwapSessionIsCompareAndSwap(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			s := newSession("s1", h.now())
			require.NoError(t, h.store.CreateSession(ctx, s))

			next := s.Clone()
			next.Status = domain.StatusRunning
			next.Port = 5900
			require.NoError(t, h.store.SwapSession(ctx, next, domain.StatusPending))

			stale := s.Clone()
			stale.Status = domain.StatusFailed
			require.ErrorIs(t, h.store.SwapSession(ctx, stale, domain.StatusPending), domain.ErrConflict)

			got, err := h.store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, domain.StatusRunning, got.Status)
			assert.Equal(t, 5900, got.Port)

			ghost := newSession("ghost", h.now())
			require.ErrorIs(t, h.store.SwapSession(ctx, ghost, domain.StatusPending), domain.ErrNotFound)
		})
	}
}

func TestConcurrentSwapHasOneWinner(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			s := newSession("s1", h.now())
			require.NoError(t, h.store.CreateSession(ctx, s))

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					next := s.Clone()
					next.Status = domain.StatusEnding
					if err := h.store.SwapSession(ctx, next, domain.StatusPending); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestTouchOnlyMovesForwardAndSurvivesSwap(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			s := newSession("s1", h.now())
			require.NoError(t, h.store.CreateSession(ctx, s))

			later := h.now().Add(5 * time.Minute)
			require.NoError(t, h.store.TouchSession(ctx, "s1", later))
			require.NoError(t, h.store.TouchSession(ctx, "s1", h.now()))

			next := s.Clone()
			next.Status = domain.StatusRunning
			require.NoError(t, h.store.SwapSession(ctx, next, domain.StatusPending))

			got, err := h.store.GetSession(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, later.UnixMilli(), got.LastActivity.UnixMilli())
		})
	}
}

func TestClaimPortLowestFreeAndExhausted(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			p1, err := h.store.ClaimPort(ctx, "a", 7000, 7002, h.now())
			require.NoError(t, err)
			p2, err := h.store.ClaimPort(ctx, "b", 7000, 7002, h.now())
			require.NoError(t, err)
			again, err := h.store.ClaimPort(ctx, "a", 7000, 7002, h.now())
			require.NoError(t, err)
			p3, err := h.store.ClaimPort(ctx, "c", 7000, 7002, h.now())
			require.NoError(t, err)

			assert.Equal(t, 7000, p1)
			assert.Equal(t, 7001, p2)
			assert.Equal(t, p1, again)
			assert.Equal(t, 7002, p3)

			_, err = h.store.ClaimPort(ctx, "d", 7000, 7002, h.now())
			require.ErrorIs(t, err, domain.ErrExhausted)
		})
	}
}

func TestReleasedPortHonoursGrace(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			_, err := h.store.ClaimPort(ctx, "a", 7000, 7000, h.now())
			require.NoError(t, err)

			port, ok, err := h.store.ReleasePort(ctx, "a", 10*time.Second, h.now())
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, 7000, port)

			_, ok, err = h.store.ReleasePort(ctx, "a", 10*time.Second, h.now())
			require.NoError(t, err)
			assert.False(t, ok)

			_, err = h.store.ClaimPort(ctx, "b", 7000, 7000, h.now())
			require.ErrorIs(t, err, domain.ErrExhausted)

			allocs, err := h.store.ListAllocations(ctx)
			require.NoError(t, err)
			require.Len(t, allocs, 1)
			assert.True(t, allocs[0].Released)

			h.advance(11 * time.Second)

			port, err = h.store.ClaimPort(ctx, "b", 7000, 7000, h.now())
			require.NoError(t, err)
			assert.Equal(t, 7000, port)
		})
	}
}

func TestForceReleasePort(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			_, err := h.store.ClaimPort(ctx, "a", 7000, 7000, h.now())
			require.NoError(t, err)
			require.NoError(t, h.store.ForceReleasePort(ctx, 7000))
			require.NoError(t, h.store.ForceReleasePort(ctx, 7000))

			_, ok, err := h.store.ReleasePort(ctx, "a", time.Second, h.now())
			require.NoError(t, err)
			assert.False(t, ok)

			port, err := h.store.ClaimPort(ctx, "b", 7000, 7000, h.now())
			require.NoError(t, err)
			assert.Equal(t, 7000, port)
		})
	}
}

func TestConcurrentClaimsAreInjective(t *testing.T) {
	t.Parallel()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			h := mk(t)
			ctx := context.Background()

			const sessions = 20
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				owners    = make(map[int]string)
				exhausted int
			)
			for i := 0; i < sessions; i++ {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					port, err := h.store.ClaimPort(ctx, id, 8000, 8009, h.now())
					mu.Lock()
					defer mu.Unlock()
					if errors.Is(err, domain.ErrExhausted) {
						exhausted++
						return
					}
					if assert.NoError(t, err) {
						_, dup := owners[port]
						assert.False(t, dup, "port %d assigned twice", port)
						owners[port] = id
					}
				}(fmt.Sprintf("s%02d", i))
			}
			wg.Wait()

			assert.Len(t, owners, 10)
			assert.Equal(t, 10, exhausted)
		})
	}
}

package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/ephemeral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAllocator(t *testing.T, lo, hi int, grace time.Duration) (*Allocator, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a, err := New(ephemeral.NewMemoryStore(clk), Options{RangeStart: lo, RangeEnd: hi, ReuseGrace: grace, Clock: clk})
	require.NoError(t, err)
	return a, clk
}

func TestNewRejectsBadRange(t *testing.T) {
	t.Parallel()
	_, err := New(ephemeral.NewMemoryStore(nil), Options{RangeStart: 10, RangeEnd: 5})
	require.Error(t, err)
}

func TestReserveLowestFree(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 5900, 5902, time.Second)
	ctx := context.Background()

	p1, err := a.Reserve(ctx, "a")
	require.NoError(t, err)
	p2, err := a.Reserve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 5900, p1)
	assert.Equal(t, 5901, p2)

	require.NoError(t, a.ForceRelease(ctx, p1))
	p3, err := a.Reserve(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 5900, p3)
}

func TestReserveExhausted(t *testing.T) {
	t.Parallel()
	a, _ := newAllocator(t, 5900, 5900, time.Second)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "a")
	require.NoError(t, err)
	_, err = a.Reserve(ctx, "b")
	require.ErrorIs(t, err, domain.ErrExhausted)
}

func TestReleaseIsIdempotentAndHonoursGrace(t *testing.T) {
	t.Parallel()
	a, clk := newAllocator(t, 5900, 5900, 30*time.Second)
	ctx := context.Background()

	_, err := a.Reserve(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx, "a"))
	require.NoError(t, a.Release(ctx, "a"))
	require.NoError(t, a.Release(ctx, "never-held"))

	st, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Capacity: 1, InGrace: 1}, st)

	_, err = a.Reserve(ctx, "b")
	require.ErrorIs(t, err, domain.ErrExhausted)

	clk.Advance(31 * time.Second)
	port, err := a.Reserve(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 5900, port)

	st, err = a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Capacity: 1, InUse: 1}, st)
}

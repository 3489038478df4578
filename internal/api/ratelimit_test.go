package api

import (
	"testing"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(2, time.Minute, clk)

	assert.True(t, rl.Allow("s1"))
	clk.Advance(10 * time.Second)
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
	assert.True(t, rl.Allow("s2"), "limits are per key")
	assert.Equal(t, 50*time.Second, rl.RetryAfter("s1"))

	clk.Advance(51 * time.Second)
	assert.True(t, rl.Allow("s1"))
	assert.False(t, rl.Allow("s1"))
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	rl := NewRateLimiter(5, time.Minute, clk)

	rl.Allow("old")
	clk.Advance(2 * time.Minute)
	rl.Allow("new")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.requests, "old")
	assert.Contains(t, rl.requests, "new")
}

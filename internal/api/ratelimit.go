package api

import (
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
)

// RateLimiter is a sliding-window limiter keyed by session ID.
type RateLimiter struct {
	mu        sync.Mutex
	requests  map[string][]time.Time
	limit     int
	window    time.Duration
	clock     clock.Clock
	lastSweep time.Time
}

// NewRateLimiter creates a limiter allowing limit events per window.
func NewRateLimiter(limit int, window time.Duration, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		requests:  make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		clock:     clk,
		lastSweep: clk.Now(),
	}
}

// Allow records an event for key and reports whether it is within the limit.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.window)
	if now.Sub(r.lastSweep) >= r.window {
		r.evict(cutoff)
		r.lastSweep = now
	}

	recent := fresh(r.requests[key], cutoff)
	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}
	r.requests[key] = append(recent, now)
	return true
}

// RetryAfter returns how long key must wait before its next event fits.
func (r *RateLimiter) RetryAfter(key string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	times := r.requests[key]
	if len(times) < r.limit {
		return 0
	}
	return max(times[0].Add(r.window).Sub(r.clock.Now()), 0)
}

// evict drops keys with no events after cutoff so the map stays bounded.
func (r *RateLimiter) evict(cutoff time.Time) {
	for key, times := range r.requests {
		if f := fresh(times, cutoff); len(f) == 0 {
			delete(r.requests, key)
		} else {
			r.requests[key] = f
		}
	}
}

func fresh(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	return times[i:]
}

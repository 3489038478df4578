package domain

import "time"

// Allocation maps a port to the session holding it.
// A released allocation lingers until ExpiresAt to block reuse.
type Allocation struct {
	Port      int       `json:"port"`
	SessionID string    `json:"session_id"`
	ClaimedAt time.Time `json:"claimed_at"`
	Released  bool      `json:"released"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Health is the result of an environment healthcheck.
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

// Environment describes a provisioned environment as seen by the runtime.
type Environment struct {
	Handle    string    `json:"handle"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Running   bool      `json:"running"`
}

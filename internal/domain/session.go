// Package domain contains core domain types for the agent session orchestrator.
package domain

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusEnding  Status = "ENDING"
	StatusEnded   Status = "ENDED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusEnding, StatusEnded, StatusFailed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusEnding},
	StatusRunning: {StatusEnding},
	StatusEnding:  {StatusEnded, StatusFailed},
}

// CanTransition reports whether the state machine allows from -> to.
// RUNNING reaches FAILED only through ENDING so teardown always runs.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// EndReason explains why a session was ended.
type EndReason string

const (
	ReasonClientRequest        EndReason = "client_request"
	ReasonIdleTimeout          EndReason = "idle_timeout"
	ReasonEnvironmentUnhealthy EndReason = "environment_unhealthy"
	ReasonOrchestratorRestart  EndReason = "orchestrator_restart"
	ReasonShutdown             EndReason = "shutdown"
)

// Failure reports whether a session ended for this reason is reported as FAILED.
func (r EndReason) Failure() bool {
	return r == ReasonEnvironmentUnhealthy
}

// SessionConfig is the caller-declared shape of a session's environment.
type SessionConfig struct {
	Model        string `json:"model"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// Session is one isolated desktop/agent instance.
type Session struct {
	ID           string        `json:"id"`
	OwnerID      string        `json:"owner_id"`
	Config       SessionConfig `json:"config"`
	Status       Status        `json:"status"`
	Port         int           `json:"port,omitempty"`
	Handle       string        `json:"handle,omitempty"`
	Reason       string        `json:"reason,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	LastActivity time.Time     `json:"last_activity"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActivity)
}

// Duration returns the session's age, or its lifetime once ended.
func (s *Session) Duration(now time.Time) time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.CreatedAt)
	}
	return now.Sub(s.CreatedAt)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("invalid session config")
	ErrNotFound          = errors.New("session not found")
	ErrConflict          = errors.New("session status conflict")
	ErrAlreadyEnded      = errors.New("session already ended")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExhausted         = errors.New("port range exhausted")
	ErrSlowConsumer      = errors.New("slow consumer")
	ErrSessionNotActive  = errors.New("session not active")
	ErrSessionEnded      = errors.New("session ended")
	ErrMessageNotFound   = errors.New("message not found")
)

// InvalidConfigf returns an error matching ErrInvalidConfig.
func InvalidConfigf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// ProvisionKind classifies a provisioning failure.
type ProvisionKind string

const (
	ProvisionResourceLimit      ProvisionKind = "ResourceLimit"
	ProvisionRuntimeUnavailable ProvisionKind = "RuntimeUnavailable"
	ProvisionTimeout            ProvisionKind = "Timeout"
)

// ProvisionError is returned when an environment could not be started.
type ProvisionError struct {
	Kind ProvisionKind
	Err  error
}

func (e *ProvisionError) Error() string {
	if e.Err == nil {
		return "provision " + string(e.Kind)
	}
	return fmt.Sprintf("provision %s: %v", e.Kind, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// StopError is returned when an environment could not be confirmed stopped.
type StopError struct {
	Handle string
	Err    error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop environment %s: %v", e.Handle, e.Err)
}

func (e *StopError) Unwrap() error { return e.Err }

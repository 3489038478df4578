package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]Status{
		{StatusPending, StatusRunning},
		{StatusPending, StatusFailed},
		{StatusPending, StatusEnding},
		{StatusRunning, StatusEnding},
		{StatusEnding, StatusEnded},
		{StatusEnding, StatusFailed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]Status{
		{StatusRunning, StatusPending},
		{StatusRunning, StatusEnded},
		{StatusRunning, StatusFailed},
		{StatusEnded, StatusRunning},
		{StatusFailed, StatusEnding},
		{StatusEnding, StatusRunning},
	}
	for _, tr := range denied {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.True(t, StatusEnded.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusEnding.Terminal())
	assert.False(t, Status("bogus").Valid())
}

func TestEndReasonFailure(t *testing.T) {
	t.Parallel()

	assert.True(t, ReasonEnvironmentUnhealthy.Failure())
	assert.False(t, ReasonIdleTimeout.Failure())
	assert.False(t, ReasonClientRequest.Failure())
}

func TestSessionCloneIsDeep(t *testing.T) {
	t.Parallel()

	ended := time.Unix(100, 0)
	s := &Session{ID: "a", EndedAt: &ended}
	c := s.Clone()
	*c.EndedAt = time.Unix(200, 0)

	assert.Equal(t, int64(100), s.EndedAt.Unix())
}

func TestProvisionErrorUnwraps(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("start: %w", &ProvisionError{Kind: ProvisionResourceLimit, Err: ErrExhausted})

	var perr *ProvisionError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, ProvisionResourceLimit, perr.Kind)
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestInvalidConfigf(t *testing.T) {
	t.Parallel()

	err := InvalidConfigf("width %d out of range", 10)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "width 10")
}

package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/sourcegraph/conc/panics"
)

// dispatch runs fn for a session as an independent unit of work, bounded
// by MaxConcurrentOps. Units outlive the request that scheduled them.
func (r *Registry) dispatch(id, op string, fn func(ctx context.Context, id string)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sem <- struct{}{}
		defer func() { <-r.sem }()

		var pc panics.Catcher
		pc.Try(func() { fn(context.Background(), id) })
		if rec := pc.Recovered(); rec != nil {
			r.logger.Error("Session unit panicked", "session_id", id, "op", op, "panic", rec.Value, "stack", string(rec.Stack))
		}
	}()
}

func (r *Registry) provision(ctx context.Context, id string) {
	// Registered before the status read so a teardown that observes ENDING
	// also observes this unit.
	r.provisioning.Store(id, struct{}{})
	defer r.provisioning.Delete(id)

	s, err := r.live.GetSession(ctx, id)
	if err != nil {
		r.logger.Warn("Provisioning skipped, session not live", "session_id", id, "error", err)
		return
	}
	if s.Status != domain.StatusPending {
		return
	}

	port, err := r.ports.Reserve(ctx, id)
	if err != nil {
		kind := domain.ProvisionRuntimeUnavailable
		if errors.Is(err, domain.ErrExhausted) {
			kind = domain.ProvisionResourceLimit
		}
		r.fail(ctx, id, &domain.ProvisionError{Kind: kind, Err: err})
		return
	}

	if cur, err := r.live.GetSession(ctx, id); err != nil || cur.Status != domain.StatusPending {
		r.logger.Info("Session left PENDING before start, releasing port", "session_id", id, "port", port)
		r.releasePort(ctx, id)
		return
	}

	sctx, cancel := context.WithTimeout(ctx, r.provisionTimeout)
	handle, err := r.envs.Start(sctx, id, s.Config, port)
	cancel()
	if err != nil {
		r.releasePort(ctx, id)
		r.fail(ctx, id, asProvisionError(err))
		return
	}

	_, err = r.transition(ctx, id, domain.StatusPending, domain.StatusRunning, func(next *domain.Session) {
		next.Port = port
		next.Handle = handle
	})
	if err != nil {
		// End won the race. The teardown it scheduled never saw this
		// handle, so clean up here.
		r.logger.Info("Session ended during provisioning, discarding environment", "session_id", id, "handle", handle, "error", err)
		r.stopEnvironment(ctx, id, handle)
		r.releasePort(ctx, id)
		return
	}
	r.logger.Info("Session running", "session_id", id, "port", port, "handle", handle)
}

func asProvisionError(err error) *domain.ProvisionError {
	var pe *domain.ProvisionError
	if errors.As(err, &pe) {
		return pe
	}
	kind := domain.ProvisionRuntimeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.ProvisionTimeout
	}
	return &domain.ProvisionError{Kind: kind, Err: err}
}

func (r *Registry) fail(ctx context.Context, id string, pe *domain.ProvisionError) {
	r.logger.Error("Provisioning failed", "session_id", id, "kind", pe.Kind, "error", pe.Err)
	_, err := r.transition(ctx, id, domain.StatusPending, domain.StatusFailed, func(s *domain.Session) {
		s.Reason = pe.Error()
	})
	if err != nil {
		r.logger.Info("Session left PENDING before failure was recorded", "session_id", id, "error", err)
	}
}

func (r *Registry) teardown(ctx context.Context, id string) {
	s, err := r.live.GetSession(ctx, id)
	if err != nil {
		r.logger.Warn("Teardown skipped, session not live", "session_id", id, "error", err)
		return
	}
	if s.Status != domain.StatusEnding {
		return
	}

	if s.Handle != "" {
		r.stopEnvironment(ctx, id, s.Handle)
		r.releasePort(ctx, id)
	} else if !r.Provisioning(id) {
		r.releasePort(ctx, id)
	}

	final := domain.StatusEnded
	if domain.EndReason(s.Reason).Failure() {
		final = domain.StatusFailed
	}
	if _, err := r.transition(ctx, id, domain.StatusEnding, final, nil); err != nil {
		r.logger.Warn("Failed to finish teardown", "session_id", id, "error", err)
	}
}

// stopEnvironment logs a StopError rather than returning it; the janitor
// reaps anything left behind.
func (r *Registry) stopEnvironment(ctx context.Context, id, handle string) {
	sctx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()
	if err := r.envs.Stop(sctx, handle); err != nil {
		var se *domain.StopError
		if !errors.As(err, &se) {
			se = &domain.StopError{Handle: handle, Err: err}
		}
		r.logger.Warn("Environment stop failed", "session_id", id, "error", se)
	}
}

func (r *Registry) releasePort(ctx context.Context, id string) {
	if err := r.ports.Release(ctx, id); err != nil {
		r.logger.Error("Failed to release port", "session_id", id, "error", err)
	}
}

// RecoveryReport summarizes a startup reconciliation.
type RecoveryReport struct {
	Failed  int `json:"failed"`
	Resumed int `json:"resumed"`
}

// Recover reconciles the two tiers after a restart. Durable sessions that
// are active but have no live record are marked FAILED; live sessions
// caught mid-teardown have teardown resumed.
func (r *Registry) Recover(ctx context.Context) (RecoveryReport, error) {
	var rep RecoveryReport

	active, _, err := r.durable.ListSessions(ctx, store.SessionFilter{
		Statuses: []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusEnding},
	})
	if err != nil {
		return rep, fmt.Errorf("list active sessions: %w", err)
	}

	for _, s := range active {
		_, err := r.live.GetSession(ctx, s.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return rep, fmt.Errorf("get live session: %w", err)
		}

		now := r.clock.Now()
		s.Status = domain.StatusFailed
		s.Reason = string(domain.ReasonOrchestratorRestart)
		s.UpdatedAt = now
		s.EndedAt = &now
		if err := r.mirror(ctx, s); err != nil {
			r.logger.Error("Failed to mark lost session", "session_id", s.ID, "error", err)
			continue
		}
		r.releasePort(ctx, s.ID)
		rep.Failed++
	}

	live, err := r.live.ListSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list live sessions: %w", err)
	}
	for _, s := range live {
		if s.Status == domain.StatusEnding {
			r.dispatch(s.ID, "teardown", r.teardown)
			rep.Resumed++
		}
	}

	if rep.Failed > 0 || rep.Resumed > 0 {
		r.logger.Info("Recovered sessions", "failed", rep.Failed, "resumed", rep.Resumed)
	}
	return rep, nil
}

// Drain stops new sessions from being created and waits for in-flight
// provisioning and teardown units.
func (r *Registry) Drain(ctx context.Context) error {
	r.draining.Store(true)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain session units: %w", ctx.Err())
	}
}

// Package registry owns the session state machine.
//
// Every status change goes through Transition, a compare-and-swap on the
// live record in the ephemeral store. Provisioning and teardown run as
// background units of work so Create and End return without waiting on
// the container runtime.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/ephemeral"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/google/uuid"
)

// ErrDraining is returned by Create once shutdown has begun.
var ErrDraining = errors.New("registry is draining")

// Environments starts and stops session environments.
type Environments interface {
	Start(ctx context.Context, sessionID string, cfg domain.SessionConfig, port int) (string, error)
	Stop(ctx context.Context, handle string) error
	Healthcheck(ctx context.Context, handle string) domain.Health
	ListEnvironments(ctx context.Context) ([]domain.Environment, error)
}

// Ports reserves and releases network ports.
type Ports interface {
	Reserve(ctx context.Context, sessionID string) (int, error)
	Release(ctx context.Context, sessionID string) error
}

// ConfigResolver validates a requested config and fills in defaults.
type ConfigResolver interface {
	Resolve(cfg domain.SessionConfig) (domain.SessionConfig, error)
}

// Notifier is told about every committed status change.
type Notifier interface {
	SessionChanged(s *domain.Session)
}

// Options tunes a Registry.
type Options struct {
	ProvisionTimeout time.Duration
	StopTimeout      time.Duration
	HealthTimeout    time.Duration
	MaxConcurrentOps int
	Retry            shared.RetryPolicy
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Registry is the authoritative owner of session status.
type Registry struct {
	live     ephemeral.Store
	durable  store.Repository
	envs     Environments
	ports    Ports
	resolver ConfigResolver
	clock    clock.Clock
	logger   *slog.Logger

	provisionTimeout time.Duration
	stopTimeout      time.Duration
	healthTimeout    time.Duration
	retry            shared.RetryPolicy

	notifierMu sync.RWMutex
	notifier   Notifier

	sem      chan struct{}
	wg       sync.WaitGroup
	draining atomic.Bool

	// provisioning holds ids whose provisioning unit is in flight. That
	// unit owns the port claim until it exits.
	provisioning sync.Map
}

// New creates a Registry.
func New(live ephemeral.Store, durable store.Repository, envs Environments, ports Ports, resolver ConfigResolver, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxConcurrentOps <= 0 {
		opts.MaxConcurrentOps = 8
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = 2 * time.Minute
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 30 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	return &Registry{
		live:             live,
		durable:          durable,
		envs:             envs,
		ports:            ports,
		resolver:         resolver,
		clock:            opts.Clock,
		logger:           opts.Logger.With("component", "registry"),
		provisionTimeout: opts.ProvisionTimeout,
		stopTimeout:      opts.StopTimeout,
		healthTimeout:    opts.HealthTimeout,
		retry:            opts.Retry,
		sem:              make(chan struct{}, opts.MaxConcurrentOps),
	}
}

// SetNotifier installs the status-change listener.
func (r *Registry) SetNotifier(n Notifier) {
	r.notifierMu.Lock()
	r.notifier = n
	r.notifierMu.Unlock()
}

func (r *Registry) notify(s *domain.Session) {
	r.notifierMu.RLock()
	n := r.notifier
	r.notifierMu.RUnlock()
	if n != nil {
		n.SessionChanged(s.Clone())
	}
}

// Create validates cfg, records a PENDING session and schedules
// provisioning. It does not wait for the environment.
func (r *Registry) Create(ctx context.Context, ownerID string, cfg domain.SessionConfig) (*domain.Session, error) {
	if r.draining.Load() {
		return nil, ErrDraining
	}

	resolved, err := r.resolver.Resolve(cfg)
	if err != nil {
		return nil, err
	}

	now := r.clock.Now()
	s := &domain.Session{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		Config:       resolved,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}

	if err := r.live.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("create live session: %w", err)
	}
	err = shared.RetryOnConflict(ctx, r.retry, "create session", func() error {
		return r.durable.CreateSession(ctx, s)
	})
	if err != nil {
		if delErr := r.live.DeleteSession(context.WithoutCancel(ctx), s.ID); delErr != nil {
			r.logger.Warn("Failed to roll back live session", "session_id", s.ID, "error", delErr)
		}
		return nil, fmt.Errorf("create durable session: %w", err)
	}

	r.logger.Info("Session created", "session_id", s.ID, "owner_id", ownerID, "model", resolved.Model)
	r.notify(s)
	r.dispatch(s.ID, "provision", r.provision)
	return s.Clone(), nil
}

// Get returns a session. The live record wins; ended sessions come from
// the durable store.
func (r *Registry) Get(ctx context.Context, id string) (*domain.Session, error) {
	s, err := r.live.GetSession(ctx, id)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("get live session: %w", err)
	}

	s, err = r.durable.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get durable session: %w", err)
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// ListLive returns every session in the ephemeral tier.
func (r *Registry) ListLive(ctx context.Context) ([]*domain.Session, error) {
	list, err := r.live.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list live sessions: %w", err)
	}
	return list, nil
}

// List pages through the durable history with live status overlaid, so
// a session that is live reports its current state.
func (r *Registry) List(ctx context.Context, f store.SessionFilter) ([]*domain.Session, int, error) {
	page, total, err := r.durable.ListSessions(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	live, err := r.live.ListSessions(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list live sessions: %w", err)
	}
	byID := make(map[string]*domain.Session, len(live))
	for _, s := range live {
		byID[s.ID] = s
	}
	for i, s := range page {
		if l, ok := byID[s.ID]; ok {
			page[i] = l
		}
	}
	return page, total, nil
}

// Touch records activity on a live session.
func (r *Registry) Touch(ctx context.Context, id string) error {
	return r.live.TouchSession(ctx, id, r.clock.Now())
}

// Transition moves a session from one status to another with a
// compare-and-swap. It fails with domain.ErrConflict if the current status
// is not from.
func (r *Registry) Transition(ctx context.Context, id string, from, to domain.Status) error {
	_, err := r.transition(ctx, id, from, to, nil)
	return err
}

func (r *Registry) transition(ctx context.Context, id string, from, to domain.Status, mutate func(*domain.Session)) (*domain.Session, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	cur, err := r.live.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, fmt.Errorf("%w: session %s is %s, not %s", domain.ErrConflict, id, cur.Status, from)
	}

	now := r.clock.Now()
	next := cur.Clone()
	next.Status = to
	next.UpdatedAt = now
	if mutate != nil {
		mutate(next)
	}
	if to.Terminal() {
		next.EndedAt = &now
	}

	if err := r.live.SwapSession(ctx, next, from); err != nil {
		return nil, err
	}

	// The CAS is the commit point. Everything after it is bookkeeping and
	// must not be skipped because the caller's context went away.
	bg := context.WithoutCancel(ctx)
	if to.Terminal() {
		if err := r.live.DeleteSession(bg, id); err != nil {
			r.logger.Warn("Failed to delete live record", "session_id", id, "error", err)
		}
	}
	if err := r.mirror(bg, next); err != nil {
		r.logger.Error("Failed to mirror session status", "session_id", id, "status", to, "error", err)
	}

	r.logger.Info("Session transitioned", "session_id", id, "from", from, "to", to, "reason", next.Reason)
	r.notify(next)
	return next, nil
}

func (r *Registry) mirror(ctx context.Context, s *domain.Session) error {
	return shared.RetryOnConflict(ctx, r.retry, "update session", func() error {
		return r.durable.UpdateSession(ctx, s)
	})
}

// End drives a session to ENDING and schedules its teardown. It reports
// false with a nil error when the session is already ending or ended, so
// duplicate triggers are harmless. Exactly one caller sees true.
func (r *Registry) End(ctx context.Context, id string, reason domain.EndReason) (bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		cur, err := r.live.GetSession(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return false, r.endedOrMissing(ctx, id)
		}
		if err != nil {
			return false, fmt.Errorf("get live session: %w", err)
		}
		if cur.Status == domain.StatusEnding || cur.Status.Terminal() {
			return false, nil
		}

		_, err = r.transition(ctx, id, cur.Status, domain.StatusEnding, func(s *domain.Session) {
			s.Reason = string(reason)
		})
		switch {
		case err == nil:
			r.dispatch(id, "teardown", r.teardown)
			return true, nil
		case errors.Is(err, domain.ErrConflict):
			// Lost to provisioning or another End; look again.
			continue
		case errors.Is(err, domain.ErrNotFound):
			return false, r.endedOrMissing(ctx, id)
		default:
			return false, err
		}
	}
	return false, fmt.Errorf("end session %s: %w", id, domain.ErrConflict)
}

func (r *Registry) endedOrMissing(ctx context.Context, id string) error {
	s, err := r.durable.GetSession(ctx, id)
	if err != nil {
		return fmt.Errorf("get durable session: %w", err)
	}
	if s == nil {
		return domain.ErrNotFound
	}
	return nil
}

// ResumeTeardown re-dispatches teardown for a session stuck in ENDING.
func (r *Registry) ResumeTeardown(ctx context.Context, id string) error {
	s, err := r.live.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if s.Status != domain.StatusEnding {
		return fmt.Errorf("%w: session %s is %s", domain.ErrConflict, id, s.Status)
	}
	r.logger.Warn("Resuming teardown", "session_id", id, "ending_since", s.UpdatedAt)
	r.dispatch(id, "teardown", r.teardown)
	return nil
}

// Healthcheck probes the environment of a running session.
func (r *Registry) Healthcheck(ctx context.Context, s *domain.Session) domain.Health {
	if s.Status != domain.StatusRunning || s.Handle == "" {
		return domain.HealthUnknown
	}
	hctx, cancel := context.WithTimeout(ctx, r.healthTimeout)
	defer cancel()
	return r.envs.Healthcheck(hctx, s.Handle)
}

// Environments lists every environment the runtime reports as ours.
func (r *Registry) Environments(ctx context.Context) ([]domain.Environment, error) {
	return r.envs.ListEnvironments(ctx)
}

// Provisioning reports whether a provisioning unit for id is in flight in
// this process.
func (r *Registry) Provisioning(id string) bool {
	_, ok := r.provisioning.Load(id)
	return ok
}

// ReapEnvironment stops an environment that no live session owns.
func (r *Registry) ReapEnvironment(ctx context.Context, env domain.Environment) error {
	if env.SessionID != "" {
		if _, err := r.live.GetSession(ctx, env.SessionID); err == nil {
			return fmt.Errorf("%w: environment %s belongs to live session %s", domain.ErrConflict, env.Handle, env.SessionID)
		}
	}
	sctx, cancel := context.WithTimeout(ctx, r.stopTimeout)
	defer cancel()
	r.logger.Warn("Reaping orphaned environment", "handle", env.Handle, "session_id", env.SessionID)
	return r.envs.Stop(sctx, env.Handle)
}

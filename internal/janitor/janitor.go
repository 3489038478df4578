// Package janitor periodically reconciles live sessions, port
// allocations and environments.
//
// The janitor never tears anything down itself. Idle and unhealthy
// sessions are handed to the registry's End, which sequences the
// environment stop and port release.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
)

// Sessions is the registry surface the janitor drives.
type Sessions interface {
	ListLive(ctx context.Context) ([]*domain.Session, error)
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Provisioning reports whether this process is still starting the
	// session's environment.
	Provisioning(id string) bool
	End(ctx context.Context, id string, reason domain.EndReason) (bool, error)
	ResumeTeardown(ctx context.Context, id string) error
	Healthcheck(ctx context.Context, s *domain.Session) domain.Health
	Environments(ctx context.Context) ([]domain.Environment, error)
	ReapEnvironment(ctx context.Context, env domain.Environment) error
}

// Ports exposes the allocation table.
type Ports interface {
	List(ctx context.Context) ([]domain.Allocation, error)
	ForceRelease(ctx context.Context, port int) error
	Grace() time.Duration
}

// History prunes old terminal sessions.
type History interface {
	PurgeEndedSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Options configures a Janitor.
type Options struct {
	Interval           time.Duration
	Workers            int
	IdleTimeout        time.Duration
	UnhealthyGrace     time.Duration
	StuckTeardownAfter time.Duration
	// OrphanMinAge protects environments that are still being provisioned.
	OrphanMinAge     time.Duration
	HistoryRetention time.Duration
	Clock            clock.Clock
	Logger           *slog.Logger
}

// Report summarizes one sweep.
type Report struct {
	Scanned            int           `json:"scanned"`
	Idle               int           `json:"idle"`
	Unhealthy          int           `json:"unhealthy"`
	Resumed            int           `json:"resumed"`
	PortsReleased      int           `json:"ports_released"`
	EnvironmentsReaped int           `json:"environments_reaped"`
	Purged             int64         `json:"purged"`
	Errors             int           `json:"errors"`
	Duration           time.Duration `json:"duration"`
}

// Janitor runs the background sweep.
type Janitor struct {
	sessions Sessions
	ports    Ports
	history  History
	opts     Options
	clock    clock.Clock
	logger   *slog.Logger

	sweepMu sync.Mutex

	mu             sync.Mutex
	unhealthySince map[string]time.Time

	done chan struct{}
}

// New creates a Janitor.
func New(sessions Sessions, ports Ports, history History, opts Options) *Janitor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Janitor{
		sessions:       sessions,
		ports:          ports,
		history:        history,
		opts:           opts,
		clock:          opts.Clock,
		logger:         opts.Logger.With("component", "janitor"),
		unhealthySince: make(map[string]time.Time),
	}
}

// Start runs a background goroutine that sweeps every Interval until ctx
// is cancelled.
func (j *Janitor) Start(ctx context.Context) {
	j.done = make(chan struct{})
	ticker := time.NewTicker(j.opts.Interval)
	go func() {
		defer close(j.done)
		defer ticker.Stop()
		j.logger.Info("Janitor started", "interval", j.opts.Interval, "idle_timeout", j.opts.IdleTimeout)

		for {
			select {
			case <-ticker.C:
				rep := j.Sweep(ctx)
				if rep.Idle+rep.Unhealthy+rep.Resumed+rep.PortsReleased+rep.EnvironmentsReaped+rep.Errors > 0 || rep.Purged > 0 {
					j.logger.Info("Janitor sweep completed",
						"scanned", rep.Scanned,
						"idle", rep.Idle,
						"unhealthy", rep.Unhealthy,
						"resumed", rep.Resumed,
						"ports_released", rep.PortsReleased,
						"environments_reaped", rep.EnvironmentsReaped,
						"purged", rep.Purged,
						"errors", rep.Errors,
						"duration", rep.Duration,
					)
				}
			case <-ctx.Done():
				j.logger.Info("Janitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Wait blocks until the goroutine started by Start has exited.
func (j *Janitor) Wait() {
	if j.done != nil {
		<-j.done
	}
}

// Sweep runs one pass. A failure on one item is logged and counted and
// never stops the rest of the pass.
func (j *Janitor) Sweep(ctx context.Context) Report {
	j.sweepMu.Lock()
	defer j.sweepMu.Unlock()

	start := time.Now()
	var (
		rep   Report
		repMu sync.Mutex
	)
	count := func(f func(r *Report)) {
		repMu.Lock()
		f(&rep)
		repMu.Unlock()
	}

	live, err := j.sessions.ListLive(ctx)
	if err != nil {
		j.logger.Error("Janitor failed to list live sessions", "error", err)
		rep.Errors++
		rep.Duration = time.Since(start)
		return rep
	}
	rep.Scanned = len(live)
	liveIDs := make(map[string]struct{}, len(live))
	for _, s := range live {
		liveIDs[s.ID] = struct{}{}
	}
	j.pruneUnhealthy(liveIDs)

	now := j.clock.Now()
	p := pool.New().WithMaxGoroutines(j.opts.Workers)
	for _, s := range live {
		p.Go(func() {
			j.isolate("session", s.ID, func() { j.checkSession(ctx, s, now, count) }, count)
		})
	}
	p.Wait()

	j.isolate("allocations", "", func() { j.releaseStalePorts(ctx, liveIDs, now, count) }, count)
	j.isolate("environments", "", func() { j.reapOrphans(ctx, liveIDs, now, count) }, count)
	if j.opts.HistoryRetention > 0 {
		j.isolate("history", "", func() { j.purge(ctx, now, count) }, count)
	}

	rep.Duration = time.Since(start)
	return rep
}

// isolate runs fn and converts a panic into a logged, counted error.
func (j *Janitor) isolate(what, id string, fn func(), count func(func(*Report))) {
	var pc panics.Catcher
	pc.Try(fn)
	if rec := pc.Recovered(); rec != nil {
		j.logger.Error("Janitor item panicked", "item", what, "session_id", id, "panic", rec.Value, "stack", string(rec.Stack))
		count(func(r *Report) { r.Errors++ })
	}
}

func (j *Janitor) checkSession(ctx context.Context, s *domain.Session, now time.Time, count func(func(*Report))) {
	switch s.Status {
	case domain.StatusEnding:
		if j.opts.StuckTeardownAfter > 0 && now.Sub(s.UpdatedAt) > j.opts.StuckTeardownAfter {
			if err := j.sessions.ResumeTeardown(ctx, s.ID); err != nil {
				j.logger.Warn("Janitor failed to resume teardown", "session_id", s.ID, "error", err)
				count(func(r *Report) { r.Errors++ })
				return
			}
			count(func(r *Report) { r.Resumed++ })
		}
		return
	case domain.StatusPending, domain.StatusRunning:
	default:
		return
	}

	if j.opts.IdleTimeout > 0 && s.IdleFor(now) > j.opts.IdleTimeout {
		j.logger.Info("Session idle, ending", "session_id", s.ID, "idle_for", s.IdleFor(now))
		j.end(ctx, s.ID, domain.ReasonIdleTimeout, count, func(r *Report) { r.Idle++ })
		return
	}

	if s.Status != domain.StatusRunning {
		return
	}

	health := j.sessions.Healthcheck(ctx, s)
	if health == domain.HealthHealthy {
		j.mu.Lock()
		delete(j.unhealthySince, s.ID)
		j.mu.Unlock()
		return
	}

	// Unknown counts as not healthy.
	j.mu.Lock()
	since, ok := j.unhealthySince[s.ID]
	if !ok {
		since = now
		j.unhealthySince[s.ID] = now
	}
	j.mu.Unlock()

	if now.Sub(since) > j.opts.UnhealthyGrace {
		j.logger.Warn("Environment unhealthy, ending session", "session_id", s.ID, "health", health, "since", since)
		j.end(ctx, s.ID, domain.ReasonEnvironmentUnhealthy, count, func(r *Report) { r.Unhealthy++ })
		j.mu.Lock()
		delete(j.unhealthySince, s.ID)
		j.mu.Unlock()
	}
}

func (j *Janitor) end(ctx context.Context, id string, reason domain.EndReason, count func(func(*Report)), tally func(*Report)) {
	started, err := j.sessions.End(ctx, id, reason)
	if err != nil {
		j.logger.Warn("Janitor failed to end session", "session_id", id, "reason", reason, "error", err)
		count(func(r *Report) { r.Errors++ })
		return
	}
	if started {
		count(tally)
	}
}

func (j *Janitor) pruneUnhealthy(live map[string]struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for id := range j.unhealthySince {
		if _, ok := live[id]; !ok {
			delete(j.unhealthySince, id)
		}
	}
}

// releaseStalePorts force-releases ports still claimed by sessions that
// are no longer live. The hold is measured from when the session ended and
// lasts the reuse grace or OrphanMinAge, whichever is longer, so a start
// still in flight keeps its port.
func (j *Janitor) releaseStalePorts(ctx context.Context, live map[string]struct{}, now time.Time, count func(func(*Report))) {
	allocs, err := j.ports.List(ctx)
	if err != nil {
		j.logger.Error("Janitor failed to list allocations", "error", err)
		count(func(r *Report) { r.Errors++ })
		return
	}
	hold := max(j.ports.Grace(), j.opts.OrphanMinAge)
	for _, a := range allocs {
		if a.Released {
			continue
		}
		if _, ok := live[a.SessionID]; ok {
			continue
		}
		if j.sessions.Provisioning(a.SessionID) {
			continue
		}
		since, ok := j.claimIdleSince(ctx, a)
		if !ok {
			count(func(r *Report) { r.Errors++ })
			continue
		}
		if since.IsZero() || now.Sub(since) <= hold {
			continue
		}
		if err := j.ports.ForceRelease(ctx, a.Port); err != nil {
			j.logger.Warn("Janitor failed to release port", "port", a.Port, "session_id", a.SessionID, "error", err)
			count(func(r *Report) { r.Errors++ })
			continue
		}
		j.logger.Info("Released port held by ended session", "port", a.Port, "session_id", a.SessionID)
		count(func(r *Report) { r.PortsReleased++ })
	}
}

// claimIdleSince returns when the claiming session ended. A zero time means
// the session is still active somewhere and the claim stays. A claim with
// no session record counts from the claim itself.
func (j *Janitor) claimIdleSince(ctx context.Context, a domain.Allocation) (time.Time, bool) {
	s, err := j.sessions.Get(ctx, a.SessionID)
	if errors.Is(err, domain.ErrNotFound) {
		return a.ClaimedAt, true
	}
	if err != nil {
		j.logger.Warn("Janitor failed to look up port holder", "port", a.Port, "session_id", a.SessionID, "error", err)
		return time.Time{}, false
	}
	if !s.Status.Terminal() {
		return time.Time{}, true
	}
	if s.EndedAt != nil {
		return *s.EndedAt, true
	}
	return s.UpdatedAt, true
}

// reapOrphans stops labeled environments whose session is gone.
func (j *Janitor) reapOrphans(ctx context.Context, live map[string]struct{}, now time.Time, count func(func(*Report))) {
	envs, err := j.sessions.Environments(ctx)
	if err != nil {
		j.logger.Error("Janitor failed to list environments", "error", err)
		count(func(r *Report) { r.Errors++ })
		return
	}
	for _, env := range envs {
		if _, ok := live[env.SessionID]; ok {
			continue
		}
		if j.sessions.Provisioning(env.SessionID) {
			continue
		}
		if now.Sub(env.CreatedAt) < j.opts.OrphanMinAge {
			continue
		}
		if err := j.sessions.ReapEnvironment(ctx, env); err != nil {
			j.logger.Warn("Janitor failed to reap environment", "handle", env.Handle, "session_id", env.SessionID, "error", err)
			count(func(r *Report) { r.Errors++ })
			continue
		}
		count(func(r *Report) { r.EnvironmentsReaped++ })
	}
}

func (j *Janitor) purge(ctx context.Context, now time.Time, count func(func(*Report))) {
	n, err := j.history.PurgeEndedSessions(ctx, now.Add(-j.opts.HistoryRetention))
	if err != nil {
		j.logger.Error("Janitor failed to purge history", "error", err)
		count(func(r *Report) { r.Errors++ })
		return
	}
	count(func(r *Report) { r.Purged += n })
}

// Package relay moves messages between a session's observers and its
// environment.
//
// Each session has a hub that assigns sequence numbers, keeps a short
// backlog for reconnecting observers, and fans every message out to the
// attached subscriptions. Delivery never blocks on an observer: a full
// queue closes that observer's subscription with domain.ErrSlowConsumer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/clock"
	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/ashureev/agentdesk/internal/store"
	"github.com/google/uuid"
)

// ErrClosed ends subscriptions when the relay shuts down.
var ErrClosed = errors.New("relay closed")

// ErrReplayTruncated ends a subscription whose replay did not fit in one
// queue. The final frame carries the sequence to resume after.
var ErrReplayTruncated = errors.New("replay truncated")

// Observer kinds.
const (
	KindClient      = "client"
	KindEnvironment = "environment"
	KindStream      = "stream"
)

// Sessions is the registry view the relay needs.
type Sessions interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Touch(ctx context.Context, id string) error
}

// History is the durable message log.
type History interface {
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, f store.MessageFilter) ([]*domain.Message, error)
	MaxMessageSeq(ctx context.Context, sessionID string) (int64, error)
}

// Options sizes the relay.
type Options struct {
	Backlog        int
	ObserverQueue  int
	PersistWorkers int
	PersistQueue   int
	Retry          shared.RetryPolicy
	Clock          clock.Clock
	Logger         *slog.Logger
}

// ObserverStats describes one attached observer.
type ObserverStats struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

type hub struct {
	// pubMu orders publishes, including the wait on the persist queue.
	// mu guards the fields below and is never held across that wait.
	pubMu sync.Mutex

	mu      sync.Mutex
	seq     int64
	backlog *backlog
	subs    map[string]*Subscription
}

// Relay is the per-session fan-out point.
type Relay struct {
	sessions Sessions
	history  History
	persist  *persister
	clock    clock.Clock
	logger   *slog.Logger

	backlogSize int
	queueSize   int

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool
}

// New creates a Relay and starts its persist workers.
func New(sessions Sessions, history History, opts Options) *Relay {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Backlog < 0 {
		opts.Backlog = 0
	}
	if opts.ObserverQueue <= 0 {
		opts.ObserverQueue = 256
	}
	logger := opts.Logger.With("component", "relay")

	// A reconnecting observer must be able to take the whole replay:
	// stored history, then the backlog, then a couple of control frames.
	queue := max(opts.ObserverQueue, 2*opts.Backlog+4)

	return &Relay{
		sessions:    sessions,
		history:     history,
		persist:     newPersister(history, opts.PersistWorkers, opts.PersistQueue, opts.Retry, logger),
		clock:       opts.Clock,
		logger:      logger,
		backlogSize: opts.Backlog,
		queueSize:   queue,
		hubs:        make(map[string]*hub),
	}
}

func (r *Relay) lookup(id string) *hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hubs[id]
}

// hub returns the session's hub, creating it seeded from the durable log.
func (r *Relay) hub(ctx context.Context, id string) (*hub, error) {
	if h := r.lookup(id); h != nil {
		return h, nil
	}

	seq, err := r.history.MaxMessageSeq(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("seed sequence: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if h, ok := r.hubs[id]; ok {
		return h, nil
	}
	h := &hub{seq: seq, backlog: newBacklog(r.backlogSize), subs: make(map[string]*Subscription)}
	r.hubs[id] = h
	return h, nil
}

func active(s *domain.Session) bool {
	return s.Status == domain.StatusPending || s.Status == domain.StatusRunning
}

// Publish appends a message to the session's sequence, queues it for the
// durable store and delivers it to every attached observer.
func (r *Relay) Publish(ctx context.Context, sessionID string, origin domain.Origin, body string, metadata map[string]any) (*domain.Message, error) {
	if !origin.Valid() {
		return nil, fmt.Errorf("unknown origin %q", origin)
	}
	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !active(s) {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotActive, sessionID, s.Status)
	}

	h, err := r.hub(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	h.mu.Lock()
	next := h.seq + 1
	h.mu.Unlock()

	m := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       next,
		Origin:    origin,
		Body:      body,
		Metadata:  metadata,
		CreatedAt: r.clock.Now(),
	}
	// Queue before committing the sequence so a failed enqueue leaves no gap.
	if err := r.persist.enqueue(ctx, m); err != nil {
		return nil, fmt.Errorf("queue message: %w", err)
	}

	h.mu.Lock()
	h.seq = m.Seq
	h.backlog.push(m)
	slow := h.broadcast(messageFrame(m))
	h.mu.Unlock()

	r.dropSlow(sessionID, slow)
	r.touch(ctx, sessionID)
	return m, nil
}

// broadcast offers f to every subscription and returns the ones that
// could not take it. Callers hold h.mu.
func (h *hub) broadcast(f Frame) []*Subscription {
	var slow []*Subscription
	for id, sub := range h.subs {
		if !sub.offer(f) {
			delete(h.subs, id)
			sub.end(domain.ErrSlowConsumer)
			slow = append(slow, sub)
		}
	}
	return slow
}

func (r *Relay) dropSlow(sessionID string, slow []*Subscription) {
	for _, sub := range slow {
		r.logger.Warn("Dropping slow observer", "session_id", sessionID, "observer_id", sub.ID, "kind", sub.Kind)
	}
}

func (r *Relay) touch(ctx context.Context, sessionID string) {
	if err := r.sessions.Touch(ctx, sessionID); err != nil {
		r.logger.Debug("Failed to touch session", "session_id", sessionID, "error", err)
	}
}

// Attach registers an observer. It first receives a connected frame, then
// a replay, then live traffic. A negative after replays only the in-memory
// backlog; otherwise messages above after are replayed, reaching into the
// durable log for anything the backlog no longer holds.
//
// When the durable page cannot be joined to the backlog in one queue, the
// replay stops at the page: a replay_truncated frame carries the sequence
// to resume after and the subscription ends with ErrReplayTruncated.
func (r *Relay) Attach(ctx context.Context, sessionID, kind string, after int64) (*Subscription, error) {
	s, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !active(s) {
		return nil, fmt.Errorf("%w: session %s is %s", domain.ErrSessionNotActive, sessionID, s.Status)
	}

	h, err := r.hub(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// Messages older than the backlog come from the durable log. Read it
	// before taking the hub lock; anything written meanwhile is also in
	// the backlog and is deduplicated by sequence below.
	h.mu.Lock()
	oldest := h.backlog.oldest()
	readSeq := h.seq
	h.mu.Unlock()
	limit := r.queueSize - r.backlogSize - 2
	needStored := after >= 0 && (oldest == 0 || after+1 < oldest)
	var stored []*domain.Message
	if needStored {
		if err := r.persist.sync(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("sync replay: %w", err)
		}
		stored, err = r.history.ListMessages(ctx, store.MessageFilter{SessionID: sessionID, AfterSeq: after, Limit: limit})
		if err != nil {
			return nil, fmt.Errorf("load replay: %w", err)
		}
	}

	now := r.clock.Now()
	sub := newSubscription(uuid.NewString(), sessionID, kind, r.queueSize, now, r)

	h.mu.Lock()
	sub.offer(Frame{Type: FrameConnected, SessionID: sessionID, Status: s.Status, Port: s.Port, Timestamp: now})
	last := after
	oldest = h.backlog.oldest()
	for _, m := range stored {
		// Stored messages above h.seq are still being published and will
		// arrive through broadcast.
		if m.Seq > last && m.Seq <= h.seq && (oldest == 0 || m.Seq < oldest) {
			sub.offer(messageFrame(m))
			last = m.Seq
		}
	}
	truncated := needStored && replayGap(last, oldest, h.seq, readSeq, len(stored) == limit)
	if truncated {
		sub.offer(Frame{Type: FrameReplayTruncated, SessionID: sessionID, ResumeAfter: last, Timestamp: now})
	} else {
		for _, m := range h.backlog.since(last) {
			sub.offer(messageFrame(m))
		}
		h.subs[sub.ID] = sub
	}
	h.mu.Unlock()

	if truncated {
		r.logger.Info("Replay truncated", "session_id", sessionID, "observer_id", sub.ID, "after", after, "resume_after", last)
		sub.end(ErrReplayTruncated)
		return sub, nil
	}

	// The session may have ended between Get and registration.
	if r.lookup(sessionID) != h {
		sub.end(domain.ErrSessionEnded)
		r.Detach(sub)
	}

	r.logger.Info("Observer attached", "session_id", sessionID, "observer_id", sub.ID, "kind", kind, "after", after)
	r.touch(ctx, sessionID)
	return sub, nil
}

// replayGap reports whether messages may exist between last, the highest
// replayed stored sequence, and the backlog (or head when the backlog is
// empty). Holes left by cleared history are not gaps unless the page was
// full or the backlog moved past what the durable read could see.
func replayGap(last, oldest, head, readSeq int64, pageFull bool) bool {
	if oldest == 0 {
		return last < head && (pageFull || head > readSeq)
	}
	if last+1 >= oldest {
		return false
	}
	return pageFull || oldest > readSeq+1
}

// Detach releases a subscription. It is idempotent.
func (r *Relay) Detach(sub *Subscription) {
	if h := r.lookup(sub.SessionID); h != nil {
		h.mu.Lock()
		if h.subs[sub.ID] == sub {
			delete(h.subs, sub.ID)
		}
		h.mu.Unlock()
	}
	sub.end(nil)
}

// SessionChanged forwards status changes to observers. A terminal status
// closes every subscription with domain.ErrSessionEnded and drops the hub.
func (r *Relay) SessionChanged(s *domain.Session) {
	h := r.lookup(s.ID)
	if h == nil {
		return
	}

	now := r.clock.Now()
	h.mu.Lock()
	slow := h.broadcast(statusFrame(s, now))
	if s.Status == domain.StatusRunning && s.Port > 0 {
		slow = append(slow, h.broadcast(Frame{Type: FrameEndpoint, SessionID: s.ID, Port: s.Port, Timestamp: now})...)
	}
	var ended []*Subscription
	if s.Status.Terminal() {
		for id, sub := range h.subs {
			delete(h.subs, id)
			ended = append(ended, sub)
		}
	}
	h.mu.Unlock()

	r.dropSlow(s.ID, slow)
	if s.Status.Terminal() {
		r.mu.Lock()
		if r.hubs[s.ID] == h {
			delete(r.hubs, s.ID)
		}
		r.mu.Unlock()
		for _, sub := range ended {
			sub.end(domain.ErrSessionEnded)
		}
	}
}

// HistoryCleared drops cleared messages from the backlog and tells
// observers. An empty origin means everything was cleared.
func (r *Relay) HistoryCleared(sessionID string, origin domain.Origin) {
	h := r.lookup(sessionID)
	if h == nil {
		return
	}
	h.mu.Lock()
	h.backlog.drop(origin)
	slow := h.broadcast(Frame{Type: FrameHistoryCleared, SessionID: sessionID, Origin: origin, Timestamp: r.clock.Now()})
	h.mu.Unlock()
	r.dropSlow(sessionID, slow)
}

// Sync waits until every message published to sessionID so far has been
// handed to the durable store.
func (r *Relay) Sync(ctx context.Context, sessionID string) error {
	return r.persist.sync(ctx, sessionID)
}

// Observers lists the observers attached to a session.
func (r *Relay) Observers(sessionID string) []ObserverStats {
	h := r.lookup(sessionID)
	if h == nil {
		return []ObserverStats{}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ObserverStats, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, ObserverStats{
			ID:          sub.ID,
			Kind:        sub.Kind,
			ConnectedAt: sub.ConnectedAt,
			Queued:      sub.Queued(),
		})
	}
	return out
}

// ObserverCount returns the number of observers attached to a session.
func (r *Relay) ObserverCount(sessionID string) int {
	h := r.lookup(sessionID)
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription with ErrClosed and flushes queued writes.
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	hubs := r.hubs
	r.hubs = make(map[string]*hub)
	r.mu.Unlock()

	for _, h := range hubs {
		h.mu.Lock()
		for id, sub := range h.subs {
			delete(h.subs, id)
			sub.end(ErrClosed)
		}
		h.mu.Unlock()
	}
	return r.persist.close(ctx)
}

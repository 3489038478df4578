package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/agentdesk/internal/domain"
	"github.com/ashureev/agentdesk/internal/shared"
	"github.com/cespare/xxhash/v2"
)

const persistWriteTimeout = 10 * time.Second

var errPersisterClosed = errors.New("persister closed")

// persistJob is either a message to write or a barrier to signal.
type persistJob struct {
	msg     *domain.Message
	barrier chan struct{}
}

// persister writes messages to the durable store off the publish path.
// A session always hashes to the same shard, and each shard has one
// worker, so a session's messages are written in sequence order.
type persister struct {
	history History
	retry   shared.RetryPolicy
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan persistJob
	wg     sync.WaitGroup
}

func newPersister(history History, workers, queue int, retry shared.RetryPolicy, logger *slog.Logger) *persister {
	if workers <= 0 {
		workers = 1
	}
	if queue <= 0 {
		queue = 1
	}
	p := &persister{
		history: history,
		retry:   retry,
		logger:  logger,
		shards:  make([]chan persistJob, workers),
	}
	for i := range p.shards {
		ch := make(chan persistJob, queue)
		p.shards[i] = ch
		p.wg.Add(1)
		go p.run(i, ch)
	}
	return p
}

func (p *persister) shard(sessionID string) chan persistJob {
	return p.shards[xxhash.Sum64String(sessionID)%uint64(len(p.shards))]
}

// enqueue queues m for writing. It blocks while the shard is full.
func (p *persister) enqueue(ctx context.Context, m *domain.Message) error {
	return p.send(ctx, m.SessionID, persistJob{msg: m})
}

func (p *persister) send(ctx context.Context, sessionID string, job persistJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errPersisterClosed
	}

	ch := p.shard(sessionID)
	select {
	case ch <- job:
		return nil
	default:
	}

	p.logger.Warn("Persist queue full, applying backpressure", "session_id", sessionID, "queue_len", len(ch))
	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sync waits until every message queued for sessionID before the call has
// been written or has failed.
func (p *persister) sync(ctx context.Context, sessionID string) error {
	done := make(chan struct{})
	if err := p.send(ctx, sessionID, persistJob{barrier: done}); err != nil {
		if errors.Is(err, errPersisterClosed) {
			return nil
		}
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *persister) run(idx int, ch <-chan persistJob) {
	defer p.wg.Done()
	for job := range ch {
		if job.barrier != nil {
			close(job.barrier)
			continue
		}
		p.write(idx, job.msg)
	}
}

func (p *persister) write(idx int, m *domain.Message) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), persistWriteTimeout)
	defer cancel()

	err := shared.RetryOnConflict(ctx, p.retry, "append message", func() error {
		return p.history.AppendMessage(ctx, m)
	})
	if err != nil {
		p.logger.Error("Failed to persist message",
			"session_id", m.SessionID,
			"seq", m.Seq,
			"shard", idx,
			"error", err,
		)
		return
	}

	if d := time.Since(start); d > 100*time.Millisecond {
		p.logger.Warn("Slow message persist", "session_id", m.SessionID, "shard", idx, "duration_ms", d.Milliseconds())
	}
}

func (p *persister) pending() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ch := range p.shards {
		n += len(ch)
	}
	return n
}

// close stops accepting work and waits for queued writes to finish.
func (p *persister) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, ch := range p.shards {
			close(ch)
		}
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.logger.Warn("Persister shutdown timeout", "queue_remaining", p.pending())
		return ctx.Err()
	}
}

package relay

import (
	"sync"
	"time"
)

// Subscription is one observer attached to a session. Frames are queued
// on a bounded channel; when it fills, the subscription is closed with
// domain.ErrSlowConsumer instead of blocking the publisher.
//
// The frame channel is never closed. Consumers select on Frames and Done,
// and drain Frames after Done to pick up the final control frames.
type Subscription struct {
	ID          string
	SessionID   string
	Kind        string
	ConnectedAt time.Time

	frames chan Frame
	done   chan struct{}
	once   sync.Once
	errMu  sync.Mutex
	err    error
	relay  *Relay
}

func newSubscription(id, sessionID, kind string, queue int, at time.Time, r *Relay) *Subscription {
	return &Subscription{
		ID:          id,
		SessionID:   sessionID,
		Kind:        kind,
		ConnectedAt: at,
		frames:      make(chan Frame, queue),
		done:        make(chan struct{}),
		relay:       r,
	}
}

// Frames returns the outbound queue.
func (s *Subscription) Frames() <-chan Frame { return s.frames }

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err reports why the subscription ended: domain.ErrSlowConsumer,
// domain.ErrSessionEnded, ErrClosed, or nil after a plain Close.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Queued returns the number of frames waiting to be delivered.
func (s *Subscription) Queued() int { return len(s.frames) }

// Close detaches the subscription. It is idempotent.
func (s *Subscription) Close() {
	s.relay.Detach(s)
}

// Drain returns the frames still queued without blocking.
func (s *Subscription) Drain() []Frame {
	var out []Frame
	for {
		select {
		case f := <-s.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (s *Subscription) offer(f Frame) bool {
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

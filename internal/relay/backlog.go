package relay

import "github.com/ashureev/agentdesk/internal/domain"

// backlog is a fixed-size ring of the most recent messages of a session.
// When full, the oldest message is overwritten. Callers hold the hub lock.
type backlog struct {
	buf  []*domain.Message
	head int // next write position
	n    int
}

func newBacklog(size int) *backlog {
	return &backlog{buf: make([]*domain.Message, size)}
}

func (b *backlog) push(m *domain.Message) {
	if len(b.buf) == 0 {
		return
	}
	b.buf[b.head] = m
	b.head = (b.head + 1) % len(b.buf)
	if b.n < len(b.buf) {
		b.n++
	}
}

// since returns the buffered messages with Seq > after, oldest first.
func (b *backlog) since(after int64) []*domain.Message {
	out := make([]*domain.Message, 0, b.n)
	start := (b.head - b.n + len(b.buf)) % max(len(b.buf), 1)
	for i := 0; i < b.n; i++ {
		m := b.buf[(start+i)%len(b.buf)]
		if m.Seq > after {
			out = append(out, m)
		}
	}
	return out
}

// oldest returns the lowest buffered sequence, 0 if empty.
func (b *backlog) oldest() int64 {
	if b.n == 0 {
		return 0
	}
	start := (b.head - b.n + len(b.buf)) % len(b.buf)
	return b.buf[start].Seq
}

// drop removes messages of origin, or all messages when origin is empty.
func (b *backlog) drop(origin domain.Origin) {
	kept := b.since(0)
	for i := range b.buf {
		b.buf[i] = nil
	}
	b.head, b.n = 0, 0
	for _, m := range kept {
		if origin != "" && m.Origin != origin {
			b.push(m)
		}
	}
}

func (b *backlog) len() int { return b.n }

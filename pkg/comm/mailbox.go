package comm

import (
	"context"
	"sync"
)

// mailbox holds the envelopes delivered to one endpoint until a receive
// matches them. Matching scans in arrival order, so messages that share
// (context, source, tag) are taken FIFO.
type mailbox struct {
	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	err    error
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{})}
}

// put appends env and wakes every waiting receiver.
func (m *mailbox) put(env Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}
	m.queue = append(m.queue, env)
	close(m.notify)
	m.notify = make(chan struct{})
}

// take removes and returns the first envelope accepted by match, blocking
// until one arrives, ctx ends or the mailbox fails.
func (m *mailbox) take(ctx context.Context, match func(Envelope) bool) (Envelope, error) {
	for {
		m.mu.Lock()
		for i, env := range m.queue {
			if match(env) {
				m.queue = append(m.queue[:i], m.queue[i+1:]...)
				m.mu.Unlock()
				return env, nil
			}
		}
		if m.err != nil {
			err := m.err
			m.mu.Unlock()
			return Envelope{}, err
		}
		wait := m.notify
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// probe reports whether an envelope accepted by match is queued.
func (m *mailbox) probe(match func(Envelope) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, env := range m.queue {
		if match(env) {
			return true
		}
	}
	return false
}

// pending returns the number of queued envelopes.
func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// discard drops every queued envelope of context and returns how many.
func (m *mailbox) discard(context string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.queue[:0]
	for _, env := range m.queue {
		if env.Context != context {
			kept = append(kept, env)
		}
	}
	n := len(m.queue) - len(kept)
	m.queue = kept
	return n
}

// fail makes every current and future take return err once the queue holds
// no match. The first error wins.
func (m *mailbox) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return
	}
	m.err = err
	close(m.notify)
	m.notify = make(chan struct{})
}

// Package mailbox provides an unbounded FIFO whose Put never blocks.
package mailbox

import "sync"

// Mailbox is a multi-producer, single-consumer FIFO queue.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// New creates an empty mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put appends v. It reports false if the mailbox is closed.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever items may be available.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Take removes and returns everything queued so far, oldest first.
func (m *Mailbox[T]) Take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further puts. Queued items can still be taken.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

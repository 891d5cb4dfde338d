package event

import (
	"context"
	"sync"
)

// Listener receives events it accepts. Build one with Listen.
type Listener interface {
	accepts(Event) bool
	handle(ctx context.Context, e Event) error
}

// Listen returns a Listener for every event assignable to T. With an
// interface T the listener matches each event implementing it.
func Listen[T Event](fn func(ctx context.Context, e T) error) Listener {
	return &typed[T]{fn: fn}
}

type typed[T Event] struct {
	fn func(ctx context.Context, e T) error
}

func (l *typed[T]) accepts(e Event) bool {
	_, ok := e.(T)
	return ok
}

func (l *typed[T]) handle(ctx context.Context, e Event) error {
	return l.fn(ctx, e.(T))
}

// mailbox runs deliveries for one listener in push order on its own
// goroutine. push never blocks.
type mailbox struct {
	mu     sync.Mutex
	buf    []func()
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newMailbox() *mailbox {
	m := &mailbox{notify: make(chan struct{}, 1), done: make(chan struct{})}
	go m.loop()
	return m
}

func (m *mailbox) push(f func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.buf = append(m.buf, f)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) loop() {
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		for {
			m.mu.Lock()
			if len(m.buf) == 0 || m.closed {
				m.mu.Unlock()
				break
			}
			f := m.buf[0]
			m.buf[0] = nil
			m.buf = m.buf[1:]
			m.mu.Unlock()
			f()
		}
	}
}

// close drops pending deliveries; one already running finishes.
func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.buf = nil
	close(m.done)
}

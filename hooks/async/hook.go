// Package asynchook moves Hooks calls off the caller's goroutine.
//
// usage:
//
//	raw := sloghook.New(slog.Default(), sloghook.Options{EvictedEvery: 10})
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	users, _ := cascluster.New[User](cascluster.Options[User]{
//	    Name:     "users",
//	    Provider: p,
//	    Hooks:    hooks, // or raw when the inner hooks are already cheap
//	})
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cascluster"
)

// Hooks runs inner on a bounded worker pool. Events are dropped, never
// blocked on, when the queue is full or after Close.
type Hooks struct {
	inner   cascluster.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ cascluster.Hooks = (*Hooks)(nil)

func New(inner cascluster.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}
	if inner == nil {
		inner = cascluster.NopHooks{}
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				// a panicking hook must not kill the worker
				_ = cascluster.Safe(func() error { f(); return nil })
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped reports how many events were discarded.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) StrategyFailed(c, s, phase string, err error) {
	h.try(func() { h.inner.StrategyFailed(c, s, phase, err) })
}
func (h *Hooks) Evicted(c string, ids []string) {
	ids = append([]string(nil), ids...)
	h.try(func() { h.inner.Evicted(c, ids) })
}
func (h *Hooks) ValueDecodeFailed(c, id string, err error) {
	h.try(func() { h.inner.ValueDecodeFailed(c, id, err) })
}
func (h *Hooks) TaskExecuted(t string, d time.Duration) { h.try(func() { h.inner.TaskExecuted(t, d) }) }
func (h *Hooks) TaskSkipped(t, r string)                { h.try(func() { h.inner.TaskSkipped(t, r) }) }
func (h *Hooks) TaskFailed(t string, err error)         { h.try(func() { h.inner.TaskFailed(t, err) }) }
func (h *Hooks) ListenerFailed(e string, err error)     { h.try(func() { h.inner.ListenerFailed(e, err) }) }
func (h *Hooks) EventDropped(e, r string)               { h.try(func() { h.inner.EventDropped(e, r) }) }
func (h *Hooks) RemoteCallFailed(i, impl, m, n string, err error) {
	h.try(func() { h.inner.RemoteCallFailed(i, impl, m, n, err) })
}

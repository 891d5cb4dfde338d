package local

import (
	"bytes"
	"context"
	"sync"
	"time"

	pr "github.com/unkn0wn-root/cascluster/provider"
)

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// ---- map ----

type sharedMap struct {
	mu    sync.RWMutex
	store Store
}

type mapHandle struct {
	p    *Provider
	name string
	m    *sharedMap
}

func (h *mapHandle) Name() string { return h.name }

func (h *mapHandle) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := h.p.usable("map.get", h.name); err != nil {
		return nil, false, err
	}
	h.m.mu.RLock()
	v, ok := h.m.store.Get(key)
	h.m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return clone(v), true, nil
}

func (h *mapHandle) Put(_ context.Context, key string, value []byte) error {
	if err := h.p.usable("map.put", h.name); err != nil {
		return err
	}
	h.m.mu.Lock()
	err := h.m.store.Set(key, clone(value))
	h.m.mu.Unlock()
	return pr.Unavailable("map.put", h.name, err)
}

func (h *mapHandle) PutIfAbsent(_ context.Context, key string, value []byte) (bool, error) {
	if err := h.p.usable("map.putifabsent", h.name); err != nil {
		return false, err
	}
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if _, ok := h.m.store.Get(key); ok {
		return false, nil
	}
	if err := h.m.store.Set(key, clone(value)); err != nil {
		return false, pr.Unavailable("map.putifabsent", h.name, err)
	}
	return true, nil
}

func (h *mapHandle) Delete(_ context.Context, key string) (bool, error) {
	if err := h.p.usable("map.delete", h.name); err != nil {
		return false, err
	}
	h.m.mu.Lock()
	ok := h.m.store.Delete(key)
	h.m.mu.Unlock()
	return ok, nil
}

func (h *mapHandle) Keys(_ context.Context) ([]string, error) {
	if err := h.p.usable("map.keys", h.name); err != nil {
		return nil, err
	}
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.m.store.Keys(), nil
}

func (h *mapHandle) Len(_ context.Context) (int, error) {
	if err := h.p.usable("map.len", h.name); err != nil {
		return 0, err
	}
	h.m.mu.RLock()
	defer h.m.mu.RUnlock()
	return h.m.store.Len(), nil
}

// ---- queue ----

type sharedQueue struct {
	mu    sync.Mutex
	items [][]byte
}

type queueHandle struct {
	p    *Provider
	name string
	q    *sharedQueue
}

func (h *queueHandle) Name() string { return h.name }

func (h *queueHandle) Offer(_ context.Context, value []byte) error {
	if err := h.p.usable("queue.offer", h.name); err != nil {
		return err
	}
	h.q.mu.Lock()
	h.q.items = append(h.q.items, clone(value))
	h.q.mu.Unlock()
	return nil
}

func (h *queueHandle) Poll(_ context.Context) ([]byte, bool, error) {
	if err := h.p.usable("queue.poll", h.name); err != nil {
		return nil, false, err
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	if len(h.q.items) == 0 {
		return nil, false, nil
	}
	v := h.q.items[0]
	h.q.items[0] = nil
	h.q.items = h.q.items[1:]
	return v, true, nil
}

func (h *queueHandle) Remove(_ context.Context, value []byte) (bool, error) {
	if err := h.p.usable("queue.remove", h.name); err != nil {
		return false, err
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	for i, it := range h.q.items {
		if bytes.Equal(it, value) {
			h.q.items = append(h.q.items[:i], h.q.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (h *queueHandle) Items(_ context.Context) ([][]byte, error) {
	if err := h.p.usable("queue.items", h.name); err != nil {
		return nil, err
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	out := make([][]byte, len(h.q.items))
	for i, it := range h.q.items {
		out[i] = clone(it)
	}
	return out, nil
}

func (h *queueHandle) Len(_ context.Context) (int, error) {
	if err := h.p.usable("queue.len", h.name); err != nil {
		return 0, err
	}
	h.q.mu.Lock()
	defer h.q.mu.Unlock()
	return len(h.q.items), nil
}

// ---- mutex ----

// sharedMutex is a one-slot semaphore so Lock can select on ctx.
type sharedMutex struct {
	ch chan struct{}
}

type mutexHandle struct {
	p    *Provider
	name string
	m    *sharedMutex
}

func (h *mutexHandle) Name() string { return h.name }

func (h *mutexHandle) Lock(ctx context.Context) error {
	if err := h.p.usable("mutex.lock", h.name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case h.m.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *mutexHandle) Unlock(_ context.Context) error {
	// Unlock never reports an outage: a held local lock must always be releasable.
	select {
	case <-h.m.ch:
		return nil
	default:
		return pr.ErrNotHeld
	}
}

// ---- condition ----

type sharedCond struct {
	mu      sync.Mutex
	waiters []chan struct{}
}

func (c *sharedCond) add() chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *sharedCond) drop(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *sharedCond) wake(all bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 1
	if all {
		n = len(c.waiters)
	}
	for i := 0; i < n && len(c.waiters) > 0; i++ {
		w := c.waiters[0]
		c.waiters = c.waiters[1:]
		w <- struct{}{}
	}
}

type condHandle struct {
	p    *Provider
	name string
	cv   *sharedCond
	m    pr.Mutex
}

func (h *condHandle) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := h.p.usable("cond.wait", h.name); err != nil {
		// on error the caller must not be left holding the mutex
		_ = h.m.Unlock(ctx)
		return false, err
	}
	// register before releasing so a signal sent right after Unlock is not lost
	ch := h.cv.add()
	if err := h.m.Unlock(ctx); err != nil {
		h.cv.drop(ch)
		return false, err
	}

	signaled := false
	if timeout > 0 {
		t := time.NewTimer(timeout)
		select {
		case <-ch:
			signaled = true
		case <-t.C:
		case <-ctx.Done():
		}
		t.Stop()
	} else {
		select {
		case <-ch:
			signaled = true
		default:
		}
	}
	if !signaled {
		h.cv.drop(ch)
		select {
		case <-ch: // woken while timing out
			signaled = true
		default:
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := h.m.Lock(ctx); err != nil {
		return false, err
	}
	return signaled, nil
}

func (h *condHandle) Signal(_ context.Context) error {
	if err := h.p.usable("cond.signal", h.name); err != nil {
		return err
	}
	h.cv.wake(false)
	return nil
}

func (h *condHandle) Broadcast(_ context.Context) error {
	if err := h.p.usable("cond.broadcast", h.name); err != nil {
		return err
	}
	h.cv.wake(true)
	return nil
}

// ---- topic ----

type sharedTopic struct {
	mu   sync.RWMutex
	subs map[*subscription]struct{}
}

type topicHandle struct {
	p    *Provider
	name string
	t    *sharedTopic
}

func (h *topicHandle) Name() string { return h.name }

func (h *topicHandle) Publish(_ context.Context, msg []byte) error {
	if err := h.p.usable("topic.publish", h.name); err != nil {
		return err
	}
	h.t.mu.RLock()
	defer h.t.mu.RUnlock()
	for s := range h.t.subs {
		s.push(clone(msg))
	}
	return nil
}

func (h *topicHandle) Subscribe(_ context.Context, fn func([]byte)) (pr.Subscription, error) {
	if err := h.p.usable("topic.subscribe", h.name); err != nil {
		return nil, err
	}
	s := newSubscription(fn)
	s.detach = func() {
		h.t.mu.Lock()
		delete(h.t.subs, s)
		h.t.mu.Unlock()
		h.p.subMu.Lock()
		delete(h.p.subs, s)
		h.p.subMu.Unlock()
	}
	h.t.mu.Lock()
	h.t.subs[s] = struct{}{}
	h.t.mu.Unlock()
	h.p.subMu.Lock()
	h.p.subs[s] = struct{}{}
	h.p.subMu.Unlock()
	return s, nil
}

// subscription delivers messages in order on its own goroutine from an
// unbounded buffer so publishers never block on slow subscribers.
type subscription struct {
	fn     func([]byte)
	detach func()

	mu     sync.Mutex
	buf    [][]byte
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSubscription(fn func([]byte)) *subscription {
	s := &subscription{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *subscription) push(msg []byte) {
	s.mu.Lock()
	s.buf = append(s.buf, msg)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) loop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}
		for {
			s.mu.Lock()
			if len(s.buf) == 0 {
				s.mu.Unlock()
				break
			}
			msg := s.buf[0]
			s.buf[0] = nil
			s.buf = s.buf[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(msg)
		}
	}
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		close(s.done)
	})
	return nil
}

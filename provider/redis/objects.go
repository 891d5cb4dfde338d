package redis

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/cascluster"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

// ---- map: HASH ----

type hash struct {
	p    *Redis
	name string
	key  string
}

func (h *hash) Name() string { return h.name }

func (h *hash) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := h.p.rdb.HGet(ctx, h.key, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, h.p.fail(ctx, "map.get", h.name, err)
	}
	return b, true, nil
}

func (h *hash) Put(ctx context.Context, key string, value []byte) error {
	return h.p.fail(ctx, "map.put", h.name, h.p.rdb.HSet(ctx, h.key, key, value).Err())
}

func (h *hash) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	ok, err := h.p.rdb.HSetNX(ctx, h.key, key, value).Result()
	return ok, h.p.fail(ctx, "map.putifabsent", h.name, err)
}

func (h *hash) Delete(ctx context.Context, key string) (bool, error) {
	n, err := h.p.rdb.HDel(ctx, h.key, key).Result()
	return n > 0, h.p.fail(ctx, "map.delete", h.name, err)
}

func (h *hash) Keys(ctx context.Context) ([]string, error) {
	keys, err := h.p.rdb.HKeys(ctx, h.key).Result()
	return keys, h.p.fail(ctx, "map.keys", h.name, err)
}

func (h *hash) Len(ctx context.Context) (int, error) {
	n, err := h.p.rdb.HLen(ctx, h.key).Result()
	return int(n), h.p.fail(ctx, "map.len", h.name, err)
}

// ---- queue: LIST ----

type list struct {
	p    *Redis
	name string
	key  string
}

func (l *list) Name() string { return l.name }

func (l *list) Offer(ctx context.Context, value []byte) error {
	return l.p.fail(ctx, "queue.offer", l.name, l.p.rdb.RPush(ctx, l.key, value).Err())
}

func (l *list) Poll(ctx context.Context) ([]byte, bool, error) {
	b, err := l.p.rdb.LPop(ctx, l.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, l.p.fail(ctx, "queue.poll", l.name, err)
	}
	return b, true, nil
}

func (l *list) Remove(ctx context.Context, value []byte) (bool, error) {
	n, err := l.p.rdb.LRem(ctx, l.key, 1, value).Result()
	return n > 0, l.p.fail(ctx, "queue.remove", l.name, err)
}

func (l *list) Items(ctx context.Context) ([][]byte, error) {
	vals, err := l.p.rdb.LRange(ctx, l.key, 0, -1).Result()
	if err != nil {
		return nil, l.p.fail(ctx, "queue.items", l.name, err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (l *list) Len(ctx context.Context) (int, error) {
	n, err := l.p.rdb.LLen(ctx, l.key).Result()
	return int(n), l.p.fail(ctx, "queue.len", l.name, err)
}

// ---- mutex: SET NX PX ----

var (
	releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// lease is one held lock: its token plus the renewal goroutine.
type lease struct {
	token string
	stop  chan struct{}
	done  chan struct{}
}

type mutex struct {
	p    *Redis
	name string
	key  string
}

func (m *mutex) Name() string { return m.name }

// Lock queues behind other goroutines of this node first, then polls Redis
// with back-off. There is no implicit timeout; bound it with ctx.
func (m *mutex) Lock(ctx context.Context) error {
	if err := m.p.usable(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	gate := m.p.gate(m.name)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	token := uuid.NewString()
	wait := m.p.poll
	for {
		ok, err := m.p.rdb.SetNX(ctx, m.key, token, m.p.lease).Result()
		if err != nil {
			<-gate
			return m.p.fail(ctx, "mutex.lock", m.name, err)
		}
		if ok {
			break
		}
		// jitter keeps contending nodes from polling in lockstep
		d := wait/2 + rand.N(wait/2+1)
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			<-gate
			return ctx.Err()
		}
		if wait < m.p.poll*maxPollFactor {
			wait *= 2
		}
	}

	l := &lease{token: token, stop: make(chan struct{}), done: make(chan struct{})}
	m.p.mu.Lock()
	m.p.held[m.name] = l
	m.p.mu.Unlock()
	go m.renew(l)
	return nil
}

func (m *mutex) renew(l *lease) {
	defer close(l.done)
	t := time.NewTicker(m.p.lease / 3)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.p.lease/3)
		n, err := renewScript.Run(ctx, m.p.rdb, []string{m.key}, l.token, m.p.lease.Milliseconds()).Int64()
		cancel()
		switch {
		case err != nil:
			m.p.log.Warn("lock renewal failed", cascluster.Fields{"lock": m.name, "err": err})
		case n == 0:
			m.p.log.Error("lock lease lost", cascluster.Fields{"lock": m.name})
			return
		}
	}
}

// Unlock releases the lock only if this node's token still owns it. A lease
// that expired meanwhile yields ErrNotHeld.
func (m *mutex) Unlock(ctx context.Context) error {
	m.p.mu.Lock()
	l, ok := m.p.held[m.name]
	delete(m.p.held, m.name)
	m.p.mu.Unlock()
	if !ok {
		return pr.ErrNotHeld
	}
	close(l.stop)
	<-l.done
	defer func() { <-m.p.gate(m.name) }()

	n, err := releaseScript.Run(ctx, m.p.rdb, []string{m.key}, l.token).Int64()
	if err != nil {
		return m.p.fail(ctx, "mutex.unlock", m.name, err)
	}
	if n == 0 {
		return pr.ErrNotHeld
	}
	return nil
}

// ---- condition: pub/sub ----

type condition struct {
	p       *Redis
	name    string
	channel string
	m       pr.Mutex
}

// Wait subscribes before releasing the mutex so a Signal sent right after the
// release is not missed.
func (c *condition) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := c.p.usable(); err != nil {
		_ = c.m.Unlock(context.WithoutCancel(ctx))
		return false, err
	}
	if timeout <= 0 {
		return false, nil
	}
	ps := c.p.rdb.Subscribe(ctx, c.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		// on error the caller must not be left holding the mutex
		_ = c.m.Unlock(context.WithoutCancel(ctx))
		return false, c.p.fail(ctx, "cond.wait", c.name, err)
	}
	if err := c.m.Unlock(context.WithoutCancel(ctx)); err != nil {
		return false, err
	}

	signaled := false
	t := time.NewTimer(timeout)
	select {
	case _, ok := <-ps.Channel():
		signaled = ok
	case <-t.C:
	case <-ctx.Done():
	}
	t.Stop()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := c.m.Lock(ctx); err != nil {
		return false, err
	}
	return signaled, nil
}

// Signal wakes every current waiter; callers re-check their predicate anyway.
func (c *condition) Signal(ctx context.Context) error { return c.publish(ctx, "cond.signal") }

func (c *condition) Broadcast(ctx context.Context) error { return c.publish(ctx, "cond.broadcast") }

func (c *condition) publish(ctx context.Context, op string) error {
	if err := c.p.usable(); err != nil {
		return err
	}
	return c.p.fail(ctx, op, c.name, c.p.rdb.Publish(ctx, c.channel, "1").Err())
}

// ---- topic: pub/sub ----

type topic struct {
	p       *Redis
	name    string
	channel string
}

func (t *topic) Name() string { return t.name }

func (t *topic) Publish(ctx context.Context, msg []byte) error {
	if err := t.p.usable(); err != nil {
		return err
	}
	return t.p.fail(ctx, "topic.publish", t.name, t.p.rdb.Publish(ctx, t.channel, msg).Err())
}

// Subscribe returns once the subscription is confirmed by the server; messages
// published afterwards reach fn in order on a dedicated goroutine.
func (t *topic) Subscribe(ctx context.Context, fn func([]byte)) (pr.Subscription, error) {
	if err := t.p.usable(); err != nil {
		return nil, err
	}
	ps := t.p.rdb.Subscribe(ctx, t.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, t.p.fail(ctx, "topic.subscribe", t.name, err)
	}
	s := &subscription{p: t.p, ps: ps, done: make(chan struct{})}
	t.p.mu.Lock()
	t.p.topics[s] = struct{}{}
	t.p.mu.Unlock()

	ch := ps.Channel()
	go func() {
		defer close(s.done)
		for msg := range ch {
			fn([]byte(msg.Payload))
		}
	}()
	return s, nil
}

type subscription struct {
	p    *Redis
	ps   *goredis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.p.mu.Lock()
		delete(s.p.topics, s)
		s.p.mu.Unlock()
		s.err = s.ps.Close()
	})
	return s.err
}

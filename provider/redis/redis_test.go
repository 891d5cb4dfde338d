package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pr "github.com/unkn0wn-root/cascluster/provider"
)

func newPair(t *testing.T) (*miniredis.Miniredis, *Redis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mk := func(node string) *Redis {
		rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
		p, err := New(Config{
			Client:       rdb,
			CloseClient:  true,
			NodeID:       node,
			Prefix:       "test:",
			PollInterval: 5 * time.Millisecond,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = p.Close(context.Background()) })
		return p
	}
	return mr, mk("a"), mk("b")
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.ErrorIs(t, err, ErrNilClient)
}

func TestDefaultsNodeID(t *testing.T) {
	mr := miniredis.RunT(t)
	p, err := New(Config{Client: goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), CloseClient: true})
	require.NoError(t, err)
	require.NotEmpty(t, p.NodeID())
	require.NoError(t, p.Close(context.Background()))
}

func TestHashSharedAcrossNodes(t *testing.T) {
	ctx := context.Background()
	mr, a, b := newPair(t)
	ma, _ := a.Map("users")
	mb, _ := b.Map("users")

	require.NoError(t, ma.Put(ctx, "1", []byte("ada")))
	v, ok, err := mb.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ada", string(v))
	require.Equal(t, "ada", mr.HGet("test:map:users", "1"))

	stored, err := mb.PutIfAbsent(ctx, "1", []byte("other"))
	require.NoError(t, err)
	require.False(t, stored)

	_, ok, err = mb.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	n, err := ma.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	removed, err := ma.Delete(ctx, "1")
	require.NoError(t, err)
	require.True(t, removed)
	removed, err = ma.Delete(ctx, "1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestListFIFO(t *testing.T) {
	ctx := context.Background()
	_, a, b := newPair(t)
	qa, _ := a.Queue("order")
	qb, _ := b.Queue("order")

	for _, v := range []string{"x", "y", "z"} {
		require.NoError(t, qa.Offer(ctx, []byte(v)))
	}
	ok, err := qb.Remove(ctx, []byte("y"))
	require.NoError(t, err)
	require.True(t, ok)

	items, err := qb.Items(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte("x"), []byte("z")}, items)

	v, ok, err := qb.Poll(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "x", string(v))

	_, _, _ = qa.Poll(ctx)
	_, ok, err = qa.Poll(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMutexAcrossNodes(t *testing.T) {
	ctx := context.Background()
	_, a, b := newPair(t)

	require.NoError(t, a.Lock(ctx, "job"))

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.Lock(short, "job"), context.DeadlineExceeded)

	acquired := make(chan error, 1)
	go func() { acquired <- b.Lock(ctx, "job") }()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Unlock(ctx, "job"))

	select {
	case err := <-acquired:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("b never acquired the lock")
	}
	require.ErrorIs(t, a.Unlock(ctx, "job"), pr.ErrNotHeld)
	require.NoError(t, b.Unlock(ctx, "job"))
}

func TestMutexSerializesLocalGoroutines(t *testing.T) {
	ctx := context.Background()
	_, a, _ := newPair(t)
	m, _ := a.Mutex("local")

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, m.Lock(ctx)) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(2 * time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			assert.NoError(t, m.Unlock(ctx))
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
}

func TestUnlockAfterLeaseLost(t *testing.T) {
	ctx := context.Background()
	mr, a, b := newPair(t)
	require.NoError(t, a.Lock(ctx, "job"))
	mr.Del("test:lock:job") // lease expired and nobody renewed it

	require.NoError(t, b.Lock(ctx, "job"))
	require.ErrorIs(t, a.Unlock(ctx, "job"), pr.ErrNotHeld)
	// b's lock survives a's late release
	require.True(t, mr.Exists("test:lock:job"))
	require.NoError(t, b.Unlock(ctx, "job"))
}

func TestConditionSignalAcrossNodes(t *testing.T) {
	ctx := context.Background()
	_, a, b := newPair(t)
	ma, _ := a.Mutex("m")
	mb, _ := b.Mutex("m")
	ca, _ := a.Condition("cv", ma)
	cb, _ := b.Condition("cv", mb)

	require.NoError(t, ma.Lock(ctx))
	got := make(chan bool, 1)
	go func() {
		s, err := ca.Wait(ctx, 5*time.Second)
		if err == nil {
			_ = ma.Unlock(ctx)
		}
		got <- s
	}()

	// b can only get the mutex once a's Wait released it
	require.NoError(t, mb.Lock(ctx))
	require.NoError(t, cb.Signal(ctx))
	require.NoError(t, mb.Unlock(ctx))

	select {
	case s := <-got:
		require.True(t, s)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter not woken")
	}
}

func TestConditionTimeoutKeepsMutex(t *testing.T) {
	ctx := context.Background()
	_, a, _ := newPair(t)
	m, _ := a.Mutex("m")
	cv, _ := a.Condition("cv", m)

	require.NoError(t, m.Lock(ctx))
	s, err := cv.Wait(ctx, 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, s)
	require.NoError(t, m.Unlock(ctx))
}

func TestTopicDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	_, a, b := newPair(t)
	ta, _ := a.Topic("events")
	tb, _ := b.Topic("events")

	var (
		mu  sync.Mutex
		got []string
	)
	done := make(chan struct{})
	sub, err := tb.Subscribe(ctx, func(msg []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg))
		if len(got) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)
	defer sub.Close()

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, ta.Publish(ctx, []byte(m)))
	}
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("messages not delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"1", "2", "3"}, got)
}

func TestUnavailableAndClosed(t *testing.T) {
	ctx := context.Background()
	mr, a, _ := newPair(t)
	m, _ := a.Map("users")
	mr.Close()

	_, _, err := m.Get(ctx, "1")
	require.ErrorIs(t, err, pr.ErrUnavailable)
	var opErr *pr.OpError
	require.True(t, errors.As(err, &opErr))
	require.Equal(t, "map.get", opErr.Op)

	require.NoError(t, a.Close(ctx))
	_, err = a.Map("users")
	require.ErrorIs(t, err, pr.ErrClosed)
}

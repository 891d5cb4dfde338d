package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/membership"
	"github.com/unkn0wn-root/cascluster/provider/local"
)

type userCreated struct{ ID string }

func (userCreated) EventName() string { return "user.created" }

type orderPlaced struct{ Order int }

func (orderPlaced) EventName() string { return "order.placed" }

type recHooks struct {
	cascluster.NopHooks
	mu      sync.Mutex
	dropped []string
	failed  []string
}

func (h *recHooks) EventDropped(event, reason string) {
	h.mu.Lock()
	h.dropped = append(h.dropped, event+"/"+reason)
	h.mu.Unlock()
}

func (h *recHooks) ListenerFailed(event string, _ error) {
	h.mu.Lock()
	h.failed = append(h.failed, event)
	h.mu.Unlock()
}

func (h *recHooks) droppedSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.dropped...)
}

func (h *recHooks) failedSnapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.failed...)
}

type testNode struct {
	bus   *Bus
	hooks *recHooks
}

func newNode(t *testing.T, cl *local.Cluster, id string, register bool) testNode {
	t.Helper()
	p := cl.Join(id)
	members, err := membership.New(membership.Options{Provider: p})
	require.NoError(t, err)
	require.NoError(t, members.Heartbeat(context.Background()))

	types := NewTypes()
	if register {
		require.NoError(t, RegisterType[userCreated](types))
	}
	h := &recHooks{}
	b, err := New(Options{Provider: p, Peers: members, Types: types, PollInterval: 5 * time.Millisecond, Hooks: h})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return testNode{bus: b, hooks: h}
}

func collect[T Event](t *testing.T, b *Bus) (<-chan T, *atomic.Int32) {
	t.Helper()
	ch := make(chan T, 64)
	var n atomic.Int32
	require.NoError(t, b.Subscribe(Listen(func(_ context.Context, e T) error {
		n.Add(1)
		ch <- e
		return nil
	})))
	return ch, &n
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing delivered")
	}
	var zero T
	return zero
}

func TestLocalDeliveryMatchesByType(t *testing.T) {
	ctx := context.Background()
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	users, _ := collect[userCreated](t, b)
	_, orders := collect[orderPlaced](t, b)
	all, _ := collect[Event](t, b)

	require.NoError(t, b.Publish(ctx, userCreated{ID: "u1"}))
	require.Equal(t, "u1", recv(t, users).ID)
	require.Equal(t, "user.created", recv(t, all).EventName())

	time.Sleep(30 * time.Millisecond)
	require.Zero(t, orders.Load())
}

func TestListenerObservesPublisherOrder(t *testing.T) {
	ctx := context.Background()
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	require.NoError(t, b.Subscribe(Listen(func(_ context.Context, e orderPlaced) error {
		mu.Lock()
		got = append(got, e.Order)
		n := len(got)
		mu.Unlock()
		if n == 100 {
			close(done)
		}
		return nil
	})))
	for i := 0; i < 100; i++ {
		require.NoError(t, b.Publish(ctx, orderPlaced{Order: i}))
	}
	<-done
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestNilListenerRejected(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	require.ErrorIs(t, b.Subscribe(nil), ErrNilListener)
	require.ErrorIs(t, b.Unsubscribe(nil), ErrNilListener)
	require.ErrorIs(t, b.Send(context.Background(), Envelope{}), ErrNilEvent)
}

func TestListenerFailureIsIsolated(t *testing.T) {
	h := &recHooks{}
	b, err := New(Options{Hooks: h})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Subscribe(Listen(func(context.Context, userCreated) error { panic("boom") })))
	require.NoError(t, b.Subscribe(Listen(func(context.Context, userCreated) error { return errors.New("nope") })))
	ok, _ := collect[userCreated](t, b)

	require.NoError(t, b.Publish(context.Background(), userCreated{ID: "x"}))
	require.Equal(t, "x", recv(t, ok).ID)
	require.Eventually(t, func() bool { return len(h.failedSnapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestBroadcastReachesOtherNodesOnce(t *testing.T) {
	ctx := context.Background()
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	b := newNode(t, cl, "b", true)

	_, onA := collect[userCreated](t, a.bus)
	remoteSeen := make(chan Envelope, 1)
	require.NoError(t, b.bus.Subscribe(Listen(func(ctx context.Context, e userCreated) error {
		env, remote, ok := FromContext(ctx)
		assert.True(t, ok)
		assert.True(t, remote)
		remoteSeen <- env
		return nil
	})))

	require.NoError(t, a.bus.Broadcast(ctx, userCreated{ID: "u1"}))
	env := recv(t, remoteSeen)
	require.Equal(t, "a", env.Origin)
	require.Equal(t, "user.created", env.Name)
	require.Equal(t, userCreated{ID: "u1"}, env.Payload)
	require.NotEmpty(t, env.ID)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), onA.Load(), "origin must not receive its own broadcast twice")
}

func TestRemoteEnvelopeIsNotRelayed(t *testing.T) {
	ctx := context.Background()
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)

	topic, err := cl.Join("spy").Topic(cascluster.DefaultNames().EventTopicName())
	require.NoError(t, err)
	var published atomic.Int32
	sub, err := topic.Subscribe(ctx, func([]byte) { published.Add(1) })
	require.NoError(t, err)
	defer sub.Close()

	got, _ := collect[userCreated](t, a.bus)
	require.NoError(t, a.bus.Send(ctx, RemoteEnvelope{Envelope{Payload: userCreated{ID: "r"}, Broadcasting: true}}))
	require.Equal(t, "r", recv(t, got).ID)

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, published.Load())

	require.NoError(t, a.bus.Broadcast(ctx, userCreated{ID: "b"}))
	require.Eventually(t, func() bool { return published.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLocalEventStaysOnNode(t *testing.T) {
	ctx := context.Background()
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	b := newNode(t, cl, "b", true)

	onA, _ := collect[userCreated](t, a.bus)
	_, onB := collect[userCreated](t, b.bus)

	require.NoError(t, a.bus.Publish(ctx, userCreated{ID: "l"}))
	require.Equal(t, "l", recv(t, onA).ID)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, onB.Load())
}

func TestPrivateReachesExactlyOnePeer(t *testing.T) {
	ctx := context.Background()
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	b := newNode(t, cl, "b", true)
	c := newNode(t, cl, "c", true)

	_, onB := collect[userCreated](t, b.bus)
	_, onC := collect[userCreated](t, c.bus)

	require.NoError(t, a.bus.SendPrivate(ctx, userCreated{ID: "p"}))
	require.Eventually(t, func() bool { return onB.Load()+onC.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), onB.Load()+onC.Load())
}

func TestPrivateWithoutPeerIsDropped(t *testing.T) {
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	require.NoError(t, a.bus.SendPrivate(context.Background(), userCreated{ID: "p"}))
	require.Equal(t, []string{"user.created/no_peer"}, a.hooks.droppedSnapshot())
}

func TestUnknownTypeIsDropped(t *testing.T) {
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	b := newNode(t, cl, "b", false)

	require.NoError(t, a.bus.Broadcast(context.Background(), userCreated{ID: "u"}))
	require.Eventually(t, func() bool {
		d := b.hooks.droppedSnapshot()
		return len(d) == 1 && d[0] == "user.created/unknown_type"
	}, time.Second, 5*time.Millisecond)
}

func TestFactoryRegistration(t *testing.T) {
	ctx := context.Background()
	cl := local.NewCluster(local.Options{})
	a := newNode(t, cl, "a", true)
	b := newNode(t, cl, "b", true)
	require.NoError(t, b.bus.Types().Register("order.placed", func() Event { return &orderPlaced{} }))
	require.Error(t, b.bus.Types().Register("order.placed", func() Event { return &orderPlaced{} }))

	got, _ := collect[*orderPlaced](t, b.bus)
	require.NoError(t, a.bus.Broadcast(ctx, orderPlaced{Order: 7}))
	require.Equal(t, 7, recv(t, got).Order)
}

func TestWaitTimesOut(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	start := time.Now()
	_, ok := Wait[userCreated](context.Background(), b, 40*time.Millisecond)
	took := time.Since(start)
	require.False(t, ok)
	require.GreaterOrEqual(t, took, 35*time.Millisecond)
	require.Less(t, took, time.Second)
	require.Zero(t, b.Listeners(), "one-shot listener must be removed")

	_, ok = Wait[userCreated](context.Background(), b, 0)
	require.False(t, ok)
}

func TestWaitForeverHonoursContext(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, ok := Wait[userCreated](ctx, b, Forever)
	require.False(t, ok)
}

func TestConcurrentWaitsAndCollect(t *testing.T) {
	ctx := context.Background()
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	const waiters = 8
	results := make(chan string, waiters+1)
	for i := 0; i < waiters; i++ {
		go func() {
			e, ok := Wait[userCreated](ctx, b, 5*time.Second)
			if ok {
				results <- e.ID
			} else {
				results <- ""
			}
		}()
	}
	go func() {
		n, ok := WaitCollect(ctx, b, 5*time.Second, func(e userCreated) string { return "len:" + e.ID })
		if ok {
			results <- n
		} else {
			results <- ""
		}
	}()
	require.Eventually(t, func() bool { return b.Listeners() == waiters+1 }, time.Second, time.Millisecond)

	require.NoError(t, b.Publish(ctx, userCreated{ID: "w"}))
	var plain, collected int
	for i := 0; i < waiters+1; i++ {
		switch recv(t, results) {
		case "w":
			plain++
		case "len:w":
			collected++
		}
	}
	require.Equal(t, waiters, plain)
	require.Equal(t, 1, collected)
}

package event

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/codec"
	"github.com/unkn0wn-root/cascluster/internal/wire"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

var ErrClosed = errors.New("event: bus closed")

const defaultPollInterval = 50 * time.Millisecond

// PeerSource lists the other live nodes. *membership.Registry satisfies it.
type PeerSource interface {
	Peers(ctx context.Context) ([]string, error)
}

// Options configure a Bus. A nil Provider gives a local-only bus.
type Options struct {
	Provider pr.Provider
	Names    cascluster.Names
	Peers    PeerSource // required for private events
	Types    *Types     // nil => empty registry; see RegisterType

	PollInterval time.Duration // private inbox poll; 0 => 50ms

	Logger cascluster.Logger
	Hooks  cascluster.Hooks
	Clock  func() time.Time
}

// wireEvent is the body of a KindEvent frame.
type wireEvent struct {
	ID           string             `msgpack:"id"`
	Name         string             `msgpack:"name"`
	Payload      msgpack.RawMessage `msgpack:"payload"`
	Private      bool               `msgpack:"private"`
	Broadcasting bool               `msgpack:"broadcasting"`
	Time         int64              `msgpack:"time"` // unix nanos
}

type Bus struct {
	self  string
	opts  Options
	types *Types
	log   cascluster.Logger
	hooks cascluster.Hooks
	now   func() time.Time

	mu        sync.RWMutex
	listeners map[Listener]*mailbox
	closed    bool

	topic pr.Topic
	inbox pr.Queue

	// ctx is handed to listeners and stops the inbox poller on Close.
	ctx    context.Context
	cancel context.CancelFunc

	runMu   sync.Mutex
	started bool
	sub     pr.Subscription
	wg      sync.WaitGroup
}

func New(opts Options) (*Bus, error) {
	b := &Bus{
		self:      "local",
		opts:      opts,
		types:     opts.Types,
		log:       cascluster.OrNop(opts.Logger),
		hooks:     cascluster.OrNopHooks(opts.Hooks),
		now:       opts.Clock,
		listeners: make(map[Listener]*mailbox),
	}
	if b.types == nil {
		b.types = NewTypes()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.opts.PollInterval <= 0 {
		b.opts.PollInterval = defaultPollInterval
	}
	if p := opts.Provider; p != nil {
		b.self = p.NodeID()
		var err error
		if b.topic, err = p.Topic(opts.Names.EventTopicName()); err != nil {
			return nil, err
		}
		if b.inbox, err = p.Queue(opts.Names.EventInboxName(b.self)); err != nil {
			return nil, err
		}
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

// Types returns the registry used to decode events from other nodes.
func (b *Bus) Types() *Types { return b.types }

func (b *Bus) Subscribe(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.listeners[l]; !ok {
		b.listeners[l] = newMailbox()
	}
	return nil
}

// Unsubscribe removes l. Deliveries still queued for it are dropped.
func (b *Bus) Unsubscribe(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	b.mu.Lock()
	mb, ok := b.listeners[l]
	delete(b.listeners, l)
	b.mu.Unlock()
	if ok {
		mb.close()
	}
	return nil
}

// Listeners reports how many listeners are registered.
func (b *Bus) Listeners() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers e to local listeners only.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	return b.Send(ctx, Envelope{Payload: e})
}

// Broadcast delivers e locally and to every other node.
func (b *Bus) Broadcast(ctx context.Context, e Event) error {
	return b.Send(ctx, Envelope{Payload: e, Broadcasting: true})
}

// SendPrivate delivers e locally and to one other live node.
func (b *Bus) SendPrivate(ctx context.Context, e Event) error {
	return b.Send(ctx, Envelope{Payload: e, Private: true})
}

// Send dispatches m. Local listeners always get it, asynchronously. Only a
// non-remote envelope is forwarded to the cluster; a returned error is a
// cluster publication failure, never a listener error.
func (b *Bus) Send(ctx context.Context, m Message) error {
	if m == nil {
		return ErrNilEvent
	}
	env := m.envelope()
	if env.Payload == nil {
		return ErrNilEvent
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	remote := m.remote()
	if !remote {
		env = b.stamp(env)
	}
	b.deliver(env, remote)
	if remote {
		return nil
	}
	switch {
	case env.Private:
		return b.sendPrivate(ctx, env)
	case env.Broadcasting:
		return b.broadcast(ctx, env)
	}
	return nil
}

func (b *Bus) stamp(env Envelope) Envelope {
	if env.Name == "" {
		env.Name = env.Payload.EventName()
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	if env.Origin == "" {
		env.Origin = b.self
	}
	if env.Time.IsZero() {
		env.Time = b.now()
	}
	return env
}

func (b *Bus) deliver(env Envelope, remote bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l, mb := range b.listeners {
		if !l.accepts(env.Payload) {
			continue
		}
		if !mb.push(func() { b.run(l, env, remote) }) {
			b.hooks.EventDropped(env.Name, "mailbox_closed")
		}
	}
}

func (b *Bus) run(l Listener, env Envelope, remote bool) {
	ctx := withEnvelope(b.ctx, env, remote)
	err := cascluster.Safe(func() error { return l.handle(ctx, env.Payload) })
	if err != nil {
		b.log.Warn("event listener failed", cascluster.Fields{"event": env.Name, "id": env.ID, "err": err})
		b.hooks.ListenerFailed(env.Name, err)
	}
}

func (b *Bus) broadcast(ctx context.Context, env Envelope) error {
	if b.topic == nil {
		return nil
	}
	frame, err := b.encode(env)
	if err != nil {
		return err
	}
	if err := b.topic.Publish(ctx, frame); err != nil {
		b.hooks.EventDropped(env.Name, "publish_error")
		return err
	}
	return nil
}

func (b *Bus) sendPrivate(ctx context.Context, env Envelope) error {
	if b.opts.Provider == nil || b.opts.Peers == nil {
		b.hooks.EventDropped(env.Name, "no_peer")
		return nil
	}
	peers, err := b.opts.Peers.Peers(ctx)
	if err != nil {
		b.hooks.EventDropped(env.Name, "publish_error")
		return err
	}
	if len(peers) == 0 {
		b.hooks.EventDropped(env.Name, "no_peer")
		return nil
	}
	peer := peers[rand.N(len(peers))]

	frame, err := b.encode(env)
	if err != nil {
		return err
	}
	q, err := b.opts.Provider.Queue(b.opts.Names.EventInboxName(peer))
	if err == nil {
		err = q.Offer(ctx, frame)
	}
	if err != nil {
		b.hooks.EventDropped(env.Name, "publish_error")
		return err
	}
	return nil
}

func (b *Bus) encode(env Envelope) ([]byte, error) {
	payload, err := codec.Msgpack[Event]{}.Encode(env.Payload)
	if err != nil {
		return nil, err
	}
	body, err := codec.Msgpack[wireEvent]{}.Encode(wireEvent{
		ID:           env.ID,
		Name:         env.Name,
		Payload:      payload,
		Private:      env.Private,
		Broadcasting: env.Broadcasting,
		Time:         env.Time.UnixNano(),
	})
	if err != nil {
		return nil, err
	}
	return wire.EncodeFrame(wire.Frame{Kind: wire.KindEvent, Origin: b.self, Body: body}), nil
}

// receive handles one frame from the topic or the inbox.
func (b *Bus) receive(raw []byte) {
	f, err := wire.DecodeFrame(raw)
	if err != nil || f.Kind != wire.KindEvent {
		b.hooks.EventDropped("", "decode_error")
		return
	}
	if f.Origin == b.self {
		return
	}
	w, err := codec.Msgpack[wireEvent]{}.Decode(f.Body)
	if err != nil {
		b.hooks.EventDropped("", "decode_error")
		return
	}
	e, known, err := b.types.decode(w.Name, w.Payload)
	switch {
	case !known:
		b.log.Debug("event type not registered", cascluster.Fields{"event": w.Name, "origin": f.Origin})
		b.hooks.EventDropped(w.Name, "unknown_type")
		return
	case err != nil:
		b.log.Warn("event payload decode failed", cascluster.Fields{"event": w.Name, "origin": f.Origin, "err": err})
		b.hooks.EventDropped(w.Name, "decode_error")
		return
	}
	_ = b.Send(b.ctx, RemoteEnvelope{Envelope{
		ID:           w.ID,
		Name:         w.Name,
		Payload:      e,
		Private:      w.Private,
		Broadcasting: w.Broadcasting,
		Origin:       f.Origin,
		Time:         time.Unix(0, w.Time),
	}})
}

// Start subscribes to the cluster topic and starts polling this node's
// private inbox. It is a no-op on a local-only bus and when already started.
func (b *Bus) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.started || b.topic == nil {
		return nil
	}
	sub, err := b.topic.Subscribe(ctx, b.receive)
	if err != nil {
		return err
	}
	b.sub = sub
	b.started = true
	b.wg.Add(1)
	go b.pollInbox()
	b.log.Info("event bus started", cascluster.Fields{"node": b.self, "topic": b.topic.Name()})
	return nil
}

func (b *Bus) pollInbox() {
	defer b.wg.Done()
	t := time.NewTicker(b.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-t.C:
		}
		for {
			msg, ok, err := b.inbox.Poll(b.ctx)
			if err != nil {
				if b.ctx.Err() == nil {
					b.log.Debug("event inbox poll failed", cascluster.Fields{"node": b.self, "err": err})
				}
				break
			}
			if !ok {
				break
			}
			b.receive(msg)
		}
	}
}

// Run is Start, then Close once ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return errors.Join(ctx.Err(), b.Close())
}

// Close stops cluster delivery and every listener mailbox.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	boxes := b.listeners
	b.listeners = make(map[Listener]*mailbox)
	b.mu.Unlock()

	b.cancel()
	b.runMu.Lock()
	var err error
	if b.sub != nil {
		err = b.sub.Close()
	}
	b.runMu.Unlock()
	b.wg.Wait()
	for _, mb := range boxes {
		mb.close()
	}
	return err
}

type envKey struct{}

type envValue struct {
	env    Envelope
	remote bool
}

func withEnvelope(ctx context.Context, env Envelope, remote bool) context.Context {
	return context.WithValue(ctx, envKey{}, envValue{env: env, remote: remote})
}

// FromContext returns the envelope a listener is handling and whether it came
// from another node.
func FromContext(ctx context.Context) (env Envelope, remote bool, ok bool) {
	v, ok := ctx.Value(envKey{}).(envValue)
	return v.env, v.remote, ok
}

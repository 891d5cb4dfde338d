// Package redis implements provider.Provider on Redis.
//
//	map        HASH   <prefix>map:<name>
//	queue      LIST   <prefix>queue:<name>
//	mutex      STRING <prefix>lock:<name>  (SET NX PX token, renewed, Lua release)
//	condition  PUBSUB <prefix>cond:<name>
//	topic      PUBSUB <prefix>topic:<name>
//
// Pub/sub is at-most-once: a subscriber that is disconnected when a message
// is published never sees it. Conditions tolerate this because waiters always
// time out and re-check state; topics inherit it.
package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/cascluster"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

const (
	defaultLease        = 30 * time.Second
	defaultPollInterval = 25 * time.Millisecond
	maxPollFactor       = 8
)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this provider exclusively owns the client

	NodeID string // "" => random uuid
	Prefix string // key prefix, e.g. "app:prod:"; "" => "cascluster:"

	// Lease bounds how long a crashed holder blocks a mutex. Held locks are
	// renewed every Lease/3. 0 => 30s.
	Lease time.Duration
	// PollInterval is the first back-off step while a mutex is contended.
	// It doubles up to 8x. 0 => 25ms.
	PollInterval time.Duration

	Logger cascluster.Logger // nil => NopLogger
}

type Redis struct {
	rdb         goredis.UniversalClient
	closeClient bool
	node        string
	prefix      string
	lease       time.Duration
	poll        time.Duration
	log         cascluster.Logger
	closed      atomic.Bool

	mu     sync.Mutex
	gates  map[string]chan struct{} // in-process queue in front of each lock
	held   map[string]*lease
	topics map[*subscription]struct{}
}

var _ pr.Provider = (*Redis)(nil)

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	p := &Redis{
		rdb:         cfg.Client,
		closeClient: cfg.CloseClient,
		node:        cfg.NodeID,
		prefix:      cfg.Prefix,
		lease:       cfg.Lease,
		poll:        cfg.PollInterval,
		log:         cascluster.OrNop(cfg.Logger),
		gates:       make(map[string]chan struct{}),
		held:        make(map[string]*lease),
		topics:      make(map[*subscription]struct{}),
	}
	if p.node == "" {
		p.node = uuid.NewString()
	}
	if p.prefix == "" {
		p.prefix = "cascluster:"
	}
	if p.lease <= 0 {
		p.lease = defaultLease
	}
	if p.poll <= 0 {
		p.poll = defaultPollInterval
	}
	return p, nil
}

func (p *Redis) NodeID() string { return p.node }

func (p *Redis) key(kind, name string) string { return p.prefix + kind + ":" + name }

// fail maps a client error: cancellation stays ctx.Err(), the rest matches
// provider.ErrUnavailable.
func (p *Redis) fail(ctx context.Context, op, name string, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return pr.Unavailable(op, name, err)
}

func (p *Redis) usable() error {
	if p.closed.Load() {
		return pr.ErrClosed
	}
	return nil
}

func (p *Redis) Map(name string) (pr.Map, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	return &hash{p: p, name: name, key: p.key("map", name)}, nil
}

func (p *Redis) Queue(name string) (pr.Queue, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	return &list{p: p, name: name, key: p.key("queue", name)}, nil
}

func (p *Redis) Mutex(name string) (pr.Mutex, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	return &mutex{p: p, name: name, key: p.key("lock", name)}, nil
}

func (p *Redis) Condition(name string, m pr.Mutex) (pr.Condition, error) {
	if m == nil {
		return nil, errors.New("redis provider: condition requires a mutex")
	}
	if err := p.usable(); err != nil {
		return nil, err
	}
	return &condition{p: p, name: name, channel: p.key("cond", name), m: m}, nil
}

func (p *Redis) Topic(name string) (pr.Topic, error) {
	if err := p.usable(); err != nil {
		return nil, err
	}
	return &topic{p: p, name: name, channel: p.key("topic", name)}, nil
}

func (p *Redis) Lock(ctx context.Context, resource string) error {
	m, err := p.Mutex(resource)
	if err != nil {
		return err
	}
	return m.Lock(ctx)
}

func (p *Redis) Unlock(ctx context.Context, resource string) error {
	m, err := p.Mutex(resource)
	if err != nil {
		return err
	}
	return m.Unlock(ctx)
}

// Close stops subscriptions and releases locks this node still holds.
// The client is closed only when this provider owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (p *Redis) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	subs := make([]*subscription, 0, len(p.topics))
	for s := range p.topics {
		subs = append(subs, s)
	}
	held := make([]string, 0, len(p.held))
	for name := range p.held {
		held = append(held, name)
	}
	p.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, name := range held {
		m := &mutex{p: p, name: name, key: p.key("lock", name)}
		if err := m.Unlock(ctx); err != nil && !errors.Is(err, pr.ErrNotHeld) {
			errs = append(errs, err)
		}
	}
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Redis) gate(name string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gates[name]
	if !ok {
		g = make(chan struct{}, 1)
		p.gates[name] = g
	}
	return g
}

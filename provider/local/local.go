// Package local is the reference in-process Provider. A Cluster holds the shared
// state; every Join returns a Provider that behaves like a separate node, which
// makes multi-node behavior testable inside one process.
package local

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	pr "github.com/unkn0wn-root/cascluster/provider"
)

var errPartitioned = errors.New("local: cluster partitioned")

// Options tune a Cluster.
type Options struct {
	// Store builds the storage behind one replicated map. nil => MemoryStore.
	Store func(mapName string) (Store, error)
}

// Cluster is the shared "network" of in-process nodes.
type Cluster struct {
	opts      Options
	available atomic.Bool

	mu      sync.Mutex
	maps    map[string]*sharedMap
	queues  map[string]*sharedQueue
	mutexes map[string]*sharedMutex
	conds   map[string]*sharedCond
	topics  map[string]*sharedTopic
}

func NewCluster(opts Options) *Cluster {
	c := &Cluster{
		opts:    opts,
		maps:    make(map[string]*sharedMap),
		queues:  make(map[string]*sharedQueue),
		mutexes: make(map[string]*sharedMutex),
		conds:   make(map[string]*sharedCond),
		topics:  make(map[string]*sharedTopic),
	}
	c.available.Store(true)
	return c
}

// New returns a single-node provider on a fresh cluster.
func New(nodeID string) *Provider {
	return NewCluster(Options{}).Join(nodeID)
}

// Join returns the Provider view for nodeID.
func (c *Cluster) Join(nodeID string) *Provider {
	return &Provider{c: c, node: nodeID, subs: make(map[*subscription]struct{})}
}

// SetAvailable toggles a simulated outage; while false every operation fails
// with an error matching provider.ErrUnavailable.
func (c *Cluster) SetAvailable(ok bool) { c.available.Store(ok) }

// Close releases map storage.
func (c *Cluster) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, m := range c.maps {
		if err := m.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cluster) check(op, name string) error {
	if !c.available.Load() {
		return pr.Unavailable(op, name, errPartitioned)
	}
	return nil
}

func (c *Cluster) sharedMap(name string) (*sharedMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.maps[name]; ok {
		return m, nil
	}
	var (
		st  Store
		err error
	)
	if c.opts.Store != nil {
		st, err = c.opts.Store(name)
		if err != nil {
			return nil, pr.Unavailable("map.open", name, err)
		}
	} else {
		st = NewMemoryStore()
	}
	m := &sharedMap{store: st}
	c.maps[name] = m
	return m, nil
}

func (c *Cluster) sharedQueue(name string) *sharedQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[name]
	if !ok {
		q = &sharedQueue{}
		c.queues[name] = q
	}
	return q
}

func (c *Cluster) sharedMutex(name string) *sharedMutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mutexes[name]
	if !ok {
		m = &sharedMutex{ch: make(chan struct{}, 1)}
		c.mutexes[name] = m
	}
	return m
}

func (c *Cluster) sharedCond(name string) *sharedCond {
	c.mu.Lock()
	defer c.mu.Unlock()
	cv, ok := c.conds[name]
	if !ok {
		cv = &sharedCond{}
		c.conds[name] = cv
	}
	return cv
}

func (c *Cluster) sharedTopic(name string) *sharedTopic {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.topics[name]
	if !ok {
		t = &sharedTopic{subs: make(map[*subscription]struct{})}
		c.topics[name] = t
	}
	return t
}

// Provider is one node's view of a Cluster.
type Provider struct {
	c      *Cluster
	node   string
	closed atomic.Bool

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

var _ pr.Provider = (*Provider)(nil)

func (p *Provider) NodeID() string { return p.node }

// Cluster returns the shared cluster this provider joined.
func (p *Provider) Cluster() *Cluster { return p.c }

func (p *Provider) usable(op, name string) error {
	if p.closed.Load() {
		return pr.ErrClosed
	}
	return p.c.check(op, name)
}

func (p *Provider) Map(name string) (pr.Map, error) {
	if err := p.usable("map.open", name); err != nil {
		return nil, err
	}
	m, err := p.c.sharedMap(name)
	if err != nil {
		return nil, err
	}
	return &mapHandle{p: p, name: name, m: m}, nil
}

func (p *Provider) Queue(name string) (pr.Queue, error) {
	if err := p.usable("queue.open", name); err != nil {
		return nil, err
	}
	return &queueHandle{p: p, name: name, q: p.c.sharedQueue(name)}, nil
}

func (p *Provider) Mutex(name string) (pr.Mutex, error) {
	if err := p.usable("mutex.open", name); err != nil {
		return nil, err
	}
	return &mutexHandle{p: p, name: name, m: p.c.sharedMutex(name)}, nil
}

func (p *Provider) Condition(name string, m pr.Mutex) (pr.Condition, error) {
	if m == nil {
		return nil, errors.New("local: condition requires a mutex")
	}
	if err := p.usable("cond.open", name); err != nil {
		return nil, err
	}
	return &condHandle{p: p, name: name, cv: p.c.sharedCond(name), m: m}, nil
}

func (p *Provider) Topic(name string) (pr.Topic, error) {
	if err := p.usable("topic.open", name); err != nil {
		return nil, err
	}
	return &topicHandle{p: p, name: name, t: p.c.sharedTopic(name)}, nil
}

func (p *Provider) Lock(ctx context.Context, resource string) error {
	m, err := p.Mutex(resource)
	if err != nil {
		return err
	}
	return m.Lock(ctx)
}

func (p *Provider) Unlock(ctx context.Context, resource string) error {
	m, err := p.Mutex(resource)
	if err != nil {
		return err
	}
	return m.Unlock(ctx)
}

// Close detaches this node: its topic subscriptions stop. Shared state stays
// with the Cluster.
func (p *Provider) Close(_ context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.subMu.Lock()
	subs := make([]*subscription, 0, len(p.subs))
	for s := range p.subs {
		subs = append(subs, s)
	}
	p.subMu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

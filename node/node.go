// Package node wires every cascluster component for one process from a
// config.Config. It is the only place that owns component lifetimes.
package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/config"
	"github.com/unkn0wn-root/cascluster/event"
	"github.com/unkn0wn-root/cascluster/layer"
	"github.com/unkn0wn-root/cascluster/membership"
	pr "github.com/unkn0wn-root/cascluster/provider"
	"github.com/unkn0wn-root/cascluster/provider/local"
	"github.com/unkn0wn-root/cascluster/provider/redis"
	"github.com/unkn0wn-root/cascluster/session"
	"github.com/unkn0wn-root/cascluster/timer"
)

const pingTimeout = 5 * time.Second

type settings struct {
	log     cascluster.Logger
	hooks   cascluster.Hooks
	session session.Manager
	types   *event.Types
	cluster *local.Cluster
}

type Option func(*settings)

func WithLogger(l cascluster.Logger) Option { return func(s *settings) { s.log = l } }
func WithHooks(h cascluster.Hooks) Option   { return func(s *settings) { s.hooks = h } }

// WithSession sets the identity manager used by timer tasks and layer calls.
func WithSession(m session.Manager) Option { return func(s *settings) { s.session = m } }

// WithEventTypes sets the registry used to decode events from other nodes.
func WithEventTypes(t *event.Types) Option { return func(s *settings) { s.types = t } }

// WithLocalCluster joins an existing in-process cluster instead of creating
// one. It only applies to the local provider.
func WithLocalCluster(c *local.Cluster) Option { return func(s *settings) { s.cluster = c } }

type Node struct {
	cfg   *config.Config
	names cascluster.Names
	log   cascluster.Logger
	hooks cascluster.Hooks

	Provider  pr.Provider
	Members   *membership.Registry
	Bus       *event.Bus
	Invoker   *layer.Invoker
	Scheduler *timer.Scheduler

	ownCluster *local.Cluster
}

// New builds every component. A provider that cannot be built or reached is
// a startup error.
func New(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var s settings
	for _, o := range opts {
		o(&s)
	}
	n := &Node{
		cfg:   cfg,
		names: cfg.Names,
		log:   cascluster.OrNop(s.log),
		hooks: cascluster.OrNopHooks(s.hooks),
	}
	id := cfg.Node.ID
	if id == "" {
		id = uuid.NewString()
	}

	var err error
	if n.Provider, err = n.buildProvider(id, s.cluster); err != nil {
		return nil, err
	}
	fail := func(err error) (*Node, error) {
		_ = n.Close(context.Background())
		return nil, err
	}

	n.Members, err = membership.New(membership.Options{
		Provider: n.Provider,
		Names:    n.names,
		Interval: cfg.Membership.Interval,
		TTL:      cfg.Membership.TTL,
		Logger:   n.log,
	})
	if err != nil {
		return fail(err)
	}
	n.Bus, err = event.New(event.Options{
		Provider:     n.Provider,
		Names:        n.names,
		Peers:        n.Members,
		Types:        s.types,
		PollInterval: cfg.Events.PollInterval,
		Logger:       n.log,
		Hooks:        n.hooks,
	})
	if err != nil {
		return fail(err)
	}
	n.Invoker, err = layer.New(layer.Options{
		Provider:    n.Provider,
		Names:       n.names,
		Members:     n.Members,
		HintTTL:     cfg.Layer.HintTTL,
		Session:     s.session,
		CallTimeout: cfg.Layer.CallTimeout,
		Logger:      n.log,
		Hooks:       n.hooks,
	})
	if err != nil {
		return fail(err)
	}
	n.Scheduler = timer.NewScheduler(timer.Options{
		Provider:    n.Provider,
		Names:       n.names,
		MinInterval: cfg.Timer.MinInterval,
		RetryDelay:  cfg.Timer.RetryDelay,
		Session:     s.session,
		Logger:      n.log,
		Hooks:       n.hooks,
	})
	n.log.Info("node built", cascluster.Fields{"node": id, "provider": cfg.Provider.Kind})
	return n, nil
}

func (n *Node) buildProvider(id string, shared *local.Cluster) (pr.Provider, error) {
	cfg := n.cfg.Provider
	switch cfg.Kind {
	case config.ProviderLocal:
		cl := shared
		if cl == nil {
			var opts local.Options
			if cfg.Local.Store == config.StoreBigCache {
				opts.Store = local.BigCache(local.BigCacheConfig{
					Shards:             cfg.Local.BigCacheShards,
					MaxEntrySize:       cfg.Local.MaxEntrySize,
					HardMaxCacheSizeMB: cfg.Local.HardMaxCacheSizeMB,
				})
			}
			cl = local.NewCluster(opts)
			n.ownCluster = cl
		}
		return cl.Join(id), nil

	case config.ProviderRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, pr.Unavailable("provider.open", cfg.Redis.Addr, err)
		}
		return redis.New(redis.Config{
			Client:       rdb,
			CloseClient:  true,
			NodeID:       id,
			Prefix:       cfg.Redis.Prefix,
			Lease:        cfg.Redis.Lease,
			PollInterval: cfg.Redis.PollInterval,
			Logger:       n.log,
		})
	}
	return nil, fmt.Errorf("node: no provider implementation %q", cfg.Kind)
}

func (n *Node) ID() string                { return n.Provider.NodeID() }
func (n *Node) Names() cascluster.Names   { return n.names }
func (n *Node) Logger() cascluster.Logger { return n.log }
func (n *Node) Hooks() cascluster.Hooks   { return n.hooks }
func (n *Node) Config() *config.Config    { return n.cfg }

// Run drives heartbeats, cluster event delivery, layer serving and every
// scheduled task until ctx is done. Cancellation is a clean exit.
func (n *Node) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	// listen before the first heartbeat makes this node visible to peers
	if err := n.Bus.Start(gctx); err != nil {
		return err
	}
	if err := n.Invoker.Start(gctx); err != nil {
		return err
	}
	if err := n.Scheduler.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error { return quiet(n.Members.Run(gctx)) })
	g.Go(func() error { return quiet(n.Bus.Run(gctx)) })
	g.Go(func() error { return quiet(n.Invoker.Serve(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		return n.Scheduler.Wait()
	})
	n.log.Info("node running", cascluster.Fields{"node": n.ID(), "tasks": n.Scheduler.Tasks()})
	return g.Wait()
}

func quiet(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops every component and releases the provider. It is safe after
// Run returned and on a partially built Node.
func (n *Node) Close(ctx context.Context) error {
	var errs []error
	if n.Scheduler != nil {
		n.Scheduler.Stop()
	}
	if n.Bus != nil {
		errs = append(errs, n.Bus.Close())
	}
	if n.Invoker != nil {
		errs = append(errs, n.Invoker.Close())
	}
	if n.Members != nil {
		if err := n.Members.Leave(ctx); err != nil && !errors.Is(err, pr.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if n.Provider != nil {
		errs = append(errs, n.Provider.Close(ctx))
	}
	if n.ownCluster != nil {
		errs = append(errs, n.ownCluster.Close())
	}
	return errors.Join(errs...)
}

// NewCache opens a cache on the node's provider with the node's names,
// logger and hooks.
func NewCache[V any](n *Node, name string, strategies ...cascluster.EvictionStrategy) (cascluster.Cache[V], error) {
	return cascluster.New[V](cascluster.Options[V]{
		Name:       name,
		Provider:   n.Provider,
		Names:      n.names,
		Strategies: strategies,
		Logger:     n.log,
		Hooks:      n.hooks,
	})
}

package cascluster

import (
	"context"
	"fmt"
	"time"

	c "github.com/unkn0wn-root/cascluster/codec"
	"github.com/unkn0wn-root/cascluster/internal/util"
	"github.com/unkn0wn-root/cascluster/internal/wire"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

type cache[V any] struct {
	name     string
	provider pr.Provider
	codec    c.Codec[V]
	names    Names
	log      Logger
	hooks    Hooks
	now      func() time.Time

	entries pr.Map
	mu      pr.Mutex
	cond    pr.Condition

	strategies []EvictionStrategy
}

func newCache[V any](opts Options[V]) (*cache[V], error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("cascluster: provider is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("cascluster: cache name is required")
	}
	if lock := opts.Names.CacheLockName(opts.Name); lock == opts.Names.LayerDirectoryLockName() {
		return nil, fmt.Errorf("cascluster: cache name %q is reserved: its lock %q belongs to the layer directory", opts.Name, lock)
	}

	cc := &cache[V]{
		name:     opts.Name,
		provider: opts.Provider,
		codec:    opts.Codec,
		names:    opts.Names.withDefaults(),
		log:      OrNop(opts.Logger),
		hooks:    OrNopHooks(opts.Hooks),
		now:      opts.Clock,
	}
	if cc.codec == nil {
		cc.codec = c.Msgpack[V]{}
	}
	if cc.now == nil {
		cc.now = time.Now
	}

	var err error
	if cc.entries, err = opts.Provider.Map(cc.names.CacheMapName(cc.name)); err != nil {
		return nil, err
	}
	if cc.mu, err = opts.Provider.Mutex(cc.names.CacheLockName(cc.name)); err != nil {
		return nil, err
	}
	if cc.cond, err = opts.Provider.Condition(cc.names.CacheConditionName(cc.name), cc.mu); err != nil {
		return nil, err
	}

	for _, s := range opts.Strategies {
		if s == nil {
			continue
		}
		if err := Safe(func() error { return s.Init(cc) }); err != nil {
			// a strategy that cannot initialise is left out; the cache still works
			cc.strategyFailed(s, "init", err)
			continue
		}
		cc.strategies = append(cc.strategies, s)
	}
	return cc, nil
}

func (cc *cache[V]) Name() string { return cc.name }

// Queue implements Owner.
func (cc *cache[V]) Queue(kind string) (pr.Queue, error) {
	return cc.provider.Queue(cc.names.StrategyState(cc.name, kind))
}

func (cc *cache[V]) Len(ctx context.Context) (int, error) { return cc.entries.Len(ctx) }

func (cc *cache[V]) Keys(ctx context.Context) ([]string, error) { return cc.entries.Keys(ctx) }

func (cc *cache[V]) Add(ctx context.Context, id string, v V) error {
	payload, err := cc.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("cascluster: encode %q: %w", id, err)
	}
	raw := wire.EncodeEntry(wire.Entry{
		Writer:  cc.provider.NodeID(),
		At:      cc.now().UnixMilli(),
		Payload: payload,
	})

	if err := cc.mu.Lock(ctx); err != nil {
		return err
	}
	defer cc.unlock(ctx)

	if err := cc.entries.Put(ctx, id, raw); err != nil {
		return err
	}

	var candidates []string
	for _, s := range cc.strategies {
		var (
			evict string
			ok    bool
		)
		err := Safe(func() (err error) {
			evict, ok, err = s.OnAdd(ctx, id)
			return err
		})
		if err != nil {
			cc.strategyFailed(s, "add", err)
			continue
		}
		if ok {
			candidates = append(candidates, evict)
		}
	}
	cc.evictLocked(ctx, candidates)
	cc.broadcast(ctx)
	return nil
}

func (cc *cache[V]) Remove(ctx context.Context, id string) error {
	if _, ok, err := cc.entries.Get(ctx, id); err != nil {
		return err
	} else if !ok {
		return nil
	}

	if err := cc.mu.Lock(ctx); err != nil {
		return err
	}
	defer cc.unlock(ctx)

	removed, err := cc.entries.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	cc.notifyRemoved(ctx, id)
	cc.broadcast(ctx)
	return nil
}

func (cc *cache[V]) Get(ctx context.Context, id string) (V, bool) {
	raw, ok, err := cc.entries.Get(ctx, id)
	if err != nil {
		cc.log.Debug("cache get failed", Fields{"cache": cc.name, "id": id, "err": err})
		var zero V
		return zero, false
	}
	if !ok {
		var zero V
		return zero, false
	}
	return cc.decode(id, raw)
}

func (cc *cache[V]) Raw(ctx context.Context, id string) ([]byte, bool, error) {
	raw, ok, err := cc.entries.Get(ctx, id)
	if err != nil || !ok {
		return nil, false, err
	}
	e, err := wire.DecodeEntry(raw)
	if err != nil {
		return nil, false, &SerializationError{Cache: cc.name, ID: id, Err: err}
	}
	return e.Payload, true, nil
}

func (cc *cache[V]) Await(ctx context.Context, id string, timeout time.Duration) (V, bool, error) {
	var zero V
	if v, ok := cc.Get(ctx, id); ok || timeout <= 0 {
		return v, ok, nil
	}
	deadline := cc.now().Add(timeout)

	if err := cc.mu.Lock(ctx); err != nil {
		return zero, false, err
	}
	for {
		raw, ok, err := cc.entries.Get(ctx, id)
		if err != nil {
			cc.unlock(ctx)
			return zero, false, err
		}
		if ok {
			cc.unlock(ctx)
			v, ok := cc.decode(id, raw)
			return v, ok, nil
		}
		remaining := deadline.Sub(cc.now())
		if remaining <= 0 {
			cc.unlock(ctx)
			return zero, false, nil
		}
		// Wait hands the mutex back on success and leaves it released on error
		if _, err := cc.cond.Wait(ctx, remaining); err != nil {
			return zero, false, err
		}
	}
}

func (cc *cache[V]) Evict(ctx context.Context) ([]string, error) {
	if err := cc.mu.Lock(ctx); err != nil {
		return nil, err
	}
	defer cc.unlock(ctx)

	var candidates []string
	for _, s := range cc.strategies {
		var ids []string
		err := Safe(func() (err error) {
			ids, err = s.Apply(ctx)
			return err
		})
		if err != nil {
			cc.strategyFailed(s, "apply", err)
			continue
		}
		candidates = append(candidates, ids...)
	}
	removed := cc.evictLocked(ctx, candidates)
	if len(removed) > 0 {
		cc.broadcast(ctx)
	}
	return removed, nil
}

// evictLocked removes the union of candidates. Caller holds the mutex.
func (cc *cache[V]) evictLocked(ctx context.Context, candidates []string) []string {
	ids := util.SortedUnique(candidates)
	if len(ids) == 0 {
		return nil
	}
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		ok, err := cc.entries.Delete(ctx, id)
		if err != nil {
			cc.log.Warn("evict failed", Fields{"cache": cc.name, "id": id, "err": err})
			continue
		}
		// notify even when already gone so strategy state cannot keep a stale id
		cc.notifyRemoved(ctx, id)
		if ok {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		cc.hooks.Evicted(cc.name, removed)
		cc.log.Debug("evicted", Fields{"cache": cc.name, "ids": removed})
	}
	return removed
}

func (cc *cache[V]) notifyRemoved(ctx context.Context, id string) {
	for _, s := range cc.strategies {
		if err := Safe(func() error { return s.OnRemove(ctx, id) }); err != nil {
			cc.strategyFailed(s, "remove", err)
		}
	}
}

func (cc *cache[V]) decode(id string, raw []byte) (V, bool) {
	var zero V
	e, err := wire.DecodeEntry(raw)
	if err != nil {
		cc.decodeFailed(id, err)
		return zero, false
	}
	v, err := cc.codec.Decode(e.Payload)
	if err != nil {
		cc.decodeFailed(id, err)
		return zero, false
	}
	return v, true
}

func (cc *cache[V]) decodeFailed(id string, err error) {
	cc.hooks.ValueDecodeFailed(cc.name, id, err)
	cc.log.Debug("cache value decode failed", Fields{"cache": cc.name, "id": id, "err": err})
}

func (cc *cache[V]) strategyFailed(s EvictionStrategy, phase string, err error) {
	cc.hooks.StrategyFailed(cc.name, s.Name(), phase, err)
	cc.log.Warn("eviction strategy failed", Fields{
		"cache": cc.name, "strategy": s.Name(), "phase": phase, "err": err,
	})
}

func (cc *cache[V]) broadcast(ctx context.Context) {
	if err := cc.cond.Broadcast(ctx); err != nil {
		cc.log.Warn("cache condition broadcast failed", Fields{"cache": cc.name, "err": err})
	}
}

// unlock releases the cache mutex even if ctx was cancelled meanwhile.
func (cc *cache[V]) unlock(ctx context.Context) {
	if err := cc.mu.Unlock(context.WithoutCancel(ctx)); err != nil {
		cc.log.Warn("cache unlock failed", Fields{"cache": cc.name, "err": err})
	}
}

// RawReader is satisfied by every Cache.
type RawReader interface {
	Name() string
	Raw(ctx context.Context, id string) ([]byte, bool, error)
}

// View reads an entry of any cache as T. Stored values are attribute maps, so
// T only needs attributes compatible with the writer's type. dec must match
// the writing cache's codec family; nil means codec.Msgpack[T]. Like Get, View
// reports every failure as a miss.
func View[T any](ctx context.Context, r RawReader, id string, dec c.Codec[T]) (T, bool) {
	var zero T
	if dec == nil {
		dec = c.Msgpack[T]{}
	}
	payload, ok, err := r.Raw(ctx, id)
	if err != nil || !ok {
		return zero, false
	}
	v, err := dec.Decode(payload)
	if err != nil {
		return zero, false
	}
	return v, true
}

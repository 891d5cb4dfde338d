package layer

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/internal/util"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

const defaultHintTTL = 2 * time.Second

// Members lists live nodes. *membership.Registry satisfies it.
type Members interface {
	Live(ctx context.Context) ([]string, error)
}

type DirectoryOptions struct {
	Provider pr.Provider
	Names    cascluster.Names
	Members  Members       // nil => every published node counts as live
	HintTTL  time.Duration // lookup cache lifetime; 0 => 2s, <0 disables
}

// Directory records which nodes registered which component. The cluster map
// value of "iface/impl" is the sorted msgpack list of node ids.
type Directory struct {
	p       pr.Provider
	m       pr.Map
	lock    string
	members Members
	ttl     time.Duration
	hints   *ristretto.Cache
}

func NewDirectory(opts DirectoryOptions) (*Directory, error) {
	if opts.Provider == nil {
		return nil, errors.New("layer: provider is required")
	}
	m, err := opts.Provider.Map(opts.Names.LayerDirectoryName())
	if err != nil {
		return nil, err
	}
	d := &Directory{
		p:       opts.Provider,
		m:       m,
		lock:    opts.Names.LayerDirectoryLockName(),
		members: opts.Members,
		ttl:     opts.HintTTL,
	}
	if d.ttl == 0 {
		d.ttl = defaultHintTTL
	}
	if d.ttl > 0 {
		d.hints, err = ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Publish adds this node under k.
func (d *Directory) Publish(ctx context.Context, k Key) error {
	return d.update(ctx, k, func(nodes []string) []string {
		return util.SortedUnique(append(nodes, d.p.NodeID()))
	})
}

// Withdraw removes this node from k.
func (d *Directory) Withdraw(ctx context.Context, k Key) error {
	self := d.p.NodeID()
	return d.update(ctx, k, func(nodes []string) []string {
		return slices.DeleteFunc(nodes, func(n string) bool { return n == self })
	})
}

func (d *Directory) update(ctx context.Context, k Key, fn func([]string) []string) (err error) {
	if err := d.p.Lock(ctx, d.lock); err != nil {
		return err
	}
	defer func() {
		if uerr := d.p.Unlock(context.WithoutCancel(ctx), d.lock); err == nil {
			err = uerr
		}
	}()
	nodes, err := d.read(ctx, k)
	if err != nil {
		return err
	}
	nodes = fn(nodes)
	if d.hints != nil {
		// Wait flushes buffered sets so a pending hint cannot outlive the Del
		d.hints.Del(k.String())
		d.hints.Wait()
	}
	if len(nodes) == 0 {
		_, err = d.m.Delete(ctx, k.String())
		return err
	}
	raw, err := msgpack.Marshal(nodes)
	if err != nil {
		return err
	}
	return d.m.Put(ctx, k.String(), raw)
}

func (d *Directory) read(ctx context.Context, k Key) ([]string, error) {
	raw, ok, err := d.m.Get(ctx, k.String())
	if err != nil || !ok {
		return nil, err
	}
	var nodes []string
	if err := msgpack.Unmarshal(raw, &nodes); err != nil {
		return nil, err
	}
	return nodes, nil
}

// Lookup returns the live nodes that published k. Hits are cached for HintTTL,
// so a node that just died may still be returned for that long.
func (d *Directory) Lookup(ctx context.Context, k Key) ([]string, error) {
	if d.hints != nil {
		if v, ok := d.hints.Get(k.String()); ok {
			if nodes, ok := v.([]string); ok {
				return nodes, nil
			}
			d.hints.Del(k.String())
		}
	}
	nodes, err := d.read(ctx, k)
	if err != nil {
		return nil, err
	}
	if d.members != nil && len(nodes) > 0 {
		live, err := d.members.Live(ctx)
		if err != nil {
			return nil, err
		}
		nodes = slices.DeleteFunc(nodes, func(n string) bool {
			_, found := slices.BinarySearch(live, n)
			return !found
		})
	}
	// misses are not cached so a fresh registration is found immediately
	if d.hints != nil && len(nodes) > 0 {
		d.hints.SetWithTTL(k.String(), nodes, 1, d.ttl)
	}
	return nodes, nil
}

func (d *Directory) Close() {
	if d.hints != nil {
		d.hints.Close()
	}
}

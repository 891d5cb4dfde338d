package cascluster

import (
	"context"
	"errors"
	"fmt"

	pr "github.com/unkn0wn-root/cascluster/provider"
)

// Owner is the view of a cache a strategy receives in Init.
type Owner interface {
	Name() string
	Len(ctx context.Context) (int, error)
	// Queue returns cluster-backed strategy state, shared by every node's
	// instance of the same strategy kind on the same cache.
	Queue(kind string) (pr.Queue, error)
}

// EvictionStrategy decides which entries leave a cache. One instance per cache
// per node; any ordering state must live in the cluster (Owner.Queue) so every
// node agrees on it.
//
// OnAdd and OnRemove run under the cache mutex after the map mutation has
// happened. OnAdd may return a single eviction candidate. Apply is a full
// re-evaluation returning every id that should go. Errors and panics are
// isolated per strategy and never undo the mutation.
type EvictionStrategy interface {
	Name() string
	Init(owner Owner) error
	OnAdd(ctx context.Context, id string) (evict string, ok bool, err error)
	OnRemove(ctx context.Context, id string) error
	Apply(ctx context.Context) ([]string, error)
}

// SizeBounded keeps at most max entries, evicting the least recently added
// first. Re-adding an id refreshes it; reads do not, so this is FIFO rather
// than LRU.
func SizeBounded(max int) EvictionStrategy {
	return &sizeBounded{max: max}
}

type sizeBounded struct {
	max   int
	order pr.Queue
}

func (s *sizeBounded) Name() string { return fmt.Sprintf("size(%d)", s.max) }

func (s *sizeBounded) Init(owner Owner) error {
	if s.max < 0 {
		return errors.New("size bound must be >= 0")
	}
	q, err := owner.Queue("size")
	if err != nil {
		return err
	}
	s.order = q
	return nil
}

func (s *sizeBounded) OnAdd(ctx context.Context, id string) (string, bool, error) {
	if _, err := s.order.Remove(ctx, []byte(id)); err != nil {
		return "", false, err
	}
	if err := s.order.Offer(ctx, []byte(id)); err != nil {
		return "", false, err
	}
	n, err := s.order.Len(ctx)
	if err != nil || n <= s.max {
		return "", false, err
	}
	head, ok, err := s.order.Poll(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return string(head), true, nil
}

func (s *sizeBounded) OnRemove(ctx context.Context, id string) error {
	_, err := s.order.Remove(ctx, []byte(id))
	return err
}

func (s *sizeBounded) Apply(ctx context.Context) ([]string, error) {
	items, err := s.order.Items(ctx)
	if err != nil {
		return nil, err
	}
	over := len(items) - s.max
	if over <= 0 {
		return nil, nil
	}
	out := make([]string, over)
	for i := 0; i < over; i++ {
		out[i] = string(items[i])
	}
	return out, nil
}

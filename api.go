package cascluster

import (
	"context"
	"time"

	c "github.com/unkn0wn-root/cascluster/codec"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

// Cache is a named, cluster-wide map of id -> V. Mutations on one name are
// totally ordered by a distributed mutex; reads take no lock.
type Cache[V any] interface {
	Name() string

	// Add stores v under id and runs every strategy's OnAdd. It may evict
	// other entries. Lock and storage failures are returned.
	Add(ctx context.Context, id string, v V) error

	// Remove deletes id. Absent ids are a no-op.
	Remove(ctx context.Context, id string) error

	// Get never fails: absence, provider errors and undecodable entries are
	// all reported as ok=false.
	Get(ctx context.Context, id string) (v V, ok bool)

	// Await is Get that waits up to timeout for id to be added by any node.
	// timeout <= 0 does not wait.
	Await(ctx context.Context, id string, timeout time.Duration) (v V, ok bool, err error)

	// Evict asks every strategy for a full re-evaluation and removes the union
	// of returned ids.
	Evict(ctx context.Context) ([]string, error)

	Len(ctx context.Context) (int, error)
	Keys(ctx context.Context) ([]string, error)

	// Raw returns the stored payload of id without decoding it. See View.
	Raw(ctx context.Context, id string) ([]byte, bool, error)
}

// Options configure a Cache.
// Only Name and Provider are required; others have sensible defaults.
type Options[V any] struct {
	// Required
	Name     string // logical cache name, e.g. "users", "sessions"
	Provider pr.Provider

	Codec      c.Codec[V]         // nil => codec.Msgpack[V]
	Names      Names              // zero => DefaultNames()
	Strategies []EvictionStrategy // one instance per cache; see SizeBounded
	Logger     Logger             // nil => NopLogger
	Hooks      Hooks              // nil => NopHooks
	Clock      func() time.Time   // nil => time.Now
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newCache[V](opts)
}

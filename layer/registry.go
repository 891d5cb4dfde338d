// Package layer invokes named components wherever they live in the cluster.
//
// A component is registered on a node under (interface, implementation). A
// call made on the same node runs directly; otherwise the request travels over
// the provider to a node that registered it, runs there under the caller's
// execution identity and the result or error comes back. Callers using Call
// cannot tell the two apart except by latency.
package layer

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Method is one operation of a component. Build it with Func or Action.
type Method interface {
	// call runs with an in-process argument.
	call(ctx context.Context, arg any) (any, error)
	// callRaw runs with a msgpack argument and returns a msgpack result.
	callRaw(ctx context.Context, arg []byte) ([]byte, error)
}

// Component maps method names to methods.
type Component map[string]Method

// Func adapts a typed function into a Method.
func Func[A, R any](fn func(ctx context.Context, arg A) (R, error)) Method {
	return funcMethod[A, R]{fn: fn}
}

// Action adapts a function without a result.
func Action[A any](fn func(ctx context.Context, arg A) error) Method {
	return Func(func(ctx context.Context, arg A) (struct{}, error) {
		return struct{}{}, fn(ctx, arg)
	})
}

type funcMethod[A, R any] struct {
	fn func(ctx context.Context, arg A) (R, error)
}

func (m funcMethod[A, R]) call(ctx context.Context, arg any) (any, error) {
	a, err := convert[A](arg)
	if err != nil {
		return nil, fmt.Errorf("layer: argument: %w", err)
	}
	return m.fn(ctx, a)
}

func (m funcMethod[A, R]) callRaw(ctx context.Context, arg []byte) ([]byte, error) {
	var a A
	if len(arg) > 0 {
		if err := msgpack.Unmarshal(arg, &a); err != nil {
			return nil, fmt.Errorf("layer: argument: %w", err)
		}
	}
	r, err := m.fn(ctx, a)
	if err != nil {
		return nil, err
	}
	return encode(r)
}

// convert returns v as T. Values of another type go through msgpack so a
// local call accepts exactly what a remote one would.
func convert[T any](v any) (T, error) {
	var out T
	if v == nil {
		return out, nil
	}
	if t, ok := v.(T); ok {
		return t, nil
	}
	b, err := encode(v)
	if err != nil {
		return out, err
	}
	err = msgpack.Unmarshal(b, &out)
	return out, err
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Key identifies a registered component.
type Key struct {
	Iface string
	Impl  string
}

func (k Key) String() string { return k.Iface + "/" + k.Impl }

// Registry holds the components registered on this node.
type Registry struct {
	mu sync.RWMutex
	m  map[Key]Component
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[Key]Component)}
}

func (r *Registry) Register(iface, impl string, c Component) error {
	if iface == "" || impl == "" {
		return fmt.Errorf("layer: empty component key %q/%q", iface, impl)
	}
	if len(c) == 0 {
		return fmt.Errorf("layer: component %s/%s has no methods", iface, impl)
	}
	k := Key{iface, impl}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[k]; dup {
		return fmt.Errorf("layer: component %s already registered", k)
	}
	cp := make(Component, len(c))
	for name, m := range c {
		cp[name] = m
	}
	r.m[k] = cp
	return nil
}

// Unregister reports whether the component was registered.
func (r *Registry) Unregister(iface, impl string) bool {
	k := Key{iface, impl}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[k]
	delete(r.m, k)
	return ok
}

func (r *Registry) Lookup(iface, impl string) (Component, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[Key{iface, impl}]
	return c, ok
}

// Keys returns every registered key, sorted.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	out := make([]Key, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

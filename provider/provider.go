// Package provider defines the cluster abstraction every cascluster component is
// built on. A Provider hands out named replicated maps and queues, distributed
// mutexes, condition variables bound to a mutex and broadcast topics.
//
// Names are content addresses: two objects requested with the same name, from any
// node, refer to the same logical cluster-wide object. Misconfigured names do not
// fail; they silently partition the cluster, so derive them from cascluster.Names.
//
// A Provider is the only component that performs cluster I/O. Every method may
// block and may fail with an error that matches ErrUnavailable.
package provider

import (
	"context"
	"time"
)

// Provider supplies the cluster-wide primitives. Implementations must be safe for
// concurrent use and live for the lifetime of the process.
type Provider interface {
	// NodeID identifies this process in the cluster.
	NodeID() string

	Map(name string) (Map, error)
	Queue(name string) (Queue, error)
	Mutex(name string) (Mutex, error)
	// Condition returns the condition variable name bound to m.
	Condition(name string, m Mutex) (Condition, error)
	Topic(name string) (Topic, error)

	// Lock and Unlock are helpers for ad-hoc resource names.
	Lock(ctx context.Context, resource string) error
	Unlock(ctx context.Context, resource string) error

	Close(ctx context.Context) error
}

// Map is a replicated string -> []byte mapping.
// Get returns (value, true, nil) on hit and (nil, false, nil) on miss.
type Map interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	// PutIfAbsent stores value only when key is missing and reports whether it did.
	PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error)
	// Delete reports whether key was present.
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Len(ctx context.Context) (int, error)
}

// Queue is a replicated FIFO of byte values.
type Queue interface {
	Name() string
	Offer(ctx context.Context, value []byte) error
	// Poll removes and returns the head; ok=false when the queue is empty.
	Poll(ctx context.Context) (value []byte, ok bool, err error)
	// Remove deletes the first element equal to value.
	Remove(ctx context.Context, value []byte) (bool, error)
	// Items returns a snapshot, head first.
	Items(ctx context.Context) ([][]byte, error)
	Len(ctx context.Context) (int, error)
}

// Mutex is a cluster-wide mutual exclusion lock. It is not reentrant and has no
// implicit acquisition timeout; bound the wait with ctx.
type Mutex interface {
	Name() string
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Condition is a condition variable bound to a Mutex.
type Condition interface {
	// Wait must be called with the mutex held. The mutex is released while
	// waiting and re-acquired before a nil-error return. signaled is false when
	// the timeout elapsed. On error the mutex is not held.
	// Spurious wakeups are allowed; callers re-check their predicate.
	Wait(ctx context.Context, timeout time.Duration) (signaled bool, err error)
	Signal(ctx context.Context) error
	Broadcast(ctx context.Context) error
}

// Topic is a cluster broadcast channel. Every subscriber on every node receives
// every message published after it subscribed.
type Topic interface {
	Name() string
	Publish(ctx context.Context, msg []byte) error
	// Subscribe calls fn for each message, in publish order, on a goroutine owned
	// by the subscription. fn must not block for long.
	Subscribe(ctx context.Context, fn func(msg []byte)) (Subscription, error)
}

// Subscription cancels a Topic subscription.
type Subscription interface {
	Close() error
}

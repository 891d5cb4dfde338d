package event

import (
	"context"
	"math"
	"time"
)

// Forever disables the timeout of Wait and WaitCollect. It must be asked for
// explicitly; a zero timeout never waits.
const Forever time.Duration = math.MaxInt64

// Wait blocks until the next event assignable to T is delivered on b, ctx is
// done or timeout elapses. Each call owns a one-shot listener, so concurrent
// waits do not interfere.
func Wait[T Event](ctx context.Context, b *Bus, timeout time.Duration) (T, bool) {
	return WaitCollect(ctx, b, timeout, func(e T) T { return e })
}

// WaitCollect is Wait that returns fn(event) instead of the event.
func WaitCollect[T Event, R any](ctx context.Context, b *Bus, timeout time.Duration, fn func(T) R) (R, bool) {
	var zero R
	if timeout <= 0 {
		return zero, false
	}
	got := make(chan T, 1)
	l := Listen(func(_ context.Context, e T) error {
		select {
		case got <- e:
		default:
		}
		return nil
	})
	if err := b.Subscribe(l); err != nil {
		return zero, false
	}
	defer b.Unsubscribe(l)

	var expired <-chan time.Time
	if timeout != Forever {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case e := <-got:
		return fn(e), true
	case <-expired:
	case <-ctx.Done():
	}
	return zero, false
}

// Package timer runs recurring work at most once per interval across the
// whole cluster, without a leader election service.
//
// Every node loops over the same cycle for a task name:
//
//	lock timer mutex
//	read last execution (claim it with now if absent)
//	wait on the timer condition for what is left of the interval
//	re-read: unchanged => execute, publish now, broadcast; changed => skip
//	unlock
//
// The node that wakes first executes while still holding the mutex and moves
// the record forward; everyone else sees the new value and skips the cycle.
package timer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/unkn0wn-root/cascluster"
	pr "github.com/unkn0wn-root/cascluster/provider"
	"github.com/unkn0wn-root/cascluster/session"
)

const (
	defaultMinInterval = time.Second
	defaultRetryDelay  = time.Second
)

// Task is a recurring unit of work.
type Task interface {
	Name() string
	// Interval is asked again before every cycle, so it may change over time.
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Func adapts a function into a fixed-interval Task.
func Func(name string, every time.Duration, fn func(ctx context.Context) error) Task {
	return funcTask{name: name, every: every, fn: fn}
}

type funcTask struct {
	name  string
	every time.Duration
	fn    func(ctx context.Context) error
}

func (f funcTask) Name() string                  { return f.name }
func (f funcTask) Interval() time.Duration       { return f.every }
func (f funcTask) Run(ctx context.Context) error { return f.fn(ctx) }

// Options configure a ClusterTask. Only Provider is required.
type Options struct {
	Provider pr.Provider
	Names    cascluster.Names

	MinInterval time.Duration // lower clamp for Task.Interval; 0 => 1s
	RetryDelay  time.Duration // pause after a provider error; 0 => 1s

	Session session.Manager // nil => session.ContextManager{}

	// OnError receives task body errors and recovered panics. nil => logged.
	OnError func(ctx context.Context, task string, err error)

	Logger cascluster.Logger
	Hooks  cascluster.Hooks
	Clock  func() time.Time // nil => time.Now
}

// ClusterTask drives one Task through the cycle described in the package doc.
type ClusterTask struct {
	task     Task
	opts     Options
	log      cascluster.Logger
	hooks    cascluster.Hooks
	sess     session.Manager
	now      func() time.Time
	mu       pr.Mutex
	cond     pr.Condition
	records  pr.Map
	minEvery time.Duration
	retry    time.Duration
}

func New(task Task, opts Options) (*ClusterTask, error) {
	if task == nil {
		return nil, errors.New("timer: task is required")
	}
	if task.Name() == "" {
		return nil, errors.New("timer: task name is required")
	}
	if opts.Provider == nil {
		return nil, errors.New("timer: provider is required")
	}
	t := &ClusterTask{
		task:     task,
		opts:     opts,
		log:      cascluster.OrNop(opts.Logger),
		hooks:    cascluster.OrNopHooks(opts.Hooks),
		sess:     opts.Session,
		now:      opts.Clock,
		minEvery: opts.MinInterval,
		retry:    opts.RetryDelay,
	}
	if t.sess == nil {
		t.sess = session.ContextManager{}
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.minEvery <= 0 {
		t.minEvery = defaultMinInterval
	}
	if t.retry <= 0 {
		t.retry = defaultRetryDelay
	}

	name := task.Name()
	var err error
	if t.mu, err = opts.Provider.Mutex(opts.Names.TimerLockName(name)); err != nil {
		return nil, err
	}
	if t.cond, err = opts.Provider.Condition(opts.Names.TimerConditionName(name), t.mu); err != nil {
		return nil, err
	}
	if t.records, err = opts.Provider.Map(opts.Names.TimerRecordsName()); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *ClusterTask) Name() string { return t.task.Name() }

// Run loops until ctx is cancelled and then returns ctx.Err(). Provider
// failures are logged and retried after RetryDelay.
func (t *ClusterTask) Run(ctx context.Context) error {
	name := t.task.Name()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := t.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			t.hooks.TaskSkipped(name, "cancelled")
			return ctx.Err()
		case errors.Is(err, cascluster.ErrOwnershipLost):
			t.hooks.TaskSkipped(name, "ownership_lost")
			t.log.Debug("timer cycle skipped", cascluster.Fields{"task": name})
		case err != nil:
			t.log.Warn("timer cycle failed; retrying", cascluster.Fields{
				"task": name, "err": err, "retry_in": t.retry,
			})
			if err := sleepCtx(ctx, t.retry); err != nil {
				return err
			}
		}
	}
}

// cycle runs one pass. It returns nil after executing, ErrOwnershipLost when
// another node executed, or the provider/cancellation error.
func (t *ClusterTask) cycle(ctx context.Context) (err error) {
	interval := t.interval()

	if err := t.mu.Lock(ctx); err != nil {
		return err
	}
	held := true
	defer func() {
		if !held {
			return
		}
		if uerr := t.mu.Unlock(context.WithoutCancel(ctx)); uerr != nil && err == nil {
			err = uerr
		}
	}()

	// a lock granted to an already cancelled ctx does not start a cycle
	if err := ctx.Err(); err != nil {
		return err
	}

	last, err := t.claim(ctx)
	if err != nil {
		return err
	}

	for {
		remaining := interval - t.now().Sub(last)
		if remaining > interval {
			// record is ahead of our clock; never wait longer than one interval
			remaining = interval
		}
		if remaining <= 0 {
			break
		}
		if _, err := t.cond.Wait(ctx, remaining); err != nil {
			held = false
			return err
		}
		current, ok, err := t.read(ctx)
		if err != nil {
			return err
		}
		if !ok || current != last {
			return cascluster.ErrOwnershipLost
		}
		// unchanged: either the interval is up or the wake was spurious
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	t.execute(ctx)

	if err := t.publish(ctx, t.now()); err != nil {
		return err
	}
	if err := t.cond.Broadcast(ctx); err != nil {
		t.log.Warn("timer broadcast failed", cascluster.Fields{"task": t.task.Name(), "err": err})
	}
	return nil
}

func (t *ClusterTask) interval() time.Duration {
	if d := t.task.Interval(); d > t.minEvery {
		return d
	}
	return t.minEvery
}

// claim returns the last execution time, publishing now if none is recorded.
func (t *ClusterTask) claim(ctx context.Context) (time.Time, error) {
	last, ok, err := t.read(ctx)
	if err != nil || ok {
		return last, err
	}
	now := t.now()
	if err := t.publish(ctx, now); err != nil {
		return time.Time{}, err
	}
	// reread to compare against exactly what was stored
	last, _, err = t.read(ctx)
	return last, err
}

func (t *ClusterTask) read(ctx context.Context) (time.Time, bool, error) {
	raw, ok, err := t.records.Get(ctx, t.task.Name())
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, perr := strconv.ParseInt(string(raw), 10, 64)
	if perr != nil {
		t.log.Warn("timer record unreadable; reclaiming", cascluster.Fields{
			"task": t.task.Name(), "raw": string(raw),
		})
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (t *ClusterTask) publish(ctx context.Context, at time.Time) error {
	return t.records.Put(ctx, t.task.Name(), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}

// execute runs the body as the system identity. Errors and panics go to
// OnError; they never stop the loop.
func (t *ClusterTask) execute(ctx context.Context) {
	name := t.task.Name()
	start := t.now()
	err := cascluster.Safe(func() error {
		return session.Run(ctx, t.sess, t.sess.System(), t.task.Run)
	})
	if err == nil {
		t.hooks.TaskExecuted(name, t.now().Sub(start))
		return
	}
	t.hooks.TaskFailed(name, err)
	if t.opts.OnError != nil {
		if perr := cascluster.Safe(func() error { t.opts.OnError(ctx, name, err); return nil }); perr != nil {
			t.log.Error("timer error hook panicked", cascluster.Fields{"task": name, "err": perr})
		}
		return
	}
	t.log.Error("timer task failed", cascluster.Fields{"task": name, "err": err})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (t *ClusterTask) String() string {
	return fmt.Sprintf("timer(%s)", t.task.Name())
}

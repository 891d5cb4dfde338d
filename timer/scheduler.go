package timer

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/cascluster"
)

// Scheduler runs many ClusterTasks sharing one Options.
type Scheduler struct {
	opts Options
	log  cascluster.Logger

	mu      sync.Mutex
	tasks   []*ClusterTask
	g       *errgroup.Group
	gctx    context.Context
	cancel  context.CancelFunc
	running bool
}

func NewScheduler(opts Options) *Scheduler {
	return &Scheduler{opts: opts, log: cascluster.OrNop(opts.Logger)}
}

// Add registers task. On a running scheduler the task starts immediately.
func (s *Scheduler) Add(task Task) (*ClusterTask, error) {
	ct, err := New(task, s.opts)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tasks {
		if existing.Name() == ct.Name() {
			return nil, errors.New("timer: duplicate task " + ct.Name())
		}
	}
	s.tasks = append(s.tasks, ct)
	if s.running {
		s.spawn(ct)
	}
	return ct, nil
}

// Start launches every registered task. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("timer: scheduler already running")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.g, s.gctx = errgroup.WithContext(ctx)
	s.running = true
	for _, ct := range s.tasks {
		s.spawn(ct)
	}
	s.log.Info("timer scheduler started", cascluster.Fields{"tasks": len(s.tasks)})
	return nil
}

func (s *Scheduler) spawn(ct *ClusterTask) {
	ctx := s.gctx
	s.g.Go(func() error {
		err := ct.Run(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
}

// Stop cancels every task and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.Wait()
}

// Wait blocks until every task has returned.
func (s *Scheduler) Wait() error {
	s.mu.Lock()
	g := s.g
	s.mu.Unlock()
	if g == nil {
		return nil
	}
	err := g.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// Tasks returns the registered task names.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Name()
	}
	return out
}

// Package promhook exports Hooks events as Prometheus metrics.
package promhook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/cascluster"
)

// Hooks counts events. Label values come from code (cache, task, event and
// component names), never from entry ids, so cardinality stays bounded.
type Hooks struct {
	strategyFailed *prometheus.CounterVec
	evicted        *prometheus.CounterVec
	decodeFailed   *prometheus.CounterVec
	taskRuns       *prometheus.HistogramVec
	taskSkipped    *prometheus.CounterVec
	taskFailed     *prometheus.CounterVec
	listenerFailed *prometheus.CounterVec
	eventDropped   *prometheus.CounterVec
	remoteFailed   *prometheus.CounterVec
}

var _ cascluster.Hooks = (*Hooks)(nil)

// New builds the collectors and registers them on reg (default registerer if
// nil). Registering twice on the same registry reuses the existing collectors.
func New(reg prometheus.Registerer) (*Hooks, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &Hooks{
		strategyFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_strategy_failures_total",
			Help: "Eviction strategy errors and panics",
		}, []string{"cache", "strategy", "phase"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_evictions_total",
			Help: "Entries removed on behalf of eviction strategies",
		}, []string{"cache"}),
		decodeFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_value_decode_failures_total",
			Help: "Cache reads that degraded to a miss because the value did not decode",
		}, []string{"cache"}),
		taskRuns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cascluster_task_duration_seconds",
			Help:    "Duration of executed timer task bodies",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"task"}),
		taskSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_task_skips_total",
			Help: "Timer task cycles not executed by this node",
		}, []string{"task", "reason"}),
		taskFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_task_failures_total",
			Help: "Timer task bodies that returned an error or panicked",
		}, []string{"task"}),
		listenerFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_listener_failures_total",
			Help: "Event listeners that returned an error or panicked",
		}, []string{"event"}),
		eventDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_events_dropped_total",
			Help: "Events that could not be distributed or decoded",
		}, []string{"event", "reason"}),
		remoteFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cascluster_remote_call_failures_total",
			Help: "Layer calls to other nodes that failed",
		}, []string{"iface", "impl", "method"}),
	}

	var err error
	register := func(c **prometheus.CounterVec) {
		if err != nil {
			return
		}
		if rerr := reg.Register(*c); rerr != nil {
			are, ok := rerr.(prometheus.AlreadyRegisteredError)
			if !ok {
				err = rerr
				return
			}
			*c = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
	register(&h.strategyFailed)
	register(&h.evicted)
	register(&h.decodeFailed)
	register(&h.taskSkipped)
	register(&h.taskFailed)
	register(&h.listenerFailed)
	register(&h.eventDropped)
	register(&h.remoteFailed)
	if err != nil {
		return nil, err
	}
	if rerr := reg.Register(h.taskRuns); rerr != nil {
		are, ok := rerr.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, rerr
		}
		h.taskRuns = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return h, nil
}

func (h *Hooks) StrategyFailed(cache, strategy, phase string, _ error) {
	h.strategyFailed.WithLabelValues(cache, strategy, phase).Inc()
}

func (h *Hooks) Evicted(cache string, ids []string) {
	h.evicted.WithLabelValues(cache).Add(float64(len(ids)))
}

func (h *Hooks) ValueDecodeFailed(cache, _ string, _ error) {
	h.decodeFailed.WithLabelValues(cache).Inc()
}

func (h *Hooks) TaskExecuted(task string, took time.Duration) {
	h.taskRuns.WithLabelValues(task).Observe(took.Seconds())
}

func (h *Hooks) TaskSkipped(task, reason string) {
	h.taskSkipped.WithLabelValues(task, reason).Inc()
}

func (h *Hooks) TaskFailed(task string, _ error) {
	h.taskFailed.WithLabelValues(task).Inc()
}

func (h *Hooks) ListenerFailed(event string, _ error) {
	h.listenerFailed.WithLabelValues(event).Inc()
}

func (h *Hooks) EventDropped(event, reason string) {
	h.eventDropped.WithLabelValues(event, reason).Inc()
}

func (h *Hooks) RemoteCallFailed(iface, impl, method, _ string, _ error) {
	h.remoteFailed.WithLabelValues(iface, impl, method).Inc()
}

// Package sloghook logs Hooks events through log/slog with sampling for the
// noisy ones and redaction of entry ids.
package sloghook

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/cascluster"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	EvictedEvery      uint64
	DecodeFailedEvery uint64
	TaskSkippedEvery  uint64
	// Optional id redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	evictedCtr atomic.Uint64
	decodeCtr  atomic.Uint64
	skippedCtr atomic.Uint64
}

var _ cascluster.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) StrategyFailed(cache, strategy, phase string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascluster.strategy_failed",
		"cache", cache,
		"strategy", strategy,
		"phase", phase,
		"err", err)
}

func (h *Hooks) Evicted(cache string, ids []string) {
	if h.l == nil || !sample(h.opts.EvictedEvery, &h.evictedCtr) {
		return
	}
	h.l.Debug("cascluster.evicted",
		"cache", cache,
		"count", len(ids))
}

func (h *Hooks) ValueDecodeFailed(cache, id string, err error) {
	if h.l == nil || !sample(h.opts.DecodeFailedEvery, &h.decodeCtr) {
		return
	}
	h.l.Warn("cascluster.value_decode_failed",
		"cache", cache,
		"id", h.redact(id),
		"err", err)
}

func (h *Hooks) TaskExecuted(task string, took time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Debug("cascluster.task_executed",
		"task", task,
		"took", took)
}

func (h *Hooks) TaskSkipped(task, reason string) {
	if h.l == nil || !sample(h.opts.TaskSkippedEvery, &h.skippedCtr) {
		return
	}
	h.l.Debug("cascluster.task_skipped",
		"task", task,
		"reason", reason)
}

func (h *Hooks) TaskFailed(task string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("cascluster.task_failed",
		"task", task,
		"err", err)
}

func (h *Hooks) ListenerFailed(event string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascluster.listener_failed",
		"event", event,
		"err", err)
}

func (h *Hooks) EventDropped(event, reason string) {
	if h.l == nil {
		return
	}
	h.l.Info("cascluster.event_dropped",
		"event", event,
		"reason", reason)
}

func (h *Hooks) RemoteCallFailed(iface, impl, method, node string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cascluster.remote_call_failed",
		"iface", iface,
		"impl", impl,
		"method", method,
		"node", node,
		"err", err)
}

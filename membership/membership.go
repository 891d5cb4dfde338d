// Package membership tracks which nodes are alive through heartbeats stored in
// one replicated map: node id -> unix millis of its last heartbeat.
package membership

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/unkn0wn-root/cascluster"
	"github.com/unkn0wn-root/cascluster/internal/util"
	pr "github.com/unkn0wn-root/cascluster/provider"
)

const defaultInterval = 2 * time.Second

type Options struct {
	Provider pr.Provider
	Names    cascluster.Names
	Interval time.Duration // heartbeat period; 0 => 2s
	TTL      time.Duration // silence after which a node is dead; 0 => 3*Interval
	Logger   cascluster.Logger
	Clock    func() time.Time
}

type Registry struct {
	self     string
	members  pr.Map
	interval time.Duration
	ttl      time.Duration
	log      cascluster.Logger
	now      func() time.Time
}

func New(opts Options) (*Registry, error) {
	if opts.Provider == nil {
		return nil, errors.New("membership: provider is required")
	}
	m, err := opts.Provider.Map(opts.Names.MembersName())
	if err != nil {
		return nil, err
	}
	r := &Registry{
		self:     opts.Provider.NodeID(),
		members:  m,
		interval: opts.Interval,
		ttl:      opts.TTL,
		log:      cascluster.OrNop(opts.Logger),
		now:      opts.Clock,
	}
	if r.interval <= 0 {
		r.interval = defaultInterval
	}
	if r.ttl <= 0 {
		r.ttl = 3 * r.interval
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Registry) Self() string { return r.self }

// Heartbeat records this node as alive now.
func (r *Registry) Heartbeat(ctx context.Context) error {
	return r.members.Put(ctx, r.self, []byte(strconv.FormatInt(r.now().UnixMilli(), 10)))
}

// Leave removes this node immediately instead of waiting for its TTL.
func (r *Registry) Leave(ctx context.Context) error {
	_, err := r.members.Delete(ctx, r.self)
	return err
}

// Live returns the sorted ids of nodes heard from within TTL.
func (r *Registry) Live(ctx context.Context) ([]string, error) {
	ids, err := r.members.Keys(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := r.now().Add(-r.ttl).UnixMilli()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		raw, ok, err := r.members.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		ms, perr := strconv.ParseInt(string(raw), 10, 64)
		if perr != nil || ms < cutoff {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Peers is Live without this node.
func (r *Registry) Peers(ctx context.Context) ([]string, error) {
	live, err := r.Live(ctx)
	if err != nil {
		return nil, err
	}
	out := live[:0]
	for _, id := range live {
		if id != r.self {
			out = append(out, id)
		}
	}
	return out, nil
}

// IsLive reports whether node is among Live.
func (r *Registry) IsLive(ctx context.Context, node string) (bool, error) {
	live, err := r.Live(ctx)
	if err != nil {
		return false, err
	}
	i := sort.SearchStrings(live, node)
	return i < len(live) && live[i] == node, nil
}

// Run heartbeats every Interval until ctx is done, then leaves. Heartbeat
// failures are logged; the next tick tries again. Changes of the live set are
// logged with a fingerprint that is equal on nodes seeing the same members.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	var view string
	for {
		if err := r.Heartbeat(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn("membership heartbeat failed", cascluster.Fields{"node": r.self, "err": err})
		} else if live, err := r.Live(ctx); err == nil {
			if fp := util.Fingerprint("members", live); fp != view {
				view = fp
				r.log.Info("membership changed", cascluster.Fields{"node": r.self, "live": live, "view": fp})
			}
		}
		select {
		case <-ctx.Done():
			if err := r.Leave(context.WithoutCancel(ctx)); err != nil {
				r.log.Warn("membership leave failed", cascluster.Fields{"node": r.self, "err": err})
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}

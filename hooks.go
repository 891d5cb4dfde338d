package cascluster

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// Components call them on hot paths.
type Hooks interface {
	// An eviction strategy returned an error or panicked. The triggering
	// mutation has already happened.
	// phase ∈ {"init", "add", "remove", "apply"}
	StrategyFailed(cache, strategy, phase string, err error)

	// Entries removed on behalf of strategies.
	Evicted(cache string, ids []string)

	// A stored value could not be decoded; the read returned a miss.
	ValueDecodeFailed(cache, id string, err error)

	// Timer task cycle outcomes.
	TaskExecuted(task string, took time.Duration)
	// reason ∈ {"ownership_lost", "cancelled"}
	TaskSkipped(task, reason string)
	TaskFailed(task string, err error)

	// A listener returned an error or panicked.
	ListenerFailed(event string, err error)

	// An event could not be distributed or decoded.
	// reason ∈ {"no_peer", "publish_error", "unknown_type", "decode_error", "mailbox_closed"}
	EventDropped(event, reason string)

	// A layer call to another node failed (transport or remote error).
	RemoteCallFailed(iface, impl, method, node string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) StrategyFailed(string, string, string, error)           {}
func (NopHooks) Evicted(string, []string)                               {}
func (NopHooks) ValueDecodeFailed(string, string, error)                {}
func (NopHooks) TaskExecuted(string, time.Duration)                     {}
func (NopHooks) TaskSkipped(string, string)                             {}
func (NopHooks) TaskFailed(string, error)                               {}
func (NopHooks) ListenerFailed(string, error)                           {}
func (NopHooks) EventDropped(string, string)                            {}
func (NopHooks) RemoteCallFailed(string, string, string, string, error) {}

// MultiHooks fans every call out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) StrategyFailed(c, s, phase string, err error) {
	for _, h := range m {
		h.StrategyFailed(c, s, phase, err)
	}
}

func (m MultiHooks) Evicted(c string, ids []string) {
	for _, h := range m {
		h.Evicted(c, ids)
	}
}

func (m MultiHooks) ValueDecodeFailed(c, id string, err error) {
	for _, h := range m {
		h.ValueDecodeFailed(c, id, err)
	}
}

func (m MultiHooks) TaskExecuted(t string, d time.Duration) {
	for _, h := range m {
		h.TaskExecuted(t, d)
	}
}

func (m MultiHooks) TaskSkipped(t, reason string) {
	for _, h := range m {
		h.TaskSkipped(t, reason)
	}
}

func (m MultiHooks) TaskFailed(t string, err error) {
	for _, h := range m {
		h.TaskFailed(t, err)
	}
}

func (m MultiHooks) ListenerFailed(e string, err error) {
	for _, h := range m {
		h.ListenerFailed(e, err)
	}
}

func (m MultiHooks) EventDropped(e, reason string) {
	for _, h := range m {
		h.EventDropped(e, reason)
	}
}

func (m MultiHooks) RemoteCallFailed(iface, impl, method, node string, err error) {
	for _, h := range m {
		h.RemoteCallFailed(iface, impl, method, node, err)
	}
}

package cascluster

import "github.com/unkn0wn-root/cascluster/internal/util"

// Names builds every cluster object name from a logical name plus fixed
// prefixes and suffixes. The derivation is a pure function of (Names, logical
// name), so nodes agree on object identity only if they share the same Names.
type Names struct {
	Namespace string `yaml:"namespace"` // optional; prepended to every name
	Separator string `yaml:"separator"` // "" => "."

	CacheMap       string `yaml:"cache_map"`       // "" => "map"
	CacheLock      string `yaml:"cache_lock"`      // "" => "lock"
	CacheCondition string `yaml:"cache_condition"` // "" => "cond"
	Strategy       string `yaml:"strategy"`        // "" => "strategy"

	TimerLock      string `yaml:"timer_lock"`      // "" => "timer.lock"
	TimerCondition string `yaml:"timer_condition"` // "" => "timer.cond"
	TimerRecords   string `yaml:"timer_records"`   // "" => "timer.records"

	EventTopic string `yaml:"event_topic"` // "" => "events"
	EventInbox string `yaml:"event_inbox"` // "" => "events.inbox"

	Members string `yaml:"members"` // "" => "members"

	LayerDirectory     string `yaml:"layer_directory"`      // "" => "layer.directory"
	LayerDirectoryLock string `yaml:"layer_directory_lock"` // "" => "layer.directory.mutex"
	LayerRequests      string `yaml:"layer_requests"`       // "" => "layer.req"
	LayerReplies       string `yaml:"layer_replies"`        // "" => "layer.rep"
}

// DefaultNames returns Names with every field set to its default.
func DefaultNames() Names { return Names{}.withDefaults() }

func (n Names) withDefaults() Names {
	n.Separator = coalesce(n.Separator, ".")
	n.CacheMap = coalesce(n.CacheMap, "map")
	n.CacheLock = coalesce(n.CacheLock, "lock")
	n.CacheCondition = coalesce(n.CacheCondition, "cond")
	n.Strategy = coalesce(n.Strategy, "strategy")
	n.TimerLock = coalesce(n.TimerLock, "timer.lock")
	n.TimerCondition = coalesce(n.TimerCondition, "timer.cond")
	n.TimerRecords = coalesce(n.TimerRecords, "timer.records")
	n.EventTopic = coalesce(n.EventTopic, "events")
	n.EventInbox = coalesce(n.EventInbox, "events.inbox")
	n.Members = coalesce(n.Members, "members")
	n.LayerDirectory = coalesce(n.LayerDirectory, "layer.directory")
	n.LayerDirectoryLock = coalesce(n.LayerDirectoryLock, "layer.directory.mutex")
	n.LayerRequests = coalesce(n.LayerRequests, "layer.req")
	n.LayerReplies = coalesce(n.LayerReplies, "layer.rep")
	return n
}

// name joins parts under the namespace; n must already carry defaults.
func (n Names) name(parts ...string) string {
	return util.Join(n.Separator, append([]string{n.Namespace}, parts...)...)
}

func (n Names) CacheMapName(cache string) string {
	d := n.withDefaults()
	return d.name(cache, d.CacheMap)
}

func (n Names) CacheLockName(cache string) string {
	d := n.withDefaults()
	return d.name(cache, d.CacheLock)
}

func (n Names) CacheConditionName(cache string) string {
	d := n.withDefaults()
	return d.name(cache, d.CacheCondition)
}

// StrategyState names cluster state owned by strategy kind on cache.
func (n Names) StrategyState(cache, kind string) string {
	d := n.withDefaults()
	return d.name(cache, d.Strategy, kind)
}

func (n Names) TimerLockName(task string) string {
	d := n.withDefaults()
	return d.name(d.TimerLock, task)
}

func (n Names) TimerConditionName(task string) string {
	d := n.withDefaults()
	return d.name(d.TimerCondition, task)
}

// TimerRecordsName is the single map shared by every timer task.
func (n Names) TimerRecordsName() string {
	d := n.withDefaults()
	return d.name(d.TimerRecords)
}

func (n Names) EventTopicName() string {
	d := n.withDefaults()
	return d.name(d.EventTopic)
}

// EventInboxName is the queue private events for node are delivered to.
func (n Names) EventInboxName(node string) string {
	d := n.withDefaults()
	return d.name(d.EventInbox, node)
}

func (n Names) MembersName() string {
	d := n.withDefaults()
	return d.name(d.Members)
}

func (n Names) LayerDirectoryName() string {
	d := n.withDefaults()
	return d.name(d.LayerDirectory)
}

func (n Names) LayerRequestsName(node string) string {
	d := n.withDefaults()
	return d.name(d.LayerRequests, node)
}

func (n Names) LayerRepliesName(node string) string {
	d := n.withDefaults()
	return d.name(d.LayerReplies, node)
}

// LayerDirectoryLockName serializes directory updates across nodes. Cache
// names whose lock would derive to the same name are rejected by New.
func (n Names) LayerDirectoryLockName() string {
	d := n.withDefaults()
	return d.name(d.LayerDirectoryLock)
}

// Package cascluster is the coordination core of a cluster-aware runtime.
// Every piece routes shared state through a pluggable provider.Provider, the
// only component that talks to the cluster.
//
// Components:
//   - provider: replicated maps and queues, distributed mutexes, condition
//     variables and topics. provider/local simulates a cluster in-process,
//     provider/redis runs on Redis.
//   - Cache[V] (this package): a named replicated map serialized by a
//     distributed mutex, with pluggable eviction strategies.
//   - timer: run a task at most once per interval across the whole cluster.
//   - event: local, broadcast and private event dispatch with loop prevention.
//   - layer: call a named component wherever in the cluster it is registered.
//
// Names:
//
//	<cache>.map / <cache>.lock / <cache>.cond  - cache triad
//	<cache>.strategy.<kind>                    - cluster-backed strategy state
//	timer.lock.<task> / timer.records          - timer tasks
//
// All derived names come from Names; every node must use the same Names or the
// cluster silently splits into groups that never see each other.
package cascluster

// Package metrics exposes Prometheus metrics and a process health
// checker for the cluster's node controller.
//
// Metrics cover the directory (actor/tombstone counts), membership
// (peers, supervised instances, free ports), actor lifecycle
// (start/kill outcomes), and the ops dispatcher (request count and
// latency by op). All metrics register at package init and are served
// via Handler() on /metrics.
//
// The health checker tracks a small set of named components
// ("transport", "directory", "instance_supervisor" are treated as
// critical for readiness) and backs the /health, /ready, and /live
// endpoints.
package metrics

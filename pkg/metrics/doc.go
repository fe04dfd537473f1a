// Package metrics defines and registers the scheduler's Prometheus metrics:
// entity-store gauges (tasks/workers/clients by state), transition-engine
// counters and latency histograms, scheduling-policy and rebalance
// histograms, and a Timer helper for observing operation durations. It also
// exposes a /health-style liveness and readiness checker independent of the
// Prometheus registry.
package metrics

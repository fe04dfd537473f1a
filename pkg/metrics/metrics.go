package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Entity-store gauges
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scheduler_workers_total",
			Help: "Total number of workers by status",
		},
		[]string{"status"},
	)

	ClientsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_clients_total",
			Help: "Total number of connected clients",
		},
	)

	IdleWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_idle_workers",
			Help: "Number of workers currently idle",
		},
	)

	SaturatedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_saturated_workers",
			Help: "Number of workers currently saturated",
		},
	)

	TotalOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_total_occupancy_seconds",
			Help: "Sum of expected remaining work across all workers, in seconds",
		},
	)

	ClusterMeanProcessMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_cluster_mean_process_memory_bytes",
			Help: "Mean of each worker's recent process-memory RSS history, averaged across the cluster",
		},
	)

	// Transition engine metrics
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_transitions_total",
			Help: "Total number of task transitions by start and finish state",
		},
		[]string{"start", "finish"},
	)

	TransitionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_transition_latency_seconds",
			Help:    "Time taken to execute a single transition, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PluginErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_plugin_errors_total",
			Help: "Total number of plugin callback errors, swallowed by the engine",
		},
		[]string{"hook"},
	)

	// Scheduling policy metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_decide_worker_duration_seconds",
			Help:    "Time taken by decide_worker to place a task on a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_scheduled_total",
			Help: "Total number of tasks assigned to a worker",
		},
	)

	TasksParkedNoWorker = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_tasks_parked_no_worker_total",
			Help: "Total number of tasks parked in no-worker due to unsatisfiable restrictions",
		},
	)

	// Lifecycle metrics
	WorkerRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_worker_removals_total",
			Help: "Total number of workers removed, by reason",
		},
		[]string{"reason"},
	)

	GraphIngestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_graph_ingest_duration_seconds",
			Help:    "Time taken to ingest an update-graph submission",
			Buckets: prometheus.DefBuckets,
		},
	)

	RestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_restarts_total",
			Help: "Total number of cluster restarts initiated",
		},
	)

	// Rebalance engine metrics
	RebalanceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_rebalance_duration_seconds",
			Help:    "Time taken to compute a rebalance plan",
			Buckets: prometheus.DefBuckets,
		},
	)

	RebalanceMovesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_rebalance_moves_total",
			Help: "Total number of replica moves planned by rebalance",
		},
	)

	RebalanceMovesFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_rebalance_moves_failed_total",
			Help: "Total number of replica moves that failed to complete",
		},
	)

	// Dispatcher / event hub metrics
	StimuliTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_stimuli_total",
			Help: "Total number of inbound stimuli processed, by kind",
		},
		[]string{"kind"},
	)

	OutboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_outbound_messages_total",
			Help: "Total number of outbound messages flushed, by peer kind and message op",
		},
		[]string{"peer", "op"},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		WorkersTotal,
		ClientsTotal,
		IdleWorkers,
		SaturatedWorkers,
		TotalOccupancy,
		ClusterMeanProcessMemory,
		TransitionsTotal,
		TransitionLatency,
		PluginErrorsTotal,
		SchedulingLatency,
		TasksScheduled,
		TasksParkedNoWorker,
		WorkerRemovalsTotal,
		GraphIngestDuration,
		RestartsTotal,
		RebalanceDuration,
		RebalanceMovesTotal,
		RebalanceMovesFailedTotal,
		StimuliTotal,
		OutboundMessagesTotal,
	)
}

// Handler returns the Prometheus HTTP handler for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

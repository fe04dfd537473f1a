package scheduler

import (
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// collectMetrics snapshots the entity store into the Prometheus gauges
// pkg/metrics exposes. It replaces a separate metrics-side collector: a
// collector that reads Scheduler state would need to import this
// package, and this package already imports pkg/metrics to emit
// counters, so the snapshot has to live here instead to avoid a cycle.
func (s *Scheduler) collectMetrics() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stateCounts := map[types.TaskState]int{}
	for _, t := range s.tasks {
		stateCounts[t.State]++
	}
	for _, state := range []types.TaskState{
		types.Released, types.Waiting, types.NoWorker,
		types.Processing, types.Memory, types.Erred,
	} {
		metrics.TasksTotal.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}

	statusCounts := map[types.WorkerStatus]int{}
	for _, w := range s.workers {
		statusCounts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerInit, types.WorkerRunning, types.WorkerPaused,
		types.WorkerClosingGracefully, types.WorkerClosed,
	} {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}

	metrics.ClientsTotal.Set(float64(len(s.clients)))
	metrics.IdleWorkers.Set(float64(len(s.idle)))
	metrics.SaturatedWorkers.Set(float64(len(s.saturated)))
	metrics.TotalOccupancy.Set(s.totalOccupancy)

	if len(s.workers) > 0 {
		var sum float64
		for _, w := range s.workers {
			sum += w.ProcessMemory.Mean()
		}
		metrics.ClusterMeanProcessMemory.Set(sum / float64(len(s.workers)))
	}
}

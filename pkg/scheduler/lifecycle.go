package scheduler

import (
	"fmt"
	"time"

	"github.com/taskgraphio/scheduler/pkg/feed"
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// AddWorker registers a newly connected worker, synchronously integrating
// any keys it reports already holding and re-evaluating every parked
// no-worker task against the new candidate.
func (s *Scheduler) AddWorker(address, name, nannyAddress string, nthreads int, memoryLimit int64, alreadyHas []string, nbytes map[string]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.workers[address]; exists {
		return fmt.Errorf("scheduler: worker %q already registered", address)
	}
	for _, w := range s.workers {
		if w.Name == name && name != "" {
			return fmt.Errorf("scheduler: worker name %q already registered", name)
		}
	}

	const processMemoryHistorySize = 60 // ~heartbeat-interval-spaced samples
	worker := types.NewWorker(address, nthreads, memoryLimit, processMemoryHistorySize)
	worker.Name = name
	worker.NannyAddress = nannyAddress
	s.workers[address] = worker
	s.totalNThreads += nthreads

	if worker.Status == types.WorkerRunning {
		s.running[address] = worker
		s.recomputeIdleSaturated(worker)
	}

	stimulusID := s.newStimulusID()
	for _, key := range alreadyHas {
		s.integrateReportedReplica(key, worker, nbytes[key], stimulusID)
	}

	recs := make(map[string]types.TaskState)
	for key, task := range s.tasks {
		if task.State != types.NoWorker {
			continue
		}
		if s.decideWorker(task) != nil {
			recs[key] = types.Waiting
		}
	}
	s.transitions(recs, stimulusID)

	s.notifyWorkerAdded(worker)

	metrics.WorkersTotal.WithLabelValues(string(worker.Status)).Inc()
	s.publish("workers", feed.EventWorkerAdded, stimulusID, address)
	s.logger.Info().Str("worker_address", address).Int("nthreads", nthreads).Msg("worker added")
	return nil
}

// integrateReportedReplica attaches a replica a worker announces holding
// (at registration or via add-keys), transitioning the owning task to
// memory if this is its first replica.
func (s *Scheduler) integrateReportedReplica(key string, worker *types.Worker, nbytes int64, stimulusID string) {
	task, ok := s.tasks[key]
	if !ok {
		return
	}
	if nbytes > 0 {
		task.NBytes = nbytes
	}
	worker.HasWhat.Add(key)
	worker.NBytes += s.effectiveNBytes(task)
	task.WhoHas[worker.Address] = struct{}{}

	if task.State != types.Memory {
		recs, _ := s.transition(key, types.Memory, stimulusID)
		s.transitions(recs, stimulusID)
	}
}

// RemoveWorker tears down a disconnected or failed worker: tasks it was
// processing are released for rescheduling, or erred if they have
// exhausted allowed_failures; replicas it held are dropped.
func (s *Scheduler) RemoveWorker(address, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	worker, ok := s.workers[address]
	if !ok {
		return fmt.Errorf("scheduler: unknown worker %q", address)
	}

	stimulusID := s.newStimulusID()
	recs := make(map[string]types.TaskState)

	for key := range worker.Processing {
		task := s.tasks[key]
		if task == nil {
			continue
		}
		task.Suspicious++
		if task.Suspicious > s.cfg.AllowedFailures {
			task.Exception = "KilledWorker"
			task.Traceback = fmt.Sprintf("worker %s died while processing %s", address, key)
			recs[key] = types.Erred
		} else {
			recs[key] = types.Released
		}
	}

	for _, key := range worker.HasWhat.Keys() {
		task := s.tasks[key]
		if task == nil {
			continue
		}
		delete(task.WhoHas, address)
		if len(task.WhoHas) == 0 {
			recs[key] = types.Released
		}
	}

	delete(s.workers, address)
	delete(s.running, address)
	delete(s.idle, address)
	delete(s.saturated, address)
	s.totalOccupancy -= worker.Occupancy
	s.totalNThreads -= worker.NThreads
	if s.totalNThreads < 0 {
		s.totalNThreads = 0
	}

	s.transitions(recs, stimulusID)

	s.notifyWorkerRemoved(address)

	metrics.WorkerRemovalsTotal.WithLabelValues(reason).Inc()
	s.feed.ScheduleCleanup(address)
	s.publish("workers", feed.EventWorkerRemoved, stimulusID, address)
	s.logger.Info().Str("worker_address", address).Str("reason", reason).Msg("worker removed")
	return nil
}

// Heartbeat updates a worker's liveness and instrumentation state.
func (s *Scheduler) Heartbeat(address string, processMemory int64, executing map[string]time.Duration, clockDelay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[address]
	if !ok {
		return fmt.Errorf("scheduler: heartbeat from unknown worker %q", address)
	}
	w.LastSeen = time.Now()
	w.ClockDelay = clockDelay
	w.ProcessMemory.Push(processMemory)
	for key, elapsed := range executing {
		w.Executing[key] = time.Now().Add(-elapsed)
	}
	return nil
}

// checkWorkerTTL removes any worker not seen within WorkerTTL and at
// least 10x its expected heartbeat interval.
func (s *Scheduler) checkWorkerTTL() {
	s.mu.Lock()
	ttl := s.cfg.WorkerTTL.AsDuration()
	minGap := 10 * heartbeatInterval(len(s.workers))
	if minGap > ttl {
		ttl = minGap
	}

	var stale []string
	now := time.Now()
	for addr, w := range s.workers {
		if now.Sub(w.LastSeen) > ttl {
			stale = append(stale, addr)
		}
	}
	s.mu.Unlock()

	for _, addr := range stale {
		if err := s.RemoveWorker(addr, "ttl-expired"); err != nil {
			s.logger.Error().Err(err).Str("worker_address", addr).Msg("failed to remove stale worker")
		}
	}
}

// AddClient registers a new client.
func (s *Scheduler) AddClient(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[id]; exists {
		return
	}
	s.clients[id] = types.NewClient(id)
	s.notifyClientAdded(id)
	metrics.ClientsTotal.Inc()
	s.publish("clients", feed.EventClientAdded, "", id)
}

// RemoveClient disconnects a client, releasing every key it wanted and
// letting the cascade forget anything nobody else references. The
// synthetic fire-and-forget client never disconnects.
func (s *Scheduler) RemoveClient(id string) {
	if id == types.FireAndForgetClientID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return
	}

	stimulusID := s.newStimulusID()
	recs := make(map[string]types.TaskState)
	for key := range c.WantsWhat {
		task := s.tasks[key]
		if task == nil {
			continue
		}
		delete(task.WhoWants, id)
		if rec := s.maybeForget(task); rec != nil {
			for k, f := range rec {
				recs[k] = f
			}
		}
	}
	s.transitions(recs, stimulusID)

	delete(s.clients, id)
	s.notifyClientRemoved(id)
	metrics.ClientsTotal.Dec()
	s.publish("clients", feed.EventClientRemoved, stimulusID, id)
}

// ClientDesiresKeys marks client id as wanting every key in keys, so they
// survive even without a dependent task.
func (s *Scheduler) ClientDesiresKeys(id string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return
	}
	for _, key := range keys {
		c.WantsWhat[key] = struct{}{}
		if task := s.tasks[key]; task != nil {
			task.WhoWants[id] = struct{}{}
		}
	}
}

// ClientReleasesKeys removes client id's interest in keys and lets the
// cascade forget anything left unreferenced.
func (s *Scheduler) ClientReleasesKeys(id string, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return
	}

	stimulusID := s.newStimulusID()
	recs := make(map[string]types.TaskState)
	for _, key := range keys {
		delete(c.WantsWhat, key)
		task := s.tasks[key]
		if task == nil {
			continue
		}
		delete(task.WhoWants, id)
		if rec := s.maybeForget(task); rec != nil {
			for k, f := range rec {
				recs[k] = f
			}
		}
	}
	s.transitions(recs, stimulusID)
}

// RetireWorker moves a worker to closing_gracefully, removing it from the
// running set while keeping it in the workers table, and returns the list
// of keys that still need to be replicated elsewhere before it can close.
// The caller (dispatcher) drives the actual replica-copy RPCs and calls
// RemoveWorker once the poll completes; if no valid recipient exists for
// a remaining key, the caller should call AbortRetirement to restore the
// worker's prior status.
func (s *Scheduler) RetireWorker(address string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[address]
	if !ok {
		return nil, fmt.Errorf("scheduler: unknown worker %q", address)
	}

	w.Status = types.WorkerClosingGracefully
	delete(s.running, address)
	delete(s.idle, address)
	delete(s.saturated, address)

	var uniqueKeys []string
	for _, key := range w.HasWhat.Keys() {
		task := s.tasks[key]
		if task == nil {
			continue
		}
		if len(task.WhoHas) == 1 {
			uniqueKeys = append(uniqueKeys, key)
		}
	}
	return uniqueKeys, nil
}

// AbortRetirement restores a worker to running after a retirement attempt
// found no valid recipient for one of its unique keys.
func (s *Scheduler) AbortRetirement(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[address]
	if !ok {
		return
	}
	w.Status = types.WorkerRunning
	s.running[address] = w
	s.recomputeIdleSaturated(w)
}

// RetirementPollInterval scales with the number of keys still pending
// replication, so a worker holding many replicas isn't polled as tightly.
func RetirementPollInterval(pendingKeys int) time.Duration {
	if pendingKeys <= 10 {
		return 200 * time.Millisecond
	}
	if pendingKeys <= 100 {
		return time.Second
	}
	return 5 * time.Second
}

// Restart clears all scheduler state: every client's desires are
// released, every worker is removed, and all task tables are emptied. The
// caller (dispatcher) is responsible for instructing nannies to restart
// their workers and for broadcasting the restart client message once
// re-registration settles or times out.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		c.WantsWhat = make(map[string]struct{})
	}

	s.tasks = make(map[string]*types.Task)
	s.prefixes = make(map[string]*types.TaskPrefix)
	s.groups = make(map[string]*types.TaskGroup)
	s.workers = make(map[string]*types.Worker)
	s.running = make(map[string]*types.Worker)
	s.idle = make(map[string]*types.Worker)
	s.saturated = make(map[string]struct{})
	s.totalNThreads = 0
	s.totalOccupancy = 0
	s.unknownDurations = make(map[string]map[string]struct{})
	s.rebalances = make(map[string]*pendingRebalance)

	metrics.RestartsTotal.Inc()
	s.logger.Info().Msg("scheduler restart: state cleared")
	s.publish("restart", feed.EventRestartInitiated, "", "scheduler restart")
	s.notifyRestart()
}

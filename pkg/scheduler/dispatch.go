package scheduler

import (
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// TaskFinished is the task-finished stimulus: a worker reports a
// successful compute. nbytes, if positive, is recorded as the task's size.
func (s *Scheduler) TaskFinished(key, workerAddress string, nbytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("task-finished")

	stimulusID := s.newStimulusID()
	task, ok := s.tasks[key]
	if !ok {
		return
	}
	if task.ProcessingOn != "" && task.ProcessingOn != workerAddress {
		// A duplicate compute raced in; the original assignee is told to
		// cancel, but the reporting worker's result still wins the race
		// and its duration is credited to the TaskPrefix average.
		s.sendToWorker(task.ProcessingOn, WorkerMessage{Op: "cancel-compute", Key: key, StimulusID: stimulusID})
	}
	if nbytes > 0 {
		task.NBytes = nbytes
	}
	task.ProcessingOn = workerAddress
	recs, _ := s.transition(key, types.Memory, stimulusID)
	s.transitions(recs, stimulusID)
}

// TaskErred is the task-erred stimulus: a worker reports a failed
// compute.
func (s *Scheduler) TaskErred(key, workerAddress, exception, traceback string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("task-erred")

	stimulusID := s.newStimulusID()
	task, ok := s.tasks[key]
	if !ok {
		return
	}
	task.Exception = exception
	task.Traceback = traceback
	recs, _ := s.transition(key, types.Erred, stimulusID)
	s.transitions(recs, stimulusID)
}

// ReleaseWorkerData is the release-worker-data stimulus: a worker
// proactively dropped a replica (eviction, spill failure).
func (s *Scheduler) ReleaseWorkerData(key, workerAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("release-worker-data")

	s.dropReplica(key, workerAddress, s.newStimulusID())
}

// MissingData is the missing-data stimulus: a worker attempted to fetch a
// replica from errantWorker and found it absent.
func (s *Scheduler) MissingData(key, errantWorker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("missing-data")

	s.dropReplica(key, errantWorker, s.newStimulusID())
}

func (s *Scheduler) dropReplica(key, workerAddress, stimulusID string) {
	task, ok := s.tasks[key]
	if !ok {
		return
	}
	if w, ok := s.workers[workerAddress]; ok {
		w.HasWhat.Remove(key)
		w.NBytes -= s.effectiveNBytes(task)
	}
	delete(task.WhoHas, workerAddress)
	if len(task.WhoHas) == 0 {
		recs, _ := s.transition(key, types.Released, stimulusID)
		s.transitions(recs, stimulusID)
	}
}

// AddKeys is the add-keys stimulus: a worker announces it now holds
// replicas for keys (e.g. after a successful rebalance/replicate RPC).
func (s *Scheduler) AddKeys(workerAddress string, keys []string, nbytes map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("add-keys")

	w, ok := s.workers[workerAddress]
	if !ok {
		return
	}
	stimulusID := s.newStimulusID()
	for _, key := range keys {
		s.integrateReportedReplica(key, w, nbytes[key], stimulusID)
	}
}

// LongRunning is the long-running stimulus: a worker reports a task has
// called into a long-running API, excluding it from normal duration
// accounting until it finishes.
func (s *Scheduler) LongRunning(key, workerAddress string, computeDuration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("long-running")

	w, ok := s.workers[workerAddress]
	if !ok {
		return
	}
	w.LongRunning[key] = struct{}{}
	if task := s.tasks[key]; task != nil {
		s.removeFromWorker(task, w)
	}
}

// Reschedule is the reschedule stimulus: a worker asks for a task back,
// typically because it no longer has capacity for it.
func (s *Scheduler) Reschedule(key, workerAddress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("reschedule")

	stimulusID := s.newStimulusID()
	if task := s.tasks[key]; task != nil && task.ProcessingOn == workerAddress {
		recs, _ := s.transition(key, types.Released, stimulusID)
		s.transitions(recs, stimulusID)
	}
}

// WorkerStatusChange is the worker-status-change stimulus.
func (s *Scheduler) WorkerStatusChange(address string, status types.WorkerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("worker-status-change")

	w, ok := s.workers[address]
	if !ok {
		return
	}
	previous := w.Status
	w.Status = status

	switch status {
	case types.WorkerRunning:
		s.running[address] = w
		s.recomputeIdleSaturated(w)
	default:
		if previous == types.WorkerRunning {
			delete(s.running, address)
			delete(s.idle, address)
			delete(s.saturated, address)
		}
	}
}

// Cancel is the cancel stimulus: a client asks to stop work on keys. If
// force is true, every wanter's interest is dropped and dependents are
// cancelled recursively regardless of other interested clients.
func (s *Scheduler) Cancel(clientID string, keys []string, force bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("cancel")

	stimulusID := s.newStimulusID()
	for _, key := range keys {
		s.cancelKey(key, clientID, force, stimulusID)
	}
}

// cancelKey recurses into dependents before resolving key's own forgetting
// and resolves each level's cascade immediately: a dependent cancelled here
// must finish clearing its edge out of key's Dependents set (via forget)
// before key's own maybeForget check runs, or a force-cancel of a whole
// chain would leave its root un-forgettable forever.
func (s *Scheduler) cancelKey(key, clientID string, force bool, stimulusID string) {
	task := s.tasks[key]
	if task == nil {
		return
	}

	if force {
		for dep := range task.Dependents {
			s.cancelKey(dep, clientID, force, stimulusID)
		}
		for wanter := range task.WhoWants {
			if c := s.clients[wanter]; c != nil {
				delete(c.WantsWhat, key)
			}
		}
		task.WhoWants = make(map[string]struct{})
	} else {
		delete(task.WhoWants, clientID)
		if c := s.clients[clientID]; c != nil {
			delete(c.WantsWhat, key)
		}
		if len(task.WhoWants) > 0 {
			return
		}
	}

	if rec := s.maybeForget(task); rec != nil {
		s.transitions(rec, stimulusID)
	}
}

// Retry is the retry stimulus: reset an erred task back to released so it
// can be recomputed.
func (s *Scheduler) Retry(keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch("retry")

	stimulusID := s.newStimulusID()
	recs := make(map[string]types.TaskState)
	for _, key := range keys {
		if task := s.tasks[key]; task != nil && task.State == types.Erred {
			recs[key] = types.Released
		}
	}
	s.transitions(recs, stimulusID)
	for _, key := range keys {
		if task := s.tasks[key]; task != nil && task.State == types.Released {
			s.transitions(map[string]types.TaskState{key: types.Waiting}, stimulusID)
		}
	}
}

// SubscribeTopic returns the messages of topic's retained event backlog,
// oldest first. It registers no subscription; live events are delivered
// through Feed().Subscribe.
func (s *Scheduler) SubscribeTopic(topic string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.feed.Events(topic)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Message)
	}
	return out, nil
}

func (s *Scheduler) dispatch(kind string) {
	metrics.StimuliTotal.WithLabelValues(kind).Inc()
}

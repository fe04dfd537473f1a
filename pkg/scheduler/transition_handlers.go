package scheduler

import (
	"fmt"
	"time"

	"github.com/taskgraphio/scheduler/pkg/feed"
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func (s *Scheduler) transitionReleasedWaiting(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	if task.RunSpec == nil {
		return nil, fmt.Errorf("released->waiting: %q has no run-spec", key)
	}

	recs := make(map[string]types.TaskState)

	for dep := range task.Dependencies {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		if d.State == types.Forgotten {
			recs[key] = types.Forgotten
			return recs, nil
		}
		if d.ExceptionBlame != "" {
			task.ExceptionBlame = d.ExceptionBlame
			recs[key] = types.Erred
			return recs, nil
		}
		if len(d.WhoHas) == 0 {
			task.WaitingOn[dep] = struct{}{}
			d.Waiters[key] = struct{}{}
			if d.State == types.Released {
				recs[dep] = types.Waiting
			}
		}
	}

	s.setGroupState(task.Group, task.State, types.Waiting)
	task.State = types.Waiting

	if len(task.WaitingOn) == 0 {
		if len(s.workers) > 0 {
			recs[key] = types.Processing
		} else {
			s.setGroupState(task.Group, task.State, types.NoWorker)
			task.State = types.NoWorker
		}
	}
	return recs, nil
}

func (s *Scheduler) transitionWaitingReleased(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	for dep := range task.WaitingOn {
		if d := s.tasks[dep]; d != nil {
			delete(d.Waiters, key)
		}
	}
	task.WaitingOn = make(map[string]struct{})
	s.setGroupState(task.Group, task.State, types.Released)
	task.State = types.Released
	return s.maybeForget(task), nil
}

func (s *Scheduler) transitionNoWorkerWaiting(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	s.setGroupState(task.Group, task.State, types.Waiting)
	task.State = types.Waiting
	return map[string]types.TaskState{key: types.Processing}, nil
}

func (s *Scheduler) transitionNoWorkerReleased(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	s.setGroupState(task.Group, task.State, types.Released)
	task.State = types.Released
	return s.maybeForget(task), nil
}

func (s *Scheduler) transitionNoWorkerMemory(key, stimulusID string) (map[string]types.TaskState, error) {
	// Accepted silently: a worker can announce a replica (add-keys) for a
	// task the scheduler had parked with no eligible worker, e.g. after a
	// restriction was satisfied out of band. No extra check of the report
	// is made here, in validate mode or otherwise.
	s.logger.Debug().Str("task_key", key).Msg("no-worker -> memory accepted")
	return s.transitionProcessingMemory(key, stimulusID)
}

func (s *Scheduler) transitionWaitingProcessing(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]

	worker := s.decideWorker(task)
	if worker == nil {
		s.setGroupState(task.Group, task.State, types.NoWorker)
		task.State = types.NoWorker
		return nil, nil
	}

	duration := s.estimateDuration(task)
	s.assignToWorker(task, worker, duration)

	s.setGroupState(task.Group, task.State, types.Processing)
	task.State = types.Processing
	task.ProcessingOn = worker.Address
	if task.Actor {
		worker.Actors[key] = struct{}{}
	}

	whoHas := make(map[string][]string, len(task.Dependencies))
	nbytes := make(map[string]int64, len(task.Dependencies))
	for dep := range task.Dependencies {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		holders := make([]string, 0, len(d.WhoHas))
		for h := range d.WhoHas {
			holders = append(holders, h)
		}
		whoHas[dep] = holders
		nbytes[dep] = d.NBytes
	}

	s.sendToWorker(worker.Address, WorkerMessage{
		Op:          "compute-task",
		Key:         key,
		Priority:    []int64{task.Priority.NegUserPriority, task.Priority.Generation},
		Duration:    duration,
		WhoHas:      whoHas,
		NBytes:      nbytes,
		Actor:       task.Actor,
		Annotations: task.Annotations,
		StimulusID:  stimulusID,
	})
	metrics.TasksScheduled.Inc()

	return nil, nil
}

func (s *Scheduler) transitionWaitingMemory(key, stimulusID string) (map[string]types.TaskState, error) {
	return s.transitionProcessingMemory(key, stimulusID)
}

func (s *Scheduler) transitionProcessingMemory(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	worker := s.workers[task.ProcessingOn]

	observed := s.estimateDuration(task)
	if worker != nil {
		if start, ok := worker.Executing[key]; ok {
			observed = time.Since(start).Seconds()
		}
		s.removeFromWorker(task, worker)
		delete(worker.Executing, key)
		worker.HasWhat.Add(key)
		worker.NBytes += s.effectiveNBytes(task)
		task.WhoHas[worker.Address] = struct{}{}
	}

	s.recordDurationObservation(task, observed)

	s.setGroupState(task.Group, task.State, types.Memory)
	task.State = types.Memory
	task.ProcessingOn = ""

	recs := make(map[string]types.TaskState)
	hadWaiters := len(task.Waiters) > 0
	for waiter := range task.Waiters {
		w := s.tasks[waiter]
		if w == nil {
			continue
		}
		delete(w.WaitingOn, key)
		if len(w.WaitingOn) == 0 {
			if len(s.workers) > 0 {
				recs[waiter] = types.Processing
			} else {
				s.setGroupState(w.Group, w.State, types.NoWorker)
				w.State = types.NoWorker
			}
		}
	}
	task.Waiters = make(map[string]struct{})

	// task no longer needs its own dependencies' replicas now that it has
	// computed: drop self from each dependency's Waiters and release any
	// dependency nobody else is waiting on or wants (mirrors
	// _add_to_memory's "for dts in ts._dependencies" loop).
	for dep := range task.Dependencies {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		delete(d.Waiters, key)
		if len(d.Waiters) == 0 && len(d.WhoWants) == 0 {
			recs[dep] = types.Released
		}
	}

	if !hadWaiters && len(task.WhoWants) == 0 {
		recs[key] = types.Released
	} else {
		for clientID := range task.WhoWants {
			s.sendToClient(clientID, ClientMessage{Op: "key-in-memory", Key: key, StimulusID: stimulusID})
		}
	}

	s.publish(task.Group.Name, feed.EventTaskTransitioned, stimulusID, fmt.Sprintf("%s -> memory", key))
	return recs, nil
}

func (s *Scheduler) transitionProcessingErred(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	worker := s.workers[task.ProcessingOn]
	if worker != nil {
		if task.Actor {
			delete(worker.Actors, key)
		}
		s.removeFromWorker(task, worker)
		delete(worker.Executing, key)
	}
	task.ProcessingOn = ""

	if task.Retries > 0 {
		task.Retries--
		return map[string]types.TaskState{key: types.Waiting}, nil
	}

	task.ExceptionBlame = key
	s.setGroupState(task.Group, task.State, types.Erred)
	task.State = types.Erred

	for clientID := range task.WhoWants {
		s.sendToClient(clientID, ClientMessage{
			Op:         "task-erred",
			Key:        key,
			Exception:  task.Exception,
			Traceback:  task.Traceback,
			StimulusID: stimulusID,
		})
	}

	recs := make(map[string]types.TaskState)
	for dep := range task.Dependents {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		d.HasLostDependencies = true
		d.ExceptionBlame = task.ExceptionBlame
		if d.State != types.Memory && d.State != types.Erred {
			recs[dep] = types.Erred
		}
	}
	s.publish(task.Group.Name, feed.EventTaskErred, stimulusID, key)
	return recs, nil
}

func (s *Scheduler) transitionProcessingReleased(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	worker := s.workers[task.ProcessingOn]
	if worker != nil {
		s.removeFromWorker(task, worker)
		delete(worker.Executing, key)
		s.sendToWorker(worker.Address, WorkerMessage{Op: "cancel-compute", Key: key, StimulusID: stimulusID})
	}
	task.ProcessingOn = ""
	s.setGroupState(task.Group, task.State, types.Released)
	task.State = types.Released
	if len(task.WhoWants) > 0 || len(task.Waiters) > 0 {
		return map[string]types.TaskState{key: types.Waiting}, nil
	}
	return s.maybeForget(task), nil
}

func (s *Scheduler) transitionMemoryReleased(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]

	holders := make([]string, 0, len(task.WhoHas))
	for addr := range task.WhoHas {
		holders = append(holders, addr)
		if w := s.workers[addr]; w != nil {
			w.HasWhat.Remove(key)
			w.NBytes -= s.effectiveNBytes(task)
			if task.Actor {
				delete(w.Actors, key)
			}
		}
	}
	for _, addr := range holders {
		s.sendToWorker(addr, WorkerMessage{Op: "free-keys", Keys: []string{key}, StimulusID: stimulusID})
	}
	task.WhoHas = make(map[string]struct{})

	recs := make(map[string]types.TaskState)
	for waiter := range task.Waiters {
		recs[waiter] = types.Waiting
	}

	for clientID := range task.WhoWants {
		s.sendToClient(clientID, ClientMessage{Op: "lost-data", Key: key, StimulusID: stimulusID})
	}

	s.setGroupState(task.Group, task.State, types.Released)
	task.State = types.Released

	if task.RunSpec == nil || task.HasLostDependencies {
		recs[key] = types.Forgotten
	}
	return recs, nil
}

func (s *Scheduler) transitionMemoryForgotten(key, stimulusID string) (map[string]types.TaskState, error) {
	return s.forget(key, stimulusID)
}

func (s *Scheduler) transitionReleasedForgotten(key, stimulusID string) (map[string]types.TaskState, error) {
	return s.forget(key, stimulusID)
}

func (s *Scheduler) transitionReleasedErred(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	s.setGroupState(task.Group, task.State, types.Erred)
	task.State = types.Erred
	return nil, nil
}

func (s *Scheduler) transitionErredReleased(key, stimulusID string) (map[string]types.TaskState, error) {
	task := s.tasks[key]
	task.Exception = ""
	task.Traceback = ""
	task.ExceptionBlame = ""
	s.setGroupState(task.Group, task.State, types.Released)
	task.State = types.Released
	return s.maybeForget(task), nil
}

// maybeForget recommends forgotten for a released task nobody wants and
// nothing depends on.
func (s *Scheduler) maybeForget(task *types.Task) map[string]types.TaskState {
	if len(task.WhoWants) == 0 && len(task.Dependents) == 0 {
		return map[string]types.TaskState{task.Key: types.Forgotten}
	}
	return nil
}

// forget removes a task from every index, propagating loss to dependents
// and dropping the empty TaskGroup if this was its last task.
func (s *Scheduler) forget(key, stimulusID string) (map[string]types.TaskState, error) {
	task, ok := s.tasks[key]
	if !ok {
		return nil, nil
	}

	if len(task.WhoHas) > 0 {
		for addr := range task.WhoHas {
			if w := s.workers[addr]; w != nil {
				w.HasWhat.Remove(key)
				w.NBytes -= s.effectiveNBytes(task)
				if task.Actor {
					delete(w.Actors, key)
				}
			}
			s.sendToWorker(addr, WorkerMessage{Op: "free-keys", Keys: []string{key}, StimulusID: stimulusID})
		}
	}

	recs := make(map[string]types.TaskState)
	for dep := range task.Dependents {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		d.HasLostDependencies = true
		delete(d.Dependencies, key)
		delete(d.WaitingOn, key)
		if d.State != types.Memory && d.State != types.Erred {
			recs[dep] = types.Forgotten
		}
	}
	for dep := range task.Dependencies {
		if d := s.tasks[dep]; d != nil {
			delete(d.Dependents, key)
			delete(d.Waiters, key)
		}
	}

	for clientID := range task.WhoWants {
		s.sendToClient(clientID, ClientMessage{Op: "cancelled-key", Key: key, StimulusID: stimulusID})
	}

	s.setGroupState(task.Group, task.State, types.Forgotten)
	group := task.Group
	delete(s.tasks, key)

	if group != nil && group.TotalTasks() == group.StateCounts[types.Forgotten] {
		delete(s.groups, group.Name)
	}

	return recs, nil
}

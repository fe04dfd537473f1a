package scheduler

import (
	"fmt"
	"time"

	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// edge identifies one entry of the transition table.
type edge struct {
	start, finish types.TaskState
}

// handlerFunc executes one transition and returns further recommended
// transitions. Handlers never block and never call out to I/O; they only
// mutate the entity store and enqueue outbound messages via
// s.sendToWorker/s.sendToClient for the caller to flush after the cascade.
type handlerFunc func(s *Scheduler, key string, stimulusID string) (map[string]types.TaskState, error)

var transitionTable = map[edge]handlerFunc{
	{types.Released, types.Waiting}:    (*Scheduler).transitionReleasedWaiting,
	{types.Waiting, types.Released}:    (*Scheduler).transitionWaitingReleased,
	{types.Released, types.Forgotten}:  (*Scheduler).transitionReleasedForgotten,
	{types.Released, types.Erred}:      (*Scheduler).transitionReleasedErred,
	{types.Erred, types.Released}:      (*Scheduler).transitionErredReleased,
	{types.Waiting, types.Processing}:  (*Scheduler).transitionWaitingProcessing,
	{types.Waiting, types.Memory}:      (*Scheduler).transitionWaitingMemory,
	{types.Processing, types.Memory}:   (*Scheduler).transitionProcessingMemory,
	{types.Processing, types.Erred}:    (*Scheduler).transitionProcessingErred,
	{types.Processing, types.Released}: (*Scheduler).transitionProcessingReleased,
	{types.NoWorker, types.Waiting}:    (*Scheduler).transitionNoWorkerWaiting,
	{types.NoWorker, types.Released}:   (*Scheduler).transitionNoWorkerReleased,
	{types.NoWorker, types.Memory}:     (*Scheduler).transitionNoWorkerMemory,
	{types.Memory, types.Released}:     (*Scheduler).transitionMemoryReleased,
	{types.Memory, types.Forgotten}:    (*Scheduler).transitionMemoryForgotten,
}

// transition atomically moves one task to finish, recursing through
// released for any (start, finish) pair absent from the table. It returns
// the recommendations the handler produced for the caller to drain via
// transitions.
func (s *Scheduler) transition(key string, finish types.TaskState, stimulusID string) (map[string]types.TaskState, error) {
	task, ok := s.tasks[key]
	if !ok {
		return nil, nil
	}
	start := task.State
	if start == finish {
		return nil, nil
	}

	handler, ok := transitionTable[edge{start, finish}]
	if !ok {
		if start == types.Released {
			return nil, fmt.Errorf("scheduler: no transition %s -> %s for %q", start, finish, key)
		}
		recs, err := s.transition(key, types.Released, stimulusID)
		if err != nil {
			return recs, err
		}
		if recs == nil {
			recs = make(map[string]types.TaskState)
		}
		recs[key] = finish
		return recs, nil
	}

	timer := metrics.NewTimer()
	recs, err := handler(s, key, stimulusID)
	timer.ObserveDuration(metrics.TransitionLatency)
	metrics.TransitionsTotal.WithLabelValues(string(start), string(finish)).Inc()

	s.recordTransition(key, start, finish, recs, stimulusID)
	s.notifyPlugins(key, start, finish, stimulusID)

	if err != nil {
		if s.cfg.Validate {
			return recs, err
		}
		s.logger.Error().Err(err).Str("task_key", key).Str("start", string(start)).Str("finish", string(finish)).Msg("transition handler error")
	}
	return recs, nil
}

// transitions drains recs to a fixed point: each popped recommendation is
// executed, and any recommendations it produces are merged back in. Order
// of pop is unspecified; convergence relies on every edge strictly
// reducing a well-founded measure (task count, waiting-on cardinality, or
// suspicious counter).
func (s *Scheduler) transitions(recs map[string]types.TaskState, stimulusID string) {
	for len(recs) > 0 {
		var key string
		var finish types.TaskState
		for k, f := range recs {
			key, finish = k, f
			break
		}
		delete(recs, key)

		more, err := s.transition(key, finish, stimulusID)
		if err != nil {
			continue
		}
		for k, f := range more {
			recs[k] = f
		}
	}
}

func (s *Scheduler) recordTransition(key string, start, finish types.TaskState, recs map[string]types.TaskState, stimulusID string) {
	entry := TransitionLogEntry{
		Key:        key,
		Start:      start,
		Finish:     finish,
		Recommend:  recs,
		StimulusID: stimulusID,
		When:       time.Now(),
	}
	s.transitionLog = append(s.transitionLog, entry)
	if over := len(s.transitionLog) - s.cfg.TransitionLogLength; over > 0 {
		s.transitionLog = s.transitionLog[over:]
	}
}

func (s *Scheduler) setGroupState(g *types.TaskGroup, from, to types.TaskState) {
	if g == nil {
		return
	}
	g.StateCounts[from]--
	g.StateCounts[to]++
}

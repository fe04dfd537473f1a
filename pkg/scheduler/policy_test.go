package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func TestValidWorkers_NilWhenUnrestricted(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.Nil(t, s.validWorkers(s.tasks["inc-1"]))
}

func TestValidWorkers_FiltersByWorkerRestriction(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.NoError(t, s.AddWorker("tcp://w2:1234", "w2", "", 4, 1<<30, nil, nil))

	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID:     "client-1",
		RunSpecs:     map[string][]byte{"inc-1": []byte("run")},
		Dependencies: map[string][]string{},
		Restrictions: map[string]*types.Restrictions{
			"inc-1": {Workers: map[string]struct{}{"tcp://w2:1234": {}}},
		},
	})

	assert.Equal(t, "tcp://w2:1234", s.tasks["inc-1"].ProcessingOn)
}

func TestRecomputeIdleSaturated_IdleWhenUnderCapacity(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))

	w := s.workers["tcp://w1:1234"]
	assert.Contains(t, s.idle, w.Address)
	assert.NotContains(t, s.saturated, w.Address)
}

func TestEstimateDuration_SeedsFromUnknownTaskDuration(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	d := s.estimateDuration(s.tasks["inc-1"])
	assert.Equal(t, s.cfg.UnknownTaskDuration, d)
}

func TestDecideWorker_ActorTaskPrefersWorkerHostingFewerActors(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.NoError(t, s.AddWorker("tcp://w2:1234", "w2", "", 4, 1<<30, nil, nil))
	s.workers["tcp://w1:1234"].Actors["other-actor"] = struct{}{}

	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID: "client-1",
		RunSpecs: map[string][]byte{"act-1": []byte("run")},
		Restrictions: map[string]*types.Restrictions{
			"act-1": {Workers: map[string]struct{}{"tcp://w1:1234": {}, "tcp://w2:1234": {}}},
		},
		Actors: map[string]bool{"act-1": true},
	})

	assert.Equal(t, "tcp://w2:1234", s.tasks["act-1"].ProcessingOn, "w2 hosts fewer actors than w1")
	assert.Contains(t, s.workers["tcp://w2:1234"].Actors, "act-1")

	s.TaskErred("act-1", "tcp://w2:1234", "RuntimeError", "traceback")
	assert.NotContains(t, s.workers["tcp://w2:1234"].Actors, "act-1", "erred actor task is dropped from its worker's actor set")
}

func TestRecordDurationObservation_UpdatesEWMA(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	task := s.tasks["inc-1"]

	s.recordDurationObservation(task, 4.0)
	assert.True(t, task.Prefix.HasAverage)
	assert.Equal(t, 4.0, task.Prefix.DurationAverage)

	s.recordDurationObservation(task, 10.0)
	assert.Equal(t, 0.5*10.0+0.5*4.0, task.Prefix.DurationAverage)
}

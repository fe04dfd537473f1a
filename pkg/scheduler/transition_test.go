package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func TestTransition_ReleasedToWaitingWithNoDeps_GoesProcessingOnceWorkerJoins(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.Equal(t, types.NoWorker, s.tasks["inc-1"].State)

	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))

	assert.Equal(t, types.Processing, s.tasks["inc-1"].State)
	assert.Equal(t, "tcp://w1:1234", s.tasks["inc-1"].ProcessingOn)
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_ProcessingToMemory(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["inc-1"].State)

	s.TaskFinished("inc-1", "tcp://w1:1234", 128)

	task := s.tasks["inc-1"]
	assert.Equal(t, types.Memory, task.State)
	assert.Contains(t, task.WhoHas, "tcp://w1:1234")
	assert.True(t, s.workers["tcp://w1:1234"].HasWhat.Has("inc-1"))
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_ProcessingToErred_RetriesBeforeFinalErred(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.tasks["inc-1"].Retries = 1

	s.TaskErred("inc-1", "tcp://w1:1234", "ValueError", "traceback")
	assert.Equal(t, types.Processing, s.tasks["inc-1"].State, "first failure retries, rescheduling onto the same idle worker")

	s.TaskErred("inc-1", "tcp://w1:1234", "ValueError", "traceback")
	assert.Equal(t, types.Erred, s.tasks["inc-1"].State)
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_DependentWaitsForDependency(t *testing.T) {
	s := newTestScheduler()
	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID:     "client-1",
		RunSpecs:     map[string][]byte{"a": []byte("run"), "b": []byte("run")},
		Dependencies: map[string][]string{"b": {"a"}},
	})

	assert.Equal(t, types.NoWorker, s.tasks["a"].State)
	assert.Equal(t, types.Waiting, s.tasks["b"].State)
	assert.Contains(t, s.tasks["b"].WaitingOn, "a")

	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["a"].State)

	s.TaskFinished("a", "tcp://w1:1234", 8)
	assert.Equal(t, types.Processing, s.tasks["b"].State, "b should now be scheduled since its only dependency is in memory")
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_ProcessingMemory_ReleasesUnwantedDependencyOnceConsumed(t *testing.T) {
	s := newTestScheduler()
	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID:     "client-1",
		RunSpecs:     map[string][]byte{"a": []byte("run"), "b": []byte("run")},
		Dependencies: map[string][]string{"b": {"a"}},
	})
	// client-1 only cares about b's result; a is purely an intermediate.
	s.ClientReleasesKeys("client-1", []string{"a"})
	assert.Empty(t, s.tasks["a"].WhoWants)

	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["a"].State)

	s.TaskFinished("a", "tcp://w1:1234", 8)
	assert.Equal(t, types.Memory, s.tasks["a"].State, "a is still held until b has consumed it")
	assert.Equal(t, types.Processing, s.tasks["b"].State)

	s.TaskFinished("b", "tcp://w1:1234", 8)
	assert.Equal(t, types.Memory, s.tasks["b"].State)
	assert.Equal(t, types.Released, s.tasks["a"].State, "a should be released once b (its only waiter/wanter) no longer needs it")
	assert.Empty(t, s.tasks["a"].WhoHas)
	assert.False(t, s.workers["tcp://w1:1234"].HasWhat.Has("a"))
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_WorkerDeathReleasesProcessingTasks(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.NoError(t, s.AddWorker("tcp://w2:1234", "w2", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["inc-1"].State)

	assert.NoError(t, s.RemoveWorker(s.tasks["inc-1"].ProcessingOn, "test-removal"))

	assert.Equal(t, types.Processing, s.tasks["inc-1"].State, "should have been rescheduled onto the surviving worker")
	assert.NoError(t, s.ValidateInvariants())
}

func TestTransition_RemoveClientForgetsUnwantedTask(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")

	s.RemoveClient("client-1")

	_, exists := s.tasks["inc-1"]
	assert.False(t, exists, "task with no remaining interest should be forgotten")
}

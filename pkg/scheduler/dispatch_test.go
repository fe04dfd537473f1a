package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func TestAddKeys_IntegratesReplicaAndMovesToMemory(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.tasks["a"] = types.NewTask("a") // released, no worker assignment yet

	s.AddKeys("tcp://w1:1234", []string{"a"}, map[string]int64{"a": 256})

	assert.Equal(t, types.Memory, s.tasks["a"].State)
	assert.True(t, s.workers["tcp://w1:1234"].HasWhat.Has("a"))
	assert.NoError(t, s.ValidateInvariants())
}

func TestReleaseWorkerData_DropsReplicaAndReleasesIfUnique(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	submitSingle(s, "client-1", "a")
	s.TaskFinished("a", "tcp://w1:1234", 64)
	assert.Equal(t, types.Memory, s.tasks["a"].State)

	s.ReleaseWorkerData("a", "tcp://w1:1234")

	assert.NotContains(t, s.tasks["a"].WhoHas, "tcp://w1:1234")
	assert.False(t, s.workers["tcp://w1:1234"].HasWhat.Has("a"))
	assert.NoError(t, s.ValidateInvariants())
}

func TestMissingData_DropsReplicaFromErrantWorker(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	submitSingle(s, "client-1", "a")
	s.TaskFinished("a", "tcp://w1:1234", 64)

	s.MissingData("a", "tcp://w1:1234")

	assert.NotContains(t, s.tasks["a"].WhoHas, "tcp://w1:1234")
	assert.Equal(t, types.Released, s.tasks["a"].State)
}

func TestLongRunning_ExcludesTaskFromWorkerProcessing(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "a")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	w := s.workers["tcp://w1:1234"]
	assert.Contains(t, w.Processing, "a")

	s.LongRunning("a", "tcp://w1:1234", 12.5)

	assert.Contains(t, w.LongRunning, "a")
	assert.NotContains(t, w.Processing, "a")
}

func TestReschedule_ReleasesTaskBackForRescheduling(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "a")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["a"].State)

	s.Reschedule("a", "tcp://w1:1234")

	assert.NotEqual(t, types.NoWorker, s.tasks["a"].State)
	assert.NoError(t, s.ValidateInvariants())
}

func TestWorkerStatusChange_NonRunningDropsWorkerFromRunningSets(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Contains(t, s.running, "tcp://w1:1234")

	s.WorkerStatusChange("tcp://w1:1234", types.WorkerClosingGracefully)
	assert.NotContains(t, s.running, "tcp://w1:1234")
	assert.Equal(t, types.WorkerClosingGracefully, s.workers["tcp://w1:1234"].Status)

	s.WorkerStatusChange("tcp://w1:1234", types.WorkerRunning)
	assert.Contains(t, s.running, "tcp://w1:1234")
}

func TestCancel_ForgetsTaskWithNoRemainingWanters(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "a")

	s.Cancel("client-1", []string{"a"}, false)

	_, exists := s.tasks["a"]
	assert.False(t, exists, "cancelling the only wanter should let the key be forgotten")
	assert.NotContains(t, s.clients["client-1"].WantsWhat, "a")
}

func TestCancel_ForceCancelsDependentsRecursively(t *testing.T) {
	s := newTestScheduler()
	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID:     "client-1",
		RunSpecs:     map[string][]byte{"a": []byte("run"), "b": []byte("run")},
		Dependencies: map[string][]string{"b": {"a"}},
	})

	s.Cancel("client-1", []string{"a"}, true)

	_, aExists := s.tasks["a"]
	_, bExists := s.tasks["b"]
	assert.False(t, aExists, "the force-cancelled root must itself be forgotten once its dependent clears the back-edge")
	assert.False(t, bExists, "force cancel must cascade to dependents")
}

func TestRetry_ResetsErredTaskToReleasedThenWaiting(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "a")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.tasks["a"].Retries = 0
	s.TaskErred("a", "tcp://w1:1234", "ValueError", "traceback")
	assert.Equal(t, types.Erred, s.tasks["a"].State)

	s.Retry([]string{"a"})

	assert.NotEqual(t, types.Erred, s.tasks["a"].State)
}

func TestSubscribeTopic_ReturnsPublishedEventMessages(t *testing.T) {
	s := newTestScheduler()
	s.feed.Start()
	defer s.feed.Stop()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Eventually(t, func() bool { return len(s.feed.Events("workers")) > 0 }, time.Second, 5*time.Millisecond)

	messages, err := s.SubscribeTopic("workers")
	assert.NoError(t, err)
	assert.Contains(t, messages, "tcp://w1:1234")
}

type recordingPlugin struct {
	transitions []string
}

func (p *recordingPlugin) Transition(key string, start, finish types.TaskState, stimulusID string) {
	p.transitions = append(p.transitions, key)
}

func TestRegisterPlugin_ReceivesTransitionNotifications(t *testing.T) {
	s := newTestScheduler()
	p := &recordingPlugin{}
	s.RegisterPlugin(p)

	submitSingle(s, "client-1", "a")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))

	assert.Contains(t, p.transitions, "a")
}

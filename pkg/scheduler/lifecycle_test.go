package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func TestAddWorker_DuplicateAddressRejected(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Error(t, s.AddWorker("tcp://w1:1234", "w1-again", "", 4, 1<<30, nil, nil))
}

func TestAddWorker_DuplicateNameRejected(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "dup", "", 4, 1<<30, nil, nil))
	assert.Error(t, s.AddWorker("tcp://w2:1234", "dup", "", 4, 1<<30, nil, nil))
}

func TestAddWorker_IntegratesAlreadyHeldReplica(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.Equal(t, types.NoWorker, s.tasks["inc-1"].State)

	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30,
		[]string{"inc-1"}, map[string]int64{"inc-1": 64}))

	task := s.tasks["inc-1"]
	assert.Equal(t, types.Memory, task.State)
	assert.Contains(t, task.WhoHas, "tcp://w1:1234")
	assert.True(t, s.workers["tcp://w1:1234"].HasWhat.Has("inc-1"))
	assert.NoError(t, s.ValidateInvariants())
}

func TestRemoveClient_FireAndForgetTaskSurvivesDisconnect(t *testing.T) {
	s := newTestScheduler()
	s.AddClient("client-1")
	s.IngestGraph(GraphSubmission{
		ClientID:      "client-1",
		RunSpecs:      map[string][]byte{"a": []byte("run")},
		FireAndForget: map[string]bool{"a": true},
	})
	assert.Contains(t, s.tasks["a"].WhoWants, types.FireAndForgetClientID)

	s.RemoveClient("client-1")

	task, exists := s.tasks["a"]
	assert.True(t, exists, "fire-and-forget task must survive its submitting client's disconnect")
	assert.Contains(t, task.WhoWants, types.FireAndForgetClientID)
	assert.NotContains(t, task.WhoWants, "client-1")
}

func TestRemoveWorker_UnknownAddressErrors(t *testing.T) {
	s := newTestScheduler()
	assert.Error(t, s.RemoveWorker("tcp://ghost:1234", "test"))
}

func TestRemoveWorker_ErrsTaskAfterExhaustingAllowedFailures(t *testing.T) {
	s := newTestScheduler()
	s.cfg.AllowedFailures = 0
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	assert.Equal(t, types.Processing, s.tasks["inc-1"].State)

	assert.NoError(t, s.RemoveWorker("tcp://w1:1234", "test-removal"))

	assert.Equal(t, types.Erred, s.tasks["inc-1"].State)
	assert.NoError(t, s.ValidateInvariants())
}

func TestRemoveWorker_DropsReplicasAndReleasesOrphanedTask(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.TaskFinished("inc-1", "tcp://w1:1234", 8)
	assert.Equal(t, types.Memory, s.tasks["inc-1"].State)

	assert.NoError(t, s.RemoveWorker("tcp://w1:1234", "test-removal"))

	assert.Equal(t, types.Released, s.tasks["inc-1"].State)
	assert.Empty(t, s.tasks["inc-1"].WhoHas)
}

func TestHeartbeat_UnknownWorkerErrors(t *testing.T) {
	s := newTestScheduler()
	assert.Error(t, s.Heartbeat("tcp://ghost:1234", 0, nil, 0))
}

func TestHeartbeat_UpdatesLivenessAndMemoryHistory(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))

	before := s.workers["tcp://w1:1234"].LastSeen
	time.Sleep(time.Millisecond)
	assert.NoError(t, s.Heartbeat("tcp://w1:1234", 1024, nil, 0))

	w := s.workers["tcp://w1:1234"]
	assert.True(t, w.LastSeen.After(before))
	latest, ok := w.ProcessMemory.Latest()
	assert.True(t, ok)
	assert.Equal(t, int64(1024), latest)
}

func TestAddClient_IsIdempotent(t *testing.T) {
	s := newTestScheduler()
	s.AddClient("client-1")
	s.AddClient("client-1")
	assert.Len(t, s.clients, 1)
}

func TestClientDesiresKeys_SurvivesWithoutDependent(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	s.AddClient("client-2")
	s.ClientDesiresKeys("client-2", []string{"inc-1"})

	s.RemoveClient("client-1")
	_, exists := s.tasks["inc-1"]
	assert.True(t, exists, "client-2 still wants inc-1")
}

func TestClientReleasesKeys_ForgetsUnwantedTask(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")

	s.ClientReleasesKeys("client-1", []string{"inc-1"})

	_, exists := s.tasks["inc-1"]
	assert.False(t, exists)
}

func TestRetireWorker_ReturnsUniqueKeysAndStopsScheduling(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.TaskFinished("inc-1", "tcp://w1:1234", 8)

	unique, err := s.RetireWorker("tcp://w1:1234")
	assert.NoError(t, err)
	assert.Equal(t, []string{"inc-1"}, unique)
	assert.Equal(t, types.WorkerClosingGracefully, s.workers["tcp://w1:1234"].Status)
	assert.NotContains(t, s.running, "tcp://w1:1234")
}

func TestAbortRetirement_RestoresRunningStatus(t *testing.T) {
	s := newTestScheduler()
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	_, err := s.RetireWorker("tcp://w1:1234")
	assert.NoError(t, err)

	s.AbortRetirement("tcp://w1:1234")

	assert.Equal(t, types.WorkerRunning, s.workers["tcp://w1:1234"].Status)
	assert.Contains(t, s.running, "tcp://w1:1234")
}

func TestRetirementPollInterval(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, RetirementPollInterval(5))
	assert.Equal(t, time.Second, RetirementPollInterval(50))
	assert.Equal(t, 5*time.Second, RetirementPollInterval(500))
}

func TestRestart_ClearsAllState(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")
	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))

	s.Restart()

	assert.Empty(t, s.tasks)
	assert.Empty(t, s.workers)
	assert.Empty(t, s.groups)
	assert.Empty(t, s.clients["client-1"].WantsWhat)
}

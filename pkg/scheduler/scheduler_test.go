package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/taskgraphio/scheduler/pkg/config"
	"github.com/taskgraphio/scheduler/pkg/types"
)

func newTestScheduler() *Scheduler {
	cfg := config.Default()
	cfg.Validate = true
	return New(cfg)
}

func submitSingle(s *Scheduler, clientID, key string, deps ...string) {
	s.AddClient(clientID)
	s.IngestGraph(GraphSubmission{
		ClientID:     clientID,
		RunSpecs:     map[string][]byte{key: []byte("run")},
		Dependencies: map[string][]string{key: deps},
	})
}

func TestNew_EmptyScheduler(t *testing.T) {
	s := newTestScheduler()
	assert.Empty(t, s.tasks)
	assert.Empty(t, s.workers)
	assert.NoError(t, s.ValidateInvariants())
}

func TestHeartbeatInterval(t *testing.T) {
	tests := []struct {
		name     string
		workers  int
		expected string
	}{
		{"small cluster", 5, "500ms"},
		{"medium cluster", 30, "1s"},
		{"large cluster", 150, "2s"},
		{"huge cluster", 400, "3s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, heartbeatInterval(tt.workers).String())
		})
	}
}

func TestIngestGraph_SingleTaskNoWorkerParksInNoWorker(t *testing.T) {
	s := newTestScheduler()
	submitSingle(s, "client-1", "inc-1")

	task := s.tasks["inc-1"]
	assert.NotNil(t, task)
	assert.Equal(t, types.NoWorker, task.State)
}

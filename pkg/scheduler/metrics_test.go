package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollectMetrics_RunsWithoutPanickingOnEmptyAndPopulatedCluster(t *testing.T) {
	s := newTestScheduler()
	assert.NotPanics(t, s.collectMetrics, "collectMetrics must tolerate an empty cluster")

	assert.NoError(t, s.AddWorker("tcp://w1:1234", "w1", "", 4, 1<<30, nil, nil))
	s.workers["tcp://w1:1234"].ProcessMemory.Push(1 << 20)
	submitSingle(s, "client-1", "a")

	assert.NotPanics(t, s.collectMetrics)
}

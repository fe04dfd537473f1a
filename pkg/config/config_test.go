package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3, cfg.AllowedFailures)
	assert.Equal(t, "optimistic", cfg.Rebalance.Measure)
	assert.Equal(t, 5*time.Minute, cfg.WorkerTTL.AsDuration())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	content := []byte(`
allowed-failures: 5
worker-ttl: 45s
default-task-durations:
  "inc-x": 0.1
worker-memory-rebalance:
  sender-min: 0.5
`)
	assert.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 5, cfg.AllowedFailures)
	assert.Equal(t, 45*time.Second, cfg.WorkerTTL.AsDuration())
	assert.Equal(t, 0.1, cfg.DefaultTaskDurations["inc-x"])
	assert.Equal(t, 0.5, cfg.Rebalance.SenderMin)
	// Fields untouched by the file keep their defaults.
	assert.Equal(t, 1000, cfg.EventsLogLength)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/scheduler.yaml")
	assert.Error(t, err)
}

func TestDuration_UnmarshalYAML_BareSeconds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	assert.NoError(t, os.WriteFile(path, []byte("worker-ttl: 10\n"), 0o644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.WorkerTTL.AsDuration())
}

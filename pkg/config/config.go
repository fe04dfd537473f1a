// Package config loads the scheduler's tunables from a YAML file, the way
// warren's apply command parses its resource manifests: a plain struct
// decoded with gopkg.in/yaml.v3, with defaults filled in for anything the
// file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RebalanceConfig holds the worker.memory.rebalance.* and
// recent-to-old-time tunables governing pkg/rebalance.
type RebalanceConfig struct {
	Measure            string  `yaml:"measure"`
	SenderMin          float64 `yaml:"sender-min"`
	RecipientMax       float64 `yaml:"recipient-max"`
	SenderRecipientGap float64 `yaml:"sender-recipient-gap"`
	RecentToOldTime    Duration `yaml:"recent-to-old-time"`
}

// Config is the complete set of scheduler tunables enumerated in the
// external interface contract.
type Config struct {
	// Bandwidth seeds the per-cluster bandwidth EWMA, in bytes/second.
	Bandwidth float64 `yaml:"bandwidth"`

	// DefaultDataSize is the assumed nbytes for a task whose size is
	// unknown (-1).
	DefaultDataSize int64 `yaml:"default-data-size"`

	// UnknownTaskDuration seeds the duration estimate for a prefix with
	// no observations yet, in seconds.
	UnknownTaskDuration float64 `yaml:"unknown-task-duration"`

	// DefaultTaskDurations maps a task prefix name to a seed duration in
	// seconds, taking priority over UnknownTaskDuration.
	DefaultTaskDurations map[string]float64 `yaml:"default-task-durations"`

	// WorkerTTL: a worker not heard from within this long (and at least
	// 10x its expected heartbeat interval) is removed.
	WorkerTTL Duration `yaml:"worker-ttl"`

	// AllowedFailures is the number of times a task may be retried
	// after a worker death before it is marked erred.
	AllowedFailures int `yaml:"allowed-failures"`

	// TransitionLogLength bounds the in-memory transition log.
	TransitionLogLength int `yaml:"transition-log-length"`

	// EventsLogLength bounds the per-topic event log retained by
	// pkg/feed.
	EventsLogLength int `yaml:"events-log-length"`

	// EventsCleanupDelay is how long an unsubscribed topic's event log
	// lingers before being purged.
	EventsCleanupDelay Duration `yaml:"events-cleanup-delay"`

	// ComputationsMaxHistory bounds the deque of retained Computations.
	ComputationsMaxHistory int `yaml:"computations-max-history"`

	// Validate makes the transition engine return a handler's error to
	// its caller instead of logging it and continuing. It does not run
	// invariant assertions after transitions; ValidateInvariants is only
	// run when called explicitly.
	Validate bool `yaml:"validate"`

	// WorkStealing records whether the stealing extension is installed.
	// Stealing itself is an external collaborator, and the core scheduler
	// does not read this setting.
	WorkStealing bool `yaml:"work-stealing"`

	Rebalance RebalanceConfig `yaml:"worker-memory-rebalance"`
}

// Duration wraps time.Duration so YAML can decode strings like "30s" as
// well as bare seconds as a number.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("config: unsupported duration value %v", raw)
	}
	return nil
}

// AsDuration returns d as a time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration the cluster starts with absent an
// override file, mirroring the reference defaults named in the external
// interface contract.
func Default() *Config {
	return &Config{
		Bandwidth:              100_000_000,
		DefaultDataSize:        1000,
		UnknownTaskDuration:    0.5,
		DefaultTaskDurations:   map[string]float64{},
		WorkerTTL:              Duration(5 * time.Minute),
		AllowedFailures:        3,
		TransitionLogLength:    100_000,
		EventsLogLength:        1000,
		EventsCleanupDelay:     Duration(1 * time.Hour),
		ComputationsMaxHistory: 100,
		Validate:               false,
		WorkStealing:           true,
		Rebalance: RebalanceConfig{
			Measure:            "optimistic",
			SenderMin:          0.3,
			RecipientMax:       0.6,
			SenderRecipientGap: 0.3,
			RecentToOldTime:    Duration(30 * time.Second),
		},
	}
}

// Load reads and parses a YAML config file, starting from Default and
// overlaying whatever the file specifies.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

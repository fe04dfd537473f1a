// Package scheduler is the single long-lived object that owns the
// cluster's entity store and drives every task through its state machine.
// Every exported method that touches shared state is documented as either
// a transition-table handler (cascades, never blocks) or a stimulus entry
// point (computes a batch of recommendations, then flushes outbound
// messages once the cascade settles). See doc.go for the execution model.
package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taskgraphio/scheduler/pkg/config"
	"github.com/taskgraphio/scheduler/pkg/feed"
	"github.com/taskgraphio/scheduler/pkg/log"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// Scheduler is the cluster's entity store plus every operation that
// mutates it. A single goroutine is expected to drive its stimulus
// methods (TaskFinished, AddWorker, IngestGraph, ...) serially (see doc.go); mu exists only to let read-only introspection
// (status endpoints, tests) run concurrently with that goroutine.
type Scheduler struct {
	cfg    *config.Config
	logger zerolog.Logger
	feed   *feed.Broker

	mu sync.RWMutex

	tasks      map[string]*types.Task
	prefixes   map[string]*types.TaskPrefix
	groups     map[string]*types.TaskGroup
	workers    map[string]*types.Worker
	clients    map[string]*types.Client
	computations []*types.Computation

	running map[string]*types.Worker // subset of workers with Status == running
	idle    map[string]*types.Worker // subset of running with spare capacity
	saturated map[string]struct{}    // subset of running considered saturated

	totalNThreads   int
	totalOccupancy  float64
	bandwidth       float64
	unknownDurations map[string]map[string]struct{} // prefix -> set of parked task keys

	generation int64 // monotonic FIFO counter for Priority.Generation

	transitionLog []TransitionLogEntry

	plugins []Plugin

	rebalances map[string]*pendingRebalance // stimulus id -> in-flight rebalance acks pending

	outboundWorker map[string][]WorkerMessage
	outboundClient map[string][]ClientMessage

	stopCh chan struct{}
}

// TransitionLogEntry records one executed edge for introspection and
// debugging, bounded to cfg.TransitionLogLength entries.
type TransitionLogEntry struct {
	Key        string
	Start      types.TaskState
	Finish     types.TaskState
	Recommend  map[string]types.TaskState
	StimulusID string
	When       time.Time
}

// New creates a Scheduler with empty entity tables, ready to accept
// lifecycle calls. Start must be called to run the housekeeping loop.
func New(cfg *config.Config) *Scheduler {
	s := &Scheduler{
		cfg:              cfg,
		logger:           log.WithComponent("scheduler"),
		feed:             feed.NewBroker(cfg.EventsLogLength, cfg.EventsCleanupDelay.AsDuration()),
		tasks:            make(map[string]*types.Task),
		prefixes:         make(map[string]*types.TaskPrefix),
		groups:           make(map[string]*types.TaskGroup),
		workers:          make(map[string]*types.Worker),
		clients:          make(map[string]*types.Client),
		running:          make(map[string]*types.Worker),
		idle:             make(map[string]*types.Worker),
		saturated:        make(map[string]struct{}),
		bandwidth:        cfg.Bandwidth,
		unknownDurations: make(map[string]map[string]struct{}),
		rebalances:       make(map[string]*pendingRebalance),
		outboundWorker:   make(map[string][]WorkerMessage),
		outboundClient:   make(map[string][]ClientMessage),
		stopCh:           make(chan struct{}),
	}
	s.clients[types.FireAndForgetClientID] = types.NewClient(types.FireAndForgetClientID)
	return s
}

// Feed returns the broker external consumers subscribe to for
// diagnostics/transition notifications.
func (s *Scheduler) Feed() *feed.Broker {
	return s.feed
}

// Start begins the housekeeping loop (TTL checks, occupancy
// re-evaluation, metrics snapshot) and the event feed's dispatch loop.
func (s *Scheduler) Start() {
	s.feed.Start()
	go s.run()
}

// Stop halts the housekeeping loop and event feed, notifying plugins'
// before_close/close hooks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.notifyClose()
	s.mu.Unlock()
	close(s.stopCh)
	s.feed.Stop()
}

func (s *Scheduler) run() {
	heartbeatTicker := time.NewTicker(heartbeatInterval(0))
	defer heartbeatTicker.Stop()

	occupancyTicker := time.NewTicker(time.Second)
	defer occupancyTicker.Stop()

	metricsTicker := time.NewTicker(5 * time.Second)
	defer metricsTicker.Stop()

	for {
		select {
		case <-heartbeatTicker.C:
			s.mu.Lock()
			n := len(s.workers)
			s.mu.Unlock()
			heartbeatTicker.Reset(heartbeatInterval(n))
			s.checkWorkerTTL()
		case <-occupancyTicker.C:
			s.reevaluateOccupancy()
		case <-metricsTicker.C:
			s.collectMetrics()
		case <-s.stopCh:
			return
		}
	}
}

// heartbeatInterval scales with worker count per spec.md §4.5:
// 0.5s up to 10 workers, 1s up to 50, 2s up to 200, n/200+1s beyond.
func heartbeatInterval(nWorkers int) time.Duration {
	switch {
	case nWorkers <= 10:
		return 500 * time.Millisecond
	case nWorkers <= 50:
		return time.Second
	case nWorkers <= 200:
		return 2 * time.Second
	default:
		return time.Duration((float64(nWorkers)/200 + 1) * float64(time.Second))
	}
}

func (s *Scheduler) nextGeneration() int64 {
	s.generation++
	return s.generation
}

func (s *Scheduler) newStimulusID() string {
	return uuid.New().String()
}

func (s *Scheduler) publish(topic string, eventType feed.EventType, stimulusID, message string) {
	s.feed.Publish(&feed.Event{
		Topic:      topic,
		Type:       eventType,
		Message:    message,
		StimulusID: stimulusID,
	})
}

// Package types holds the scheduler's entity store: the plain data model for
// tasks, workers, clients and their cross-referenced statistics. Ownership of
// every entity lives with the scheduler; these are logical back-pointers, not
// owned cycles (see OrderedSet, the insertion-ordered container behind a
// worker's has_what).
package types

import "time"

// TaskState is one of the six states (plus forgotten, which is terminal
// removal rather than a resting state) a Task can occupy.
type TaskState string

const (
	Released   TaskState = "released"
	Waiting    TaskState = "waiting"
	NoWorker   TaskState = "no-worker"
	Processing TaskState = "processing"
	Memory     TaskState = "memory"
	Erred      TaskState = "erred"
	Forgotten  TaskState = "forgotten"
)

// Priority is the lexicographic tuple (-user_priority, generation,
// graph_order) used to order tasks within a worker's ready queue. Lower
// sorts first. NegUserPriority is stored already negated so that plain
// ascending comparison gives "higher user priority runs first".
type Priority struct {
	NegUserPriority int64
	Generation      int64
	GraphOrder      float64
}

// Less reports whether p sorts before o.
func (p Priority) Less(o Priority) bool {
	if p.NegUserPriority != o.NegUserPriority {
		return p.NegUserPriority < o.NegUserPriority
	}
	if p.Generation != o.Generation {
		return p.Generation < o.Generation
	}
	return p.GraphOrder < o.GraphOrder
}

// Restrictions captures a task's placement constraints.
type Restrictions struct {
	Workers   map[string]struct{} // allowed worker addresses, nil = unrestricted
	Hosts     map[string]struct{} // allowed hosts, nil = unrestricted
	Resources map[string]float64  // resource name -> required quantity
	Loose     bool                // if true, fall back to any worker when unsatisfiable
}

// Empty reports whether the restriction set constrains placement at all.
func (r *Restrictions) Empty() bool {
	return r == nil || (len(r.Workers) == 0 && len(r.Hosts) == 0 && len(r.Resources) == 0)
}

// Task is a single node of a submitted DAG, keyed by an opaque string.
type Task struct {
	Key      string
	RunSpec  []byte // opaque, forwarded verbatim to the worker
	Priority Priority
	State    TaskState

	Dependencies map[string]struct{} // keys this task waits on
	Dependents   map[string]struct{} // keys that wait on this task
	WaitingOn    map[string]struct{} // subset of Dependencies not yet satisfied
	Waiters      map[string]struct{} // subset of Dependents still waiting

	WhoWants map[string]struct{} // client ids interested in the result
	WhoHas   map[string]struct{} // worker addresses holding a replica

	ProcessingOn string // worker address, "" unless State == Processing

	NBytes int64 // -1 = unknown

	Retries             int
	Suspicious          int
	HasLostDependencies bool

	Restrictions *Restrictions
	Actor        bool
	Annotations  map[string]string

	Exception      string
	Traceback      string
	ExceptionBlame string // key of the task that originated the error

	Prefix *TaskPrefix
	Group  *TaskGroup

	CreatedAt time.Time
}

// NewTask creates a Task with its sets initialized, in the Released state.
func NewTask(key string) *Task {
	return &Task{
		Key:          key,
		State:        Released,
		Dependencies: make(map[string]struct{}),
		Dependents:   make(map[string]struct{}),
		WaitingOn:    make(map[string]struct{}),
		Waiters:      make(map[string]struct{}),
		WhoWants:     make(map[string]struct{}),
		WhoHas:       make(map[string]struct{}),
		NBytes:       -1,
		CreatedAt:    time.Now(),
	}
}

// TaskPrefix holds per-function statistics, shared across every TaskGroup
// whose key shares the same leading segment (typically the function name).
type TaskPrefix struct {
	Name string

	// DurationAverage is an exponentially-weighted moving average of
	// observed compute durations, in seconds. HasAverage is false until the
	// first observation lands, so callers know to fall back to a seed.
	DurationAverage float64
	HasAverage      bool

	// DurationsByAction accumulates total seconds spent in each of
	// "compute", "deserialize" and similar worker-reported actions.
	DurationsByAction map[string]float64

	Suspicious int
}

// NewTaskPrefix creates an empty TaskPrefix.
func NewTaskPrefix(name string) *TaskPrefix {
	return &TaskPrefix{
		Name:              name,
		DurationsByAction: make(map[string]float64),
	}
}

// TaskGroup is a per-invocation cohort of tasks sharing a key-group suffix.
type TaskGroup struct {
	Name   string
	Prefix *TaskPrefix

	// StateCounts is keyed by TaskState (plus Forgotten) and counts the
	// tasks currently in each state.
	StateCounts map[TaskState]int

	Dependencies map[*TaskGroup]struct{}

	NBytesTotal   int64
	DurationTotal float64

	Start time.Time
	Stop  time.Time

	// LastWorker/Remaining implement the root-task co-location quota: the
	// worker this group was last assigned to, and how many more tasks may
	// still land there before the quota resets.
	LastWorker string
	Remaining  int
}

// NewTaskGroup creates an empty TaskGroup linked to prefix.
func NewTaskGroup(name string, prefix *TaskPrefix) *TaskGroup {
	return &TaskGroup{
		Name:         name,
		Prefix:       prefix,
		StateCounts:  make(map[TaskState]int),
		Dependencies: make(map[*TaskGroup]struct{}),
	}
}

// TotalTasks sums the state-count vector, including Forgotten.
func (g *TaskGroup) TotalTasks() int {
	n := 0
	for _, c := range g.StateCounts {
		n += c
	}
	return n
}

// WorkerStatus is the lifecycle status of a connected worker.
type WorkerStatus string

const (
	WorkerInit              WorkerStatus = "init"
	WorkerRunning           WorkerStatus = "running"
	WorkerPaused            WorkerStatus = "paused"
	WorkerClosingGracefully WorkerStatus = "closing_gracefully"
	WorkerClosed            WorkerStatus = "closed"
)

// Worker is a connected compute node, keyed by address.
type Worker struct {
	Address      string
	Name         string
	NannyAddress string
	Status       WorkerStatus

	NThreads    int
	MemoryLimit int64

	// ProcessMemory is a bounded ring of recent RSS observations, used to
	// derive the optimistic-memory measure in pkg/rebalance.
	ProcessMemory *Ring

	LastSeen   time.Time
	ClockDelay time.Duration

	Occupancy float64 // seconds of expected remaining work

	Processing  map[string]float64   // task key -> estimated cost
	Executing   map[string]time.Time // task key -> start time
	LongRunning map[string]struct{}

	HasWhat *OrderedSet // insertion-ordered set of task keys held in memory
	NBytes  int64       // sum of NBytes over HasWhat

	// Actors holds the keys of actor tasks currently hosted on this worker
	// (assigned at waiting->processing, discarded at processing->erred,
	// memory->released and forget). Consulted by worker_objective's
	// actor-count tie-break.
	Actors map[string]struct{}

	Resources     map[string]float64
	UsedResources map[string]float64

	Bandwidth float64

	Extra    map[string]string
	Versions map[string]string
}

// NewWorker creates a Worker with its containers initialized.
func NewWorker(address string, nthreads int, memoryLimit int64, historySize int) *Worker {
	return &Worker{
		Address:       address,
		Status:        WorkerRunning,
		NThreads:      nthreads,
		MemoryLimit:   memoryLimit,
		ProcessMemory: NewRing(historySize),
		LastSeen:      time.Now(),
		Processing:    make(map[string]float64),
		Executing:     make(map[string]time.Time),
		LongRunning:   make(map[string]struct{}),
		HasWhat:       NewOrderedSet(),
		Actors:        make(map[string]struct{}),
		Resources:     make(map[string]float64),
		UsedResources: make(map[string]float64),
		Extra:         make(map[string]string),
		Versions:      make(map[string]string),
	}
}

// ProcessingCount returns the number of tasks currently assigned.
func (w *Worker) ProcessingCount() int {
	return len(w.Processing)
}

// Client is a connected submitter, keyed by an opaque id.
type Client struct {
	ID        string
	WantsWhat map[string]struct{}
	LastSeen  time.Time
	Versions  map[string]string
}

// NewClient creates a Client with its WantsWhat set initialized.
func NewClient(id string) *Client {
	return &Client{
		ID:        id,
		WantsWhat: make(map[string]struct{}),
		LastSeen:  time.Now(),
		Versions:  make(map[string]string),
	}
}

// FireAndForgetClientID is the synthetic client that owns fire-and-forget
// tasks: anything it wants survives until the task completes or errs, even
// with no real submitter still connected.
const FireAndForgetClientID = "fire-and-forget"

// Computation is a logical submission: a set of TaskGroups created by one
// update-graph call, retained in a bounded deque for introspection.
type Computation struct {
	ID     string
	Groups map[*TaskGroup]struct{}
	Start  time.Time
	Stop   time.Time

	// CodeSnippets is capped at a small fixed count by the caller; it is
	// not itself the bounded history (config.ComputationsMaxHistory
	// governs how many Computations are retained).
	CodeSnippets []string

	Annotations map[string]string
}

// NewComputation creates an empty Computation.
func NewComputation(id string) *Computation {
	return &Computation{
		ID:          id,
		Groups:      make(map[*TaskGroup]struct{}),
		Start:       time.Now(),
		Annotations: make(map[string]string),
	}
}

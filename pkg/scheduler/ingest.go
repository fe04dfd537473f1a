package scheduler

import (
	"time"

	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// GraphSubmission is one flattened update-graph request.
type GraphSubmission struct {
	ClientID     string
	RunSpecs     map[string][]byte
	Dependencies map[string][]string
	Priorities   map[string]int64 // user priority per key, default 0
	Restrictions map[string]*types.Restrictions
	Retries      map[string]int
	Actors       map[string]bool
	Annotations  map[string]map[string]string
	// FireAndForget marks keys whose result must survive even after
	// ClientID disconnects, by additionally registering the synthetic
	// fire-and-forget client as a wanter (see types.FireAndForgetClientID).
	FireAndForget map[string]bool
	ComputationID string
	FIFOTimeout  time.Duration
}

var defaultFIFOTimeout = 100 * time.Millisecond

// IngestGraph runs the graph-ingestion procedure of SPEC_FULL.md §4.2:
// alias removal, stale-dependency cancellation, Task/TaskGroup/TaskPrefix
// creation, annotation application, and FIFO generation assignment, then
// drains the resulting recommendations to a fixed point. Keys already in
// the task table, in any state, get no new recommendation; the submission
// is not pruned of the parts that only feed keys already in memory.
func (s *Scheduler) IngestGraph(sub GraphSubmission) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GraphIngestDuration)

	stimulusID := s.newStimulusID()

	runSpecs := removeAliases(sub.RunSpecs)

	s.cancelStaleDependencies(sub.ClientID, runSpecs, sub.Dependencies, stimulusID)

	comp := s.computationFor(sub.ComputationID)

	if sub.FIFOTimeout <= 0 {
		sub.FIFOTimeout = defaultFIFOTimeout
	}
	s.maybeAdvanceGeneration(sub.ClientID, sub.FIFOTimeout)
	generation := s.generation

	order := int64(0)
	recs := make(map[string]types.TaskState)
	isNew := make(map[string]bool, len(runSpecs))

	// Pass 1: create every Task object first. Dependency wiring below
	// looks up s.tasks[dep], so every key in this submission must already
	// be a Task before any dependency edges are attached — Go map
	// iteration order is unspecified, so this cannot be one pass.
	for key, spec := range runSpecs {
		task, existed := s.tasks[key]
		if !existed {
			task = types.NewTask(key)
			task.RunSpec = spec
			task.Prefix, task.Group = s.prefixAndGroup(key)
			comp.Groups[task.Group] = struct{}{}
			s.tasks[key] = task
			task.Group.StateCounts[types.Released]++
		} else if task.RunSpec == nil {
			task.RunSpec = spec
		}
		isNew[key] = !existed
	}

	for key := range runSpecs {
		task := s.tasks[key]

		order++
		task.Priority = types.Priority{
			NegUserPriority: -sub.Priorities[key],
			Generation:      generation,
			GraphOrder:      float64(order),
		}

		task.WhoWants[sub.ClientID] = struct{}{}
		if c := s.clients[sub.ClientID]; c != nil {
			c.WantsWhat[key] = struct{}{}
		}
		if sub.FireAndForget[key] {
			task.WhoWants[types.FireAndForgetClientID] = struct{}{}
			s.clients[types.FireAndForgetClientID].WantsWhat[key] = struct{}{}
		}

		for _, dep := range sub.Dependencies[key] {
			task.Dependencies[dep] = struct{}{}
			if d := s.tasks[dep]; d != nil {
				d.Dependents[key] = struct{}{}
				if d.Group != nil && task.Group != nil && d.Group != task.Group {
					task.Group.Dependencies[d.Group] = struct{}{}
				}
			}
		}

		s.applyAnnotations(task, sub, key)

		if !isNew[key] {
			continue
		}

		if anyDependencyErred(s.tasks, task) {
			recs[key] = types.Erred
		} else {
			recs[key] = types.Waiting
		}
	}

	s.transitions(recs, stimulusID)
	s.notifyUpdateGraph(sub)
}

// removeAliases drops entries whose run-spec is nil, the form in which a
// submission carries a key that aliases itself (a trivial no-op task,
// the `tasks[k] is k` case).
func removeAliases(runSpecs map[string][]byte) map[string][]byte {
	out := make(map[string][]byte, len(runSpecs))
	for k, v := range runSpecs {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// cancelStaleDependencies reports cancelled-key for any key in
// dependencies that references data absent both from this submission and
// from the existing task table.
func (s *Scheduler) cancelStaleDependencies(clientID string, runSpecs map[string][]byte, deps map[string][]string, stimulusID string) {
	for key, dependencies := range deps {
		if _, inSubmission := runSpecs[key]; !inSubmission {
			continue
		}
		for _, dep := range dependencies {
			if _, inSubmission := runSpecs[dep]; inSubmission {
				continue
			}
			if _, exists := s.tasks[dep]; exists {
				continue
			}
			s.sendToClient(clientID, ClientMessage{Op: "cancelled-key", Key: dep, StimulusID: stimulusID})
		}
	}
}

func (s *Scheduler) computationFor(id string) *types.Computation {
	if id == "" {
		if len(s.computations) > 0 {
			last := s.computations[len(s.computations)-1]
			if last.Stop.IsZero() {
				return last
			}
		}
		id = s.newStimulusID()
	}
	for _, c := range s.computations {
		if c.ID == id {
			return c
		}
	}
	c := types.NewComputation(id)
	s.computations = append(s.computations, c)
	if over := len(s.computations) - s.cfg.ComputationsMaxHistory; over > 0 {
		s.computations = s.computations[over:]
	}
	return c
}

func (s *Scheduler) prefixAndGroup(key string) (*types.TaskPrefix, *types.TaskGroup) {
	prefixName, groupName := keyPrefixAndGroup(key)

	prefix, ok := s.prefixes[prefixName]
	if !ok {
		prefix = types.NewTaskPrefix(prefixName)
		s.prefixes[prefixName] = prefix
	}

	group, ok := s.groups[groupName]
	if !ok {
		group = types.NewTaskGroup(groupName, prefix)
		group.Start = time.Now()
		s.groups[groupName] = group
	}
	return prefix, group
}

// keyPrefixAndGroup splits a task key of the form "funcname-hash" into a
// prefix (the function name) and a group (the same string, since this
// scheduler does not implement dask's HLG-layer group suffixes). Real
// deployments with richer key schemes can refine this by overriding
// TaskPrefix/TaskGroup assignment at a higher layer; the transition
// engine itself is agnostic to how keys are shaped.
func keyPrefixAndGroup(key string) (prefix, group string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			return key[:i], key
		}
	}
	return key, key
}

// maybeAdvanceGeneration bumps the FIFO generation counter if this
// client's last submission predates now by more than fifoTimeout.
func (s *Scheduler) maybeAdvanceGeneration(clientID string, fifoTimeout time.Duration) {
	c := s.clients[clientID]
	now := time.Now()
	if c == nil || now.Sub(c.LastSeen) > fifoTimeout {
		s.generation++
	}
	if c != nil {
		c.LastSeen = now
	}
}

func anyDependencyErred(tasks map[string]*types.Task, task *types.Task) bool {
	for dep := range task.Dependencies {
		if d := tasks[dep]; d != nil && d.ExceptionBlame != "" {
			task.ExceptionBlame = d.ExceptionBlame
			return true
		}
	}
	return false
}

// applyAnnotations merges per-key overrides (restrictions, retries, actor
// flag, free-form annotations) from the submission onto task. Priority is
// set by IngestGraph, not here.
func (s *Scheduler) applyAnnotations(task *types.Task, sub GraphSubmission, key string) {
	if r, ok := sub.Restrictions[key]; ok {
		task.Restrictions = r
	}
	if retries, ok := sub.Retries[key]; ok {
		task.Retries = retries
	}
	if actor, ok := sub.Actors[key]; ok {
		task.Actor = actor
	}
	if ann, ok := sub.Annotations[key]; ok {
		if task.Annotations == nil {
			task.Annotations = make(map[string]string, len(ann))
		}
		for k, v := range ann {
			task.Annotations[k] = v
		}
	}
}

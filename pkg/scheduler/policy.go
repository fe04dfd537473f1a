package scheduler

import (
	"math"
	"sort"
	"time"

	"github.com/taskgraphio/scheduler/pkg/types"
)

// decideWorker implements the four-step worker-selection policy
// (root-task co-location, objective-based, fast path) documented in
// SPEC_FULL.md §4.3. It returns nil if the task should park in
// no-worker.
func (s *Scheduler) decideWorker(task *types.Task) *types.Worker {
	candidates := s.validWorkers(task)
	if candidates != nil && len(candidates) == 0 {
		if task.Restrictions == nil || !task.Restrictions.Loose {
			return nil
		}
		candidates = nil // loose: fall back to any worker
	}

	if candidates == nil {
		if w := s.rootTaskWorker(task); w != nil {
			return w
		}
	}

	if len(task.Dependencies) > 0 || !task.Restrictions.Empty() {
		return s.objectiveWorker(task, candidates)
	}

	return s.fastPathWorker(candidates)
}

// validWorkers intersects worker/host/resource restrictions. nil means
// "any worker is valid"; a non-nil empty slice means nothing qualifies.
func (s *Scheduler) validWorkers(task *types.Task) []*types.Worker {
	if task.Restrictions.Empty() {
		return nil
	}

	var out []*types.Worker
	for _, w := range s.workers {
		if w.Status != types.WorkerRunning {
			continue
		}
		if len(task.Restrictions.Workers) > 0 {
			if _, ok := task.Restrictions.Workers[w.Address]; !ok {
				continue
			}
		}
		if len(task.Restrictions.Hosts) > 0 {
			if _, ok := task.Restrictions.Hosts[hostOf(w.Address)]; !ok {
				continue
			}
		}
		if !s.satisfiesResources(w, task.Restrictions.Resources) {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (s *Scheduler) satisfiesResources(w *types.Worker, required map[string]float64) bool {
	for name, qty := range required {
		have := w.Resources[name] - w.UsedResources[name]
		if have < qty {
			return false
		}
	}
	return true
}

// hostOf extracts the host portion of a worker address of the form
// "scheme://host:port" or "host:port".
func hostOf(address string) string {
	host := address
	if i := indexOf(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := indexOf(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// rootTaskWorker applies the root-task co-location heuristic: a group
// with many more tasks than threads and few, light dependencies sticks
// to one worker until its quota is exhausted.
func (s *Scheduler) rootTaskWorker(task *types.Task) *types.Worker {
	g := task.Group
	if g == nil || s.totalNThreads == 0 {
		return nil
	}
	if g.TotalTasks() <= 2*s.totalNThreads {
		return nil
	}
	if len(g.Dependencies) >= 5 {
		return nil
	}
	depTasks := 0
	for dep := range g.Dependencies {
		depTasks += dep.TotalTasks()
	}
	if depTasks >= 5 {
		return nil
	}

	if g.LastWorker != "" {
		if w, ok := s.workers[g.LastWorker]; ok && w.Status == types.WorkerRunning && g.Remaining > 0 {
			g.Remaining--
			return w
		}
	}

	w := s.leastLoadedWorker(nil)
	if w == nil {
		return nil
	}
	g.LastWorker = w.Address
	quota := (g.TotalTasks() / s.totalNThreads) * w.NThreads
	if quota < 1 {
		quota = 1
	}
	g.Remaining = quota - 1
	return w
}

// objectiveWorker picks the worker minimizing worker_objective: for actor
// tasks, the number of actors already hosted on the worker sorts first
// (spec.md §4.3 step 3); then occupancy/nthreads + comm_bytes/bandwidth;
// ties broken by worker nbytes.
func (s *Scheduler) objectiveWorker(task *types.Task, candidates []*types.Worker) *types.Worker {
	pool := candidates
	if pool == nil {
		pool = s.allRunningWorkers()
	}
	if len(pool) == 0 {
		return nil
	}

	best := pool[0]
	for _, w := range pool[1:] {
		if s.workerBetter(task, w, best) {
			best = w
		}
	}
	return best
}

// workerBetter reports whether candidate is a strictly better placement
// than current under worker_objective's ordering.
func (s *Scheduler) workerBetter(task *types.Task, candidate, current *types.Worker) bool {
	if task.Actor {
		ca, cc := len(candidate.Actors), len(current.Actors)
		if ca != cc {
			return ca < cc
		}
	}
	sa, sc := s.workerObjective(task, candidate), s.workerObjective(task, current)
	if sa != sc {
		return sa < sc
	}
	return candidate.NBytes < current.NBytes
}

func (s *Scheduler) workerObjective(task *types.Task, w *types.Worker) float64 {
	if w.NThreads == 0 {
		return math.Inf(1)
	}
	commBytes := int64(0)
	for dep := range task.Dependencies {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		if _, onWorker := d.WhoHas[w.Address]; !onWorker {
			commBytes += d.NBytes
		}
	}
	bandwidth := s.bandwidth
	if bandwidth <= 0 {
		bandwidth = 1
	}
	return w.Occupancy/float64(w.NThreads) + float64(commBytes)/bandwidth
}

// fastPathWorker handles the no-deps/no-restrictions case: lowest
// occupancy among the idle set, round-robin on ties, and pure
// round-robin for clusters of 20+ workers.
func (s *Scheduler) fastPathWorker(candidates []*types.Worker) *types.Worker {
	pool := candidates
	if pool == nil {
		pool = s.idleOrAllWorkers()
	}
	if len(pool) == 0 {
		return nil
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Address < pool[j].Address })

	if len(pool) >= 20 {
		n := s.totalTasksScheduled()
		return pool[n%len(pool)]
	}

	w := s.leastLoadedWorker(pool)
	if w != nil && w.Occupancy == 0 {
		start := s.totalTasksScheduled() % len(pool)
		for i := range pool {
			if c := pool[(start+i)%len(pool)]; c.Occupancy == 0 {
				return c
			}
		}
	}
	return w
}

func (s *Scheduler) idleOrAllWorkers() []*types.Worker {
	if len(s.idle) > 0 {
		out := make([]*types.Worker, 0, len(s.idle))
		for _, w := range s.idle {
			out = append(out, w)
		}
		return out
	}
	return s.allRunningWorkers()
}

func (s *Scheduler) allRunningWorkers() []*types.Worker {
	out := make([]*types.Worker, 0, len(s.running))
	for _, w := range s.running {
		out = append(out, w)
	}
	return out
}

func (s *Scheduler) leastLoadedWorker(pool []*types.Worker) *types.Worker {
	if pool == nil {
		pool = s.allRunningWorkers()
	}
	var best *types.Worker
	bestOccupancy := math.Inf(1)
	for _, w := range pool {
		if w.Occupancy < bestOccupancy || (best != nil && w.Occupancy == bestOccupancy && w.Address < best.Address) {
			best = w
			bestOccupancy = w.Occupancy
		}
	}
	return best
}

func (s *Scheduler) totalTasksScheduled() int {
	n := 0
	for _, w := range s.workers {
		n += len(w.Processing)
	}
	return n
}

// estimateDuration returns the expected compute time for task, from its
// TaskPrefix's EWMA or the configured seeds if no observation exists yet.
func (s *Scheduler) estimateDuration(task *types.Task) float64 {
	p := task.Prefix
	if p != nil && p.HasAverage {
		return p.DurationAverage
	}
	if seed, ok := s.cfg.DefaultTaskDurations[p.Name]; ok {
		return seed
	}
	if p != nil {
		if s.unknownDurations[p.Name] == nil {
			s.unknownDurations[p.Name] = make(map[string]struct{})
		}
		s.unknownDurations[p.Name][task.Key] = struct{}{}
	}
	return s.cfg.UnknownTaskDuration
}

// recordDurationObservation folds an observed duration (wall-clock
// seconds spent computing task) into its TaskPrefix's EWMA and revises
// every task previously parked as "unknown" for this prefix.
func (s *Scheduler) recordDurationObservation(task *types.Task, observed float64) {
	p := task.Prefix
	if p == nil {
		return
	}
	if p.HasAverage {
		p.DurationAverage = 0.5*observed + 0.5*p.DurationAverage
	} else {
		p.DurationAverage = observed
		p.HasAverage = true
	}
	delete(s.unknownDurations[p.Name], task.Key)
	delta := p.DurationAverage - s.cfg.UnknownTaskDuration
	for key := range s.unknownDurations[p.Name] {
		if t := s.tasks[key]; t != nil {
			if w := s.workers[t.ProcessingOn]; w != nil {
				if _, ok := w.Processing[key]; ok {
					w.Processing[key] += delta
					w.Occupancy += delta
					s.totalOccupancy += delta
				}
			}
		}
	}
	delete(s.unknownDurations, p.Name)
}

// assignToWorker installs task onto worker's processing map, consumes
// its resource restrictions, and updates occupancy/idle/saturated
// bookkeeping.
func (s *Scheduler) assignToWorker(task *types.Task, w *types.Worker, duration float64) {
	commCost := 0.0
	for dep := range task.Dependencies {
		d := s.tasks[dep]
		if d == nil {
			continue
		}
		if _, onWorker := d.WhoHas[w.Address]; !onWorker {
			bandwidth := s.bandwidth
			if bandwidth <= 0 {
				bandwidth = 1
			}
			commCost += float64(d.NBytes) / bandwidth
		}
	}

	cost := duration + commCost
	w.Processing[task.Key] = cost
	w.Executing[task.Key] = time.Now()
	w.Occupancy += cost
	s.totalOccupancy += cost

	if task.Restrictions != nil {
		for name, qty := range task.Restrictions.Resources {
			w.UsedResources[name] += qty
		}
	}

	s.recomputeIdleSaturated(w)
}

// removeFromWorker undoes assignToWorker's occupancy bookkeeping, called
// when a task leaves processing for any reason.
func (s *Scheduler) removeFromWorker(task *types.Task, w *types.Worker) {
	if w == nil {
		return
	}
	cost, ok := w.Processing[task.Key]
	if !ok {
		return
	}
	delete(w.Processing, task.Key)
	w.Occupancy -= cost
	s.totalOccupancy -= cost

	if task.Restrictions != nil {
		for name, qty := range task.Restrictions.Resources {
			w.UsedResources[name] -= qty
		}
	}

	s.recomputeIdleSaturated(w)
}

// effectiveNBytes returns task.NBytes, substituting the configured
// default-data-size when the worker hasn't reported an actual size yet
// (NBytes == -1). Every site that folds a task's size into a worker's
// NBytes total must go through this so invariant 6 (worker.nbytes == sum
// of held task sizes, defaulted) holds without the worker ever going
// negative on an unreported size.
func (s *Scheduler) effectiveNBytes(task *types.Task) int64 {
	if task.NBytes >= 0 {
		return task.NBytes
	}
	return s.cfg.DefaultDataSize
}

// clusterAverageOccupancy returns total_occupancy / total_nthreads, or 0
// if no threads are connected.
func (s *Scheduler) clusterAverageOccupancy() float64 {
	if s.totalNThreads == 0 {
		return 0
	}
	return s.totalOccupancy / float64(s.totalNThreads)
}

// recomputeIdleSaturated re-derives w's idle/saturated membership per the
// thresholds in SPEC_FULL.md §4.3.
func (s *Scheduler) recomputeIdleSaturated(w *types.Worker) {
	delete(s.idle, w.Address)
	delete(s.saturated, w.Address)

	if w.Status != types.WorkerRunning {
		return
	}

	avg := s.clusterAverageOccupancy()
	p := w.ProcessingCount()
	nc := w.NThreads

	isIdle := p < nc || w.Occupancy < float64(nc)*avg/2
	if isIdle {
		s.idle[w.Address] = w
		return
	}

	if p > nc && nc > 0 {
		pending := w.Occupancy * float64(p-nc) / float64(p*nc)
		if pending > 0.4 && pending > 1.9*avg {
			s.saturated[w.Address] = struct{}{}
		}
	}
}

// reevaluateOccupancy is the periodic housekeeping pass that recomputes
// idle/saturated membership for every running worker, catching drift from
// the cluster-wide average moving since a worker's last task event.
func (s *Scheduler) reevaluateOccupancy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.running {
		s.recomputeIdleSaturated(w)
	}
}

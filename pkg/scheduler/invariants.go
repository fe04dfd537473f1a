package scheduler

import (
	"fmt"
	"math"

	"github.com/taskgraphio/scheduler/pkg/types"
)

// ValidateInvariants checks a subset of the testable properties of
// SPEC_FULL.md §8 across the current entity store and returns the first
// violation found, or nil if none. It checks memory/who_has/has_what
// agreement, processing/processing_on agreement, waiting_on against
// dependencies and replicas, worker nbytes, per-worker and total
// occupancy, the running set, and that each client's wants_what is
// mirrored in who_wants. It does not check the reverse direction of
// who_has/has_what or of wants_what/who_wants. Expensive; it is called by
// tests and is not run by the transition engine, in validate mode or
// otherwise.
func (s *Scheduler) ValidateInvariants() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for key, t := range s.tasks {
		if err := s.validateTask(key, t); err != nil {
			return err
		}
	}
	for addr, w := range s.workers {
		if err := s.validateWorker(addr, w); err != nil {
			return err
		}
	}
	for id, c := range s.clients {
		if err := s.validateClient(id, c); err != nil {
			return err
		}
	}
	if err := s.validateOccupancyTotals(); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) validateTask(key string, t *types.Task) error {
	// 1. state == memory <=> who_has != empty <=> every holder's has_what
	// contains the task.
	if (t.State == types.Memory) != (len(t.WhoHas) > 0) {
		return fmt.Errorf("invariant 1: %q state=%s who_has=%d", key, t.State, len(t.WhoHas))
	}
	for addr := range t.WhoHas {
		w, ok := s.workers[addr]
		if !ok || !w.HasWhat.Has(key) {
			return fmt.Errorf("invariant 1/3: %q claims holder %q that doesn't list it", key, addr)
		}
	}

	// 2. state == processing <=> processing_on != nil and task in its map.
	if t.State == types.Processing {
		w, ok := s.workers[t.ProcessingOn]
		if !ok {
			return fmt.Errorf("invariant 2: %q processing but processing_on %q missing", key, t.ProcessingOn)
		}
		if _, ok := w.Processing[key]; !ok {
			return fmt.Errorf("invariant 2: %q processing_on %q does not list it", key, t.ProcessingOn)
		}
	} else if t.ProcessingOn != "" {
		return fmt.Errorf("invariant 2: %q not processing but processing_on=%q", key, t.ProcessingOn)
	}

	// 5. waiting_on subset of dependencies, and every d in waiting_on has
	// empty who_has.
	for dep := range t.WaitingOn {
		if _, ok := t.Dependencies[dep]; !ok {
			return fmt.Errorf("invariant 5: %q waiting_on %q not in dependencies", key, dep)
		}
		if d := s.tasks[dep]; d != nil && len(d.WhoHas) > 0 {
			return fmt.Errorf("invariant 5: %q waiting_on %q which has replicas", key, dep)
		}
	}

	return nil
}

func (s *Scheduler) validateWorker(addr string, w *types.Worker) error {
	// 6. nbytes == sum of held task sizes (using default for unknown).
	var sum int64
	for _, key := range w.HasWhat.Keys() {
		t, ok := s.tasks[key]
		if !ok {
			continue
		}
		if t.NBytes >= 0 {
			sum += t.NBytes
		} else {
			sum += s.cfg.DefaultDataSize
		}
	}
	if sum != w.NBytes {
		return fmt.Errorf("invariant 6: worker %q nbytes=%d want %d", addr, w.NBytes, sum)
	}

	// 7. sum of processing costs matches occupancy within tolerance.
	var total float64
	for _, cost := range w.Processing {
		total += cost
	}
	if math.Abs(total-w.Occupancy) > 1e-8 {
		return fmt.Errorf("invariant 7: worker %q occupancy=%f want %f", addr, w.Occupancy, total)
	}

	// 9. status running <=> present in running set.
	_, inRunning := s.running[addr]
	if (w.Status == types.WorkerRunning) != inRunning {
		return fmt.Errorf("invariant 9: worker %q status=%s in_running=%v", addr, w.Status, inRunning)
	}

	return nil
}

func (s *Scheduler) validateClient(id string, c *types.Client) error {
	for key := range c.WantsWhat {
		t, ok := s.tasks[key]
		if !ok {
			continue
		}
		if _, ok := t.WhoWants[id]; !ok {
			return fmt.Errorf("invariant 4: client %q wants %q but task doesn't list it", id, key)
		}
	}
	return nil
}

func (s *Scheduler) validateOccupancyTotals() error {
	var total float64
	for _, w := range s.workers {
		total += w.Occupancy
	}
	if math.Abs(total-s.totalOccupancy) > 1e-8 {
		return fmt.Errorf("invariant 8: total_occupancy=%f want %f", s.totalOccupancy, total)
	}
	return nil
}

package scheduler

import (
	"fmt"

	"github.com/taskgraphio/scheduler/pkg/feed"
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/rebalance"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// pendingRebalance tracks one in-flight rebalance plan between Rebalance
// computing it and RebalanceAck reporting the outcome of each recipient's
// acquire-replicas RPC. senders[recipient][key] is the worker that should
// be told to drop its copy once the recipient confirms receipt.
type pendingRebalance struct {
	senders map[string]map[string]string
}

// Rebalance computes a memory-rebalance plan (SPEC_FULL.md §4.4) over the
// eligible workers (optionally restricted to workerAllowList) and eligible
// keys (optionally restricted to keyAllowList), then emits one
// acquire-replicas message per recipient. The caller's transport carries
// these to the workers; call RebalanceAck once each recipient's gather
// RPC settles. Returns the planned moves for introspection/testing and
// the stimulus id RebalanceAck must be called with.
func (s *Scheduler) Rebalance(keyAllowList, workerAllowList []string) ([]rebalance.Move, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RebalanceDuration)

	eligible := s.eligibleWorkersForRebalance(workerAllowList)
	if len(eligible) == 0 {
		return nil, "", nil
	}

	if keyAllowList != nil {
		for _, key := range keyAllowList {
			t, ok := s.tasks[key]
			if !ok || len(t.WhoHas) == 0 {
				return nil, "", fmt.Errorf("rebalance: key %q has no replicas", key)
			}
		}
	}
	keySet := allowSet(keyAllowList)

	wms := make([]rebalance.WorkerMemory, 0, len(eligible))
	for _, w := range eligible {
		wms = append(wms, s.workerMemorySnapshot(w, keySet))
	}

	moves := rebalance.Plan(wms, rebalance.Options{
		SenderMin:       s.cfg.Rebalance.SenderMin,
		RecipientMax:    s.cfg.Rebalance.RecipientMax,
		Gap:             s.cfg.Rebalance.SenderRecipientGap,
		DefaultDataSize: s.cfg.DefaultDataSize,
	})
	if len(moves) == 0 {
		return nil, "", nil
	}

	stimulusID := s.newStimulusID()
	toRecipients := make(map[string]map[string][]string) // recipient -> key -> senders
	pending := &pendingRebalance{senders: make(map[string]map[string]string)}

	for _, m := range moves {
		if toRecipients[m.Recipient] == nil {
			toRecipients[m.Recipient] = make(map[string][]string)
		}
		toRecipients[m.Recipient][m.Key] = append(toRecipients[m.Recipient][m.Key], m.Sender)
		if pending.senders[m.Recipient] == nil {
			pending.senders[m.Recipient] = make(map[string]string)
		}
		pending.senders[m.Recipient][m.Key] = m.Sender
	}

	for recipient, whoHas := range toRecipients {
		keys := make([]string, 0, len(whoHas))
		for key := range whoHas {
			keys = append(keys, key)
		}
		s.sendToWorker(recipient, WorkerMessage{
			Op:         "acquire-replicas",
			Keys:       keys,
			WhoHas:     whoHas,
			StimulusID: stimulusID,
		})
	}

	s.rebalances[stimulusID] = pending
	metrics.RebalanceMovesTotal.Add(float64(len(moves)))
	s.logger.Info().Str("stimulus_id", stimulusID).Int("moves", len(moves)).Msg("rebalance plan computed")
	return moves, stimulusID, nil
}

// RebalanceAck reports the outcome of recipient's acquire-replicas RPC for
// a stimulus started by Rebalance: succeeded keys are integrated as new
// replicas on recipient and the originating sender is told to drop its
// copy; failed keys are counted and logged as partial-fail, matching
// SPEC_FULL.md §4.4's "failures become a partial-fail response".
func (s *Scheduler) RebalanceAck(stimulusID, recipient string, succeeded, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending, ok := s.rebalances[stimulusID]
	if !ok {
		return
	}
	senders := pending.senders[recipient]

	w, ok := s.workers[recipient]
	if ok {
		for _, key := range succeeded {
			s.integrateReportedReplica(key, w, 0, stimulusID)
			if sender := senders[key]; sender != "" {
				s.sendToWorker(sender, WorkerMessage{Op: "remove-replicas", Keys: []string{key}, StimulusID: stimulusID})
				s.dropReplica(key, sender, stimulusID)
			}
		}
	}

	if len(failed) > 0 {
		metrics.RebalanceMovesFailedTotal.Add(float64(len(failed)))
		s.logger.Warn().Str("stimulus_id", stimulusID).Strs("keys", failed).Msg("rebalance: partial-fail")
	}

	delete(pending.senders, recipient)
	if len(pending.senders) == 0 {
		delete(s.rebalances, stimulusID)
		s.publish("rebalance", feed.EventRebalanceComplete, stimulusID, fmt.Sprintf("recipient=%s", recipient))
	}
}

// eligibleWorkersForRebalance returns the running workers to consider,
// filtered to allowList when non-empty.
func (s *Scheduler) eligibleWorkersForRebalance(allowList []string) []*types.Worker {
	if len(allowList) == 0 {
		out := make([]*types.Worker, 0, len(s.running))
		for _, w := range s.running {
			out = append(out, w)
		}
		return out
	}
	out := make([]*types.Worker, 0, len(allowList))
	for _, addr := range allowList {
		if w, ok := s.workers[addr]; ok && w.Status == types.WorkerRunning {
			out = append(out, w)
		}
	}
	return out
}

func allowSet(keys []string) map[string]struct{} {
	if keys == nil {
		return nil
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out
}

// workerMemorySnapshot builds the rebalance.WorkerMemory view of w using
// the configured measure: optimistic (managed + unmanaged_old) is the only
// measure implemented, matching config.Rebalance.Measure's default and
// SPEC_FULL.md §4.4 step 1; any other configured value falls back to the
// managed-only total. unmanaged_old is taken as the smallest process
// memory sample in the worker's ring minus the current managed bytes; the
// samples are not filtered by age, and RecentToOldTime is not consulted.
func (s *Scheduler) workerMemorySnapshot(w *types.Worker, keyFilter map[string]struct{}) rebalance.WorkerMemory {
	managed := w.NBytes

	memory := managed
	if s.cfg.Rebalance.Measure == "optimistic" || s.cfg.Rebalance.Measure == "" {
		if oldest, ok := w.ProcessMemory.Min(); ok {
			unmanagedOld := oldest - managed
			if unmanagedOld > 0 {
				memory += unmanagedOld
			}
		}
	}

	hasWhat := w.HasWhat.Keys()
	nbytes := make(map[string]int64, len(hasWhat))
	filtered := hasWhat[:0:0]
	for _, key := range hasWhat {
		if keyFilter != nil {
			if _, ok := keyFilter[key]; !ok {
				continue
			}
		}
		filtered = append(filtered, key)
		if t := s.tasks[key]; t != nil {
			nbytes[key] = s.effectiveNBytes(t)
		}
	}

	return rebalance.WorkerMemory{
		ID:          w.Address,
		Memory:      memory,
		MemoryLimit: w.MemoryLimit,
		HasWhat:     filtered,
		NBytes:      nbytes,
	}
}

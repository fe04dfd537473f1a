// Package rebalance implements the scheduler's memory-rebalance algorithm:
// a two-heap sender/recipient pairing over each worker's optimistic memory
// measure, moving replicas from over-full workers to under-full ones in
// O(W + K*log(W)) where W is the number of eligible workers and K the
// number of planned moves.
package rebalance

import (
	"container/heap"
)

// WorkerMemory describes one eligible worker's current memory state as
// seen by the rebalance engine. HasWhat must iterate in least-recently-
// inserted (LRI) order: the algorithm drains a sender's oldest replicas
// first.
type WorkerMemory struct {
	ID          string
	Memory      int64   // the configured measure, e.g. managed_in_memory + unmanaged_old
	MemoryLimit int64
	HasWhat     []string         // task keys held, oldest-inserted first
	NBytes      map[string]int64 // task key -> size; missing = DefaultDataSize
}

// Move is one planned replica relocation: recipient should acquire key
// from sender, and sender may then drop it.
type Move struct {
	Sender    string
	Recipient string
	Key       string
}

// Options tunes the thresholds the algorithm applies.
type Options struct {
	// SenderMin: a worker must hold at least this fraction of its memory
	// limit to be eligible as a sender.
	SenderMin float64
	// RecipientMax: a worker must hold at most this fraction of its
	// memory limit to be eligible as a recipient.
	RecipientMax float64
	// Gap: half of this fraction of memory limit is the minimum
	// distance from the mean a worker must have to qualify either way.
	Gap float64
	// DefaultDataSize is used for keys absent from NBytes.
	DefaultDataSize int64
}

// Plan computes the set of moves that brings workers toward the mean
// optimistic memory measure. workers should already be filtered to the
// caller's eligible set (by a key/worker allow-list, if any); has_what
// entries should likewise already reflect any key allow-list.
func Plan(workers []WorkerMemory, opts Options) []Move {
	if len(workers) == 0 {
		return nil
	}

	var total int64
	for _, w := range workers {
		total += w.Memory
	}
	mean := float64(total) / float64(len(workers))

	senders := &senderHeap{}
	recipients := &recipientHeap{}
	heap.Init(senders)
	heap.Init(recipients)

	byID := make(map[string]*WorkerMemory, len(workers))
	for i := range workers {
		w := &workers[i]
		byID[w.ID] = w

		halfGap := opts.Gap / 2 * float64(w.MemoryLimit)
		mem := float64(w.Memory)

		if len(w.HasWhat) > 0 && mem >= mean+halfGap && mem >= opts.SenderMin*float64(w.MemoryLimit) {
			heap.Push(senders, &senderEntry{
				id:      w.ID,
				key:     mean - mem,
				halfGap: halfGap - mem,
				cursor:  0,
				hasWhat: w.HasWhat,
			})
		}
		if mem < mean-halfGap && mem < opts.RecipientMax*float64(w.MemoryLimit) {
			heap.Push(recipients, &recipientEntry{
				id:        w.ID,
				key:       mem - mean,
				halfGap:   halfGap,
				capacity:  w.MemoryLimit,
				used:      w.Memory,
				memLimit:  w.MemoryLimit,
				held:      cloneSet(w.HasWhat),
				assigned:  make(map[string]struct{}),
			})
		}
	}

	var moves []Move

	for senders.Len() > 0 {
		s := heap.Pop(senders).(*senderEntry)

		if s.cursor >= len(s.hasWhat) {
			continue
		}
		key := s.hasWhat[s.cursor]
		s.cursor++

		size := opts.DefaultDataSize
		if sw := byID[s.id]; sw != nil {
			if n, ok := sw.NBytes[key]; ok {
				size = n
			}
		}

		match, skipped := pickRecipient(recipients, key, size)
		for _, r := range skipped {
			heap.Push(recipients, r)
		}

		if match != nil {
			moves = append(moves, Move{Sender: s.id, Recipient: match.id, Key: key})

			match.used += size
			match.assigned[key] = struct{}{}
			match.held[key] = struct{}{}
			match.key = float64(match.used) - mean
			if match.key < 0-match.halfGap {
				heap.Push(recipients, match)
			}
		}

		if s.cursor < len(s.hasWhat) {
			sw := byID[s.id]
			remaining := estimateRemainingMemory(sw, s.cursor)
			s.key = mean - remaining
			s.halfGap = (opts.Gap / 2 * float64(sw.MemoryLimit)) - remaining
			if remaining >= mean+opts.Gap/2*float64(sw.MemoryLimit) {
				heap.Push(senders, s)
			}
		}
	}

	return moves
}

// estimateRemainingMemory approximates a sender's memory after shedding
// the first `shed` entries of its HasWhat, used to decide whether it is
// still worth re-heaping. It is a monotonic estimate, not exact accounting
// of NBytes, matching the coarse re-heap check described for the engine.
func estimateRemainingMemory(w *WorkerMemory, shed int) float64 {
	if w == nil || len(w.HasWhat) == 0 {
		return 0
	}
	fraction := 1 - float64(shed)/float64(len(w.HasWhat))
	if fraction < 0 {
		fraction = 0
	}
	return float64(w.Memory) * fraction
}

func cloneSet(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

// pickRecipient pops candidates off recipients until it finds one with
// capacity for size that does not already hold key, returning it
// separately from the others it popped (which the caller must push back).
func pickRecipient(recipients *recipientHeap, key string, size int64) (*recipientEntry, []*recipientEntry) {
	var skipped []*recipientEntry
	for recipients.Len() > 0 {
		r := heap.Pop(recipients).(*recipientEntry)

		if _, already := r.held[key]; already {
			skipped = append(skipped, r)
			continue
		}
		if r.used+size > r.memLimit {
			skipped = append(skipped, r)
			continue
		}
		return r, skipped
	}
	return nil, skipped
}

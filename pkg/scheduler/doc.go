// Package scheduler implements a single long-lived object that owns the
// entity store (tasks, task groups/prefixes, workers, clients,
// computations) and every operation that mutates it: the transition
// engine (transition.go, transition_handlers.go), the worker-selection
// policy and occupancy bookkeeping (policy.go), worker/client lifecycle
// (lifecycle.go), graph ingestion (ingest.go), and inbound stimulus
// handling with outbound message batching (dispatch.go, messages.go).
//
// A single goroutine is expected to call every stimulus method
// (TaskFinished, AddWorker, IngestGraph, ...) serially; seriality is the only synchronization the transition table
// needs, mirroring a cooperative single-threaded event loop. mu exists
// so read-only introspection (ValidateInvariants, status queries) can run
// concurrently with that goroutine without racing its writes.
package scheduler

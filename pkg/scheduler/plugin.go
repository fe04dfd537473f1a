package scheduler

import (
	"github.com/taskgraphio/scheduler/pkg/feed"
	"github.com/taskgraphio/scheduler/pkg/metrics"
	"github.com/taskgraphio/scheduler/pkg/types"
)

// Plugin is the capability-set hook surface the engine notifies after
// every transition. Every plugin implements Transition; the lifecycle
// hooks are optional capabilities (WorkerPlugin and the other interfaces
// below), detected at each call site by type assertion, so a plugin
// implements only the ones it cares about.
type Plugin interface {
	Transition(key string, start, finish types.TaskState, stimulusID string)
}

// WorkerPlugin is notified of worker lifecycle events, a distinct
// capability from Plugin so a component can subscribe to one without the
// other.
type WorkerPlugin interface {
	WorkerAdded(w *types.Worker)
	WorkerRemoved(address string)
}

// ClientPlugin is notified of client connect/disconnect.
type ClientPlugin interface {
	ClientAdded(id string)
	ClientRemoved(id string)
}

// GraphPlugin is notified after a graph submission has been ingested.
type GraphPlugin interface {
	UpdateGraph(sub GraphSubmission)
}

// LifecyclePlugin is notified of cluster-wide restart and scheduler
// shutdown, mirroring the source's before_close/close/restart hooks.
type LifecyclePlugin interface {
	Restart()
	BeforeClose()
	Close()
}

// RegisterPlugin adds p to the set notified after each transition and any
// other capability it implements. A plugin registered more than once is
// notified more than once; callers are responsible for not
// double-registering.
func (s *Scheduler) RegisterPlugin(p Plugin) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plugins = append(s.plugins, p)
}

// notifyPlugins calls every registered plugin's Transition hook, catching
// and logging any panic so a faulty plugin cannot bring down the engine.
func (s *Scheduler) notifyPlugins(key string, start, finish types.TaskState, stimulusID string) {
	for _, p := range s.plugins {
		s.safeguard("transition", func() { p.Transition(key, start, finish, stimulusID) })
	}
}

func (s *Scheduler) notifyWorkerAdded(w *types.Worker) {
	for _, p := range s.plugins {
		if wp, ok := p.(WorkerPlugin); ok {
			s.safeguard("add_worker", func() { wp.WorkerAdded(w) })
		}
	}
}

func (s *Scheduler) notifyWorkerRemoved(address string) {
	for _, p := range s.plugins {
		if wp, ok := p.(WorkerPlugin); ok {
			s.safeguard("remove_worker", func() { wp.WorkerRemoved(address) })
		}
	}
}

func (s *Scheduler) notifyClientAdded(id string) {
	for _, p := range s.plugins {
		if cp, ok := p.(ClientPlugin); ok {
			s.safeguard("add_client", func() { cp.ClientAdded(id) })
		}
	}
}

func (s *Scheduler) notifyClientRemoved(id string) {
	for _, p := range s.plugins {
		if cp, ok := p.(ClientPlugin); ok {
			s.safeguard("remove_client", func() { cp.ClientRemoved(id) })
		}
	}
}

func (s *Scheduler) notifyUpdateGraph(sub GraphSubmission) {
	for _, p := range s.plugins {
		if gp, ok := p.(GraphPlugin); ok {
			s.safeguard("update_graph", func() { gp.UpdateGraph(sub) })
		}
	}
}

func (s *Scheduler) notifyRestart() {
	for _, p := range s.plugins {
		if lp, ok := p.(LifecyclePlugin); ok {
			s.safeguard("restart", lp.Restart)
		}
	}
}

func (s *Scheduler) notifyClose() {
	for _, p := range s.plugins {
		if lp, ok := p.(LifecyclePlugin); ok {
			s.safeguard("before_close", lp.BeforeClose)
		}
	}
	for _, p := range s.plugins {
		if lp, ok := p.(LifecyclePlugin); ok {
			s.safeguard("close", lp.Close)
		}
	}
}

// safeguard runs fn, catching and logging any panic under hook's label so
// a faulty plugin can never bring down the engine.
func (s *Scheduler) safeguard(hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PluginErrorsTotal.WithLabelValues(hook).Inc()
			s.logger.Error().Interface("panic", r).Str("hook", hook).Msg("plugin hook panicked")
			s.publish("plugins", feed.EventPluginError, "", hook)
		}
	}()
	fn()
}

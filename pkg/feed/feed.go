// Package feed is the scheduler's event fan-out: a buffered pub/sub broker
// for diagnostics/introspection, separate from the synchronous
// stimulus/transition path that actually drives state. Handlers publish
// here after a cascade settles; nothing downstream of Publish can affect
// scheduling decisions.
package feed

import (
	"container/list"
	"sync"
	"time"
)

// EventType identifies the kind of occurrence a published Event reports.
type EventType string

const (
	EventTaskTransitioned  EventType = "task.transitioned"
	EventTaskErred         EventType = "task.erred"
	EventWorkerAdded       EventType = "worker.added"
	EventWorkerRemoved     EventType = "worker.removed"
	EventClientAdded       EventType = "client.added"
	EventClientRemoved     EventType = "client.removed"
	EventRebalanceComplete EventType = "rebalance.completed"
	EventRestartInitiated  EventType = "restart.initiated"
	EventPluginError       EventType = "plugin.error"
)

// Event is a single notification published onto a topic. Topic is an
// arbitrary string a subscriber filters on (a task-group name, a worker
// address, or a fixed name like "transitions"); clients that subscribe to
// no topics receive everything.
type Event struct {
	Topic      string
	Type       EventType
	Timestamp  time.Time
	Message    string
	Metadata   map[string]string
	StimulusID string
}

// Subscriber is a channel that receives published events.
type Subscriber chan *Event

// Broker distributes published events to subscribers and retains a
// bounded per-topic log for clients that subscribe after the fact (the
// update-subscribe-topic / get-events workflow). Broadcast is
// non-blocking: a subscriber whose buffer is full misses the event rather
// than stalling the publisher.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]map[string]struct{} // nil/empty set = all topics
	logs        map[string]*list.List              // topic -> bounded deque of *Event
	logLength   int
	cleanupWait time.Duration

	eventCh chan *Event
	stopCh  chan struct{}
}

// NewBroker creates a Broker retaining up to logLength events per topic,
// and purging a topic's log cleanupWait after its last subscriber leaves.
func NewBroker(logLength int, cleanupWait time.Duration) *Broker {
	if logLength <= 0 {
		logLength = 1
	}
	return &Broker{
		subscribers: make(map[Subscriber]map[string]struct{}),
		logs:        make(map[string]*list.List),
		logLength:   logLength,
		cleanupWait: cleanupWait,
		eventCh:     make(chan *Event, 1000),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop halts the broker. Published events after Stop are dropped.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription restricted to topics. No topics means
// subscribe to everything.
func (b *Broker) Subscribe(topics ...string) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 200)
	filter := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		filter[t] = struct{}{}
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish enqueues event for distribution and logging, stamping its
// timestamp if unset.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.record(event)
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) record(event *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.logs[event.Topic]
	if !ok {
		l = list.New()
		b.logs[event.Topic] = l
	}
	l.PushBack(event)
	for l.Len() > b.logLength {
		l.Remove(l.Front())
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if len(filter) > 0 {
			if _, ok := filter[event.Topic]; !ok {
				continue
			}
		}
		select {
		case sub <- event:
		default:
		}
	}
}

// Events returns the retained log for topic, oldest first.
func (b *Broker) Events(topic string) []*Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	l, ok := b.logs[topic]
	if !ok {
		return nil
	}
	out := make([]*Event, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Event))
	}
	return out
}

// ScheduleCleanup purges topic's log after the broker's configured
// cleanup delay, unless a subscriber whose filter names topic is present
// at that time. Subscribers with an empty filter (subscribed to
// everything) do not keep the log. Callers invoke this when a topic's
// last topic-specific subscriber unsubscribes.
func (b *Broker) ScheduleCleanup(topic string) {
	if b.cleanupWait <= 0 {
		return
	}
	time.AfterFunc(b.cleanupWait, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, filter := range b.subscribers {
			if _, ok := filter[topic]; ok {
				return
			}
		}
		delete(b.logs, topic)
	})
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

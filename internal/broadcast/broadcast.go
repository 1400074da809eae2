// Package broadcast fans out run lifecycle events to in-process subscribers.
// The streaming gateway subscribes here; the worker publishes here. Each
// subscriber gets its own unbounded mailbox so a slow stream never blocks
// the worker, and events arrive in publish order.
package broadcast

import (
	"sync"

	"github.com/sheetflow/importd/internal/model"
)

// Event is one item on a subscription. Exactly one of the concrete types
// below flows through a subscription channel.
type Event interface {
	EventName() string
}

// RunSnapshot carries the full run projection sent once at subscribe time.
type RunSnapshot struct {
	Run model.RunProjection `json:"run"`
}

func (RunSnapshot) EventName() string { return "run.snapshot" }

// RunProgress carries the run projection after a progress checkpoint.
type RunProgress struct {
	Run model.RunProjection `json:"run"`
}

func (RunProgress) EventName() string { return "run.progress" }

// RunCompleted carries the final projection. It is always the last event on
// a run subscription; the channel closes after it is delivered.
type RunCompleted struct {
	Run model.RunProjection `json:"run"`
}

func (RunCompleted) EventName() string { return "run.completed" }

// FleetUpdate carries one changed run for fleet-wide monitors. The gateway
// coalesces these into periodic runs.changed batches.
type FleetUpdate struct {
	Item model.FleetRunItem `json:"item"`
}

func (FleetUpdate) EventName() string { return "runs.changed" }

// Subscription receives events for one run or for the whole fleet.
type Subscription struct {
	mu       sync.Mutex
	queue    []Event
	notify   chan struct{}
	out      chan Event
	done     chan struct{}
	closed   bool
	terminal bool
}

func newSubscription() *Subscription {
	s := &Subscription{
		notify: make(chan struct{}, 1),
		out:    make(chan Event),
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Events returns the ordered event channel. It is closed after a terminal
// event has been delivered or the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription. Safe to call more than once. Pending
// events are dropped.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// enqueue appends an event to the mailbox. terminal marks the subscription
// finished once this event has been drained.
func (s *Subscription) enqueue(ev Event, terminal bool) {
	s.mu.Lock()
	if s.closed || s.terminal {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if terminal {
		s.terminal = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev Event
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue = s.queue[1:]
		}
		drained := len(s.queue) == 0
		terminal := s.terminal
		s.mu.Unlock()

		if ev == nil {
			if terminal {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
		if terminal && drained {
			return
		}
	}
}

// Broadcaster routes events from publishers to subscriptions.
type Broadcaster struct {
	mu    sync.Mutex
	runs  map[string]map[*Subscription]struct{}
	fleet map[*Subscription]struct{}
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		runs:  make(map[string]map[*Subscription]struct{}),
		fleet: make(map[*Subscription]struct{}),
	}
}

// SubscribeRun registers for events on one run. The caller must Close the
// subscription when done.
func (b *Broadcaster) SubscribeRun(runID string) *Subscription {
	sub := newSubscription()
	b.mu.Lock()
	subs, ok := b.runs[runID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.runs[runID] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.done
		b.mu.Lock()
		if subs, ok := b.runs[runID]; ok {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(b.runs, runID)
			}
		}
		b.mu.Unlock()
	}()
	return sub
}

// SubscribeFleet registers for changed-run events across all runs.
func (b *Broadcaster) SubscribeFleet() *Subscription {
	sub := newSubscription()
	b.mu.Lock()
	b.fleet[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-sub.done
		b.mu.Lock()
		delete(b.fleet, sub)
		b.mu.Unlock()
	}()
	return sub
}

// PublishRun delivers an event to every subscriber of the run. A
// RunCompleted event is terminal: each subscriber's channel closes after
// delivering it, and the topic is discarded.
func (b *Broadcaster) PublishRun(runID string, ev Event) {
	_, terminal := ev.(RunCompleted)

	b.mu.Lock()
	subs := b.runs[runID]
	targets := make([]*Subscription, 0, len(subs))
	for sub := range subs {
		targets = append(targets, sub)
	}
	if terminal {
		delete(b.runs, runID)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.enqueue(ev, terminal)
	}
}

// PublishFleet delivers a changed-run item to every fleet subscriber.
func (b *Broadcaster) PublishFleet(item model.FleetRunItem) {
	b.mu.Lock()
	targets := make([]*Subscription, 0, len(b.fleet))
	for sub := range b.fleet {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	ev := FleetUpdate{Item: item}
	for _, sub := range targets {
		sub.enqueue(ev, false)
	}
}

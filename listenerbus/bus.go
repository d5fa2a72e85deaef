// Package listenerbus implements the listener bus: fan-out of
// state-change and scheduling-action notifications to registered
// observers, ordered per subscriber and unordered across subscribers.
package listenerbus

import (
	"sync"
	"time"

	"github.com/viewmesh/scheduler/scheduling"
)

// Snapshot is the JSON wire format for a state-change notification:
// label is the state variant's kebab-case name,
// withErrors/incomplete/transformationTimestamp are only populated for
// the states that carry them.
type Snapshot struct {
	Label                   string     `json:"label"`
	ViewPath                string     `json:"viewPath"`
	WithErrors              *bool      `json:"withErrors,omitempty"`
	Incomplete              *bool      `json:"incomplete,omitempty"`
	TransformationTimestamp *time.Time `json:"transformationTimestamp,omitempty"`
}

// StateChanged is emitted whenever a view's state variant changes.
// Payload-only changes do not emit; a view only reports on itself when
// its variant actually moves.
type StateChanged struct {
	View     scheduling.View
	Previous scheduling.State
	Next     scheduling.State
}

// ActionsScheduled is emitted whenever a transition produces at least one
// action, whether or not the state variant changed, carrying the actions
// the state machine produced for it.
type ActionsScheduled struct {
	View      scheduling.View
	Previous  scheduling.State
	Next      scheduling.State
	Actions   []scheduling.Action
	Timestamp time.Time
}

// Subscriber receives bus events. Both methods must not block for long —
// the bus delivers to each subscriber on its own goroutine, so a slow
// subscriber only delays itself, not others; once its channel's buffer
// is full, further events for it are dropped (Publish never blocks on
// subscribers).
type Subscriber interface {
	OnStateChanged(StateChanged)
	OnActionsScheduled(ActionsScheduled)
}

type event struct {
	stateChanged     *StateChanged
	actionsScheduled *ActionsScheduled
}

type subscription struct {
	sub   Subscriber
	inbox chan event
	done  chan struct{}
}

// Bus fans out events to subscribers. External views never publish to
// the bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

// NewBus constructs an empty listener bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

// Subscribe registers sub for delivery and returns an unsubscribe func.
// Each subscriber gets its own ordered delivery goroutine so one slow
// observer cannot reorder or stall another's view.
func (b *Bus) Subscribe(sub Subscriber) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	s := &subscription{sub: sub, inbox: make(chan event, 256), done: make(chan struct{})}
	b.subs[id] = s
	b.mu.Unlock()

	go func() {
		for {
			select {
			case ev := <-s.inbox:
				if ev.stateChanged != nil {
					s.sub.OnStateChanged(*ev.stateChanged)
				}
				if ev.actionsScheduled != nil {
					s.sub.OnActionsScheduled(*ev.actionsScheduled)
				}
			case <-s.done:
				return
			}
		}
	}()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(s.done)
	}
}

// PublishStateChanged fans a state-change event out to every subscriber.
func (b *Bus) PublishStateChanged(e StateChanged) {
	if e.View.IsExternal {
		return
	}
	b.publish(event{stateChanged: &e})
}

// PublishActionsScheduled fans a scheduling-action event out to every
// subscriber.
func (b *Bus) PublishActionsScheduled(e ActionsScheduled) {
	if e.View.IsExternal {
		return
	}
	b.publish(event{actionsScheduled: &e})
}

func (b *Bus) publish(ev event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.inbox <- ev:
		default:
			// Best-effort delivery: drop rather than block the publisher
			// when a subscriber's buffer is full.
		}
	}
}

// ToSnapshot renders a scheduling.State into its wire format.
func ToSnapshot(s scheduling.State) Snapshot {
	snap := Snapshot{Label: s.Label(), ViewPath: s.ViewOf().URLPath}
	switch v := s.(type) {
	case scheduling.Waiting:
		snap.WithErrors = boolPtr(v.WithErrors)
		snap.Incomplete = boolPtr(v.Incomplete)
	case scheduling.Transforming:
		snap.WithErrors = boolPtr(v.WithErrors)
		snap.Incomplete = boolPtr(v.Incomplete)
	case scheduling.Retrying:
		snap.WithErrors = boolPtr(v.WithErrors)
		snap.Incomplete = boolPtr(v.Incomplete)
	case scheduling.Materialized:
		snap.WithErrors = boolPtr(v.WithErrors)
		snap.Incomplete = boolPtr(v.Incomplete)
		ts := v.TransformationTimestamp
		snap.TransformationTimestamp = &ts
	}
	return snap
}

func boolPtr(b bool) *bool { return &b }

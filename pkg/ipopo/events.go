// pkg/ipopo/events.go
package ipopo

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind is the iPOPO lifecycle event schema (§6).
type EventKind int

const (
	EventRegistered EventKind = iota
	EventUnregistered
	EventInstantiated
	EventValidated
	EventInvalidated
	EventBound
	EventUnbound
	EventKilled
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "REGISTERED"
	case EventUnregistered:
		return "UNREGISTERED"
	case EventInstantiated:
		return "INSTANTIATED"
	case EventValidated:
		return "VALIDATED"
	case EventInvalidated:
		return "INVALIDATED"
	case EventBound:
		return "BOUND"
	case EventUnbound:
		return "UNBOUND"
	case EventKilled:
		return "KILLED"
	default:
		return "UNKNOWN"
	}
}

// Event is the (kind, factory_name, instance_name?) record delivered to
// listeners (§6). InstanceName is empty for factory-level events
// (REGISTERED/UNREGISTERED).
type Event struct {
	Kind         EventKind
	FactoryName  string
	InstanceName string
}

// Listener receives iPOPO lifecycle events.
type Listener interface {
	HandleEvent(event Event)
}

// EventSink is the narrow interface StoredInstance uses to publish events
// upward without depending on the full Service type.
type EventSink interface {
	Emit(event Event)
}

// eventFanout dispatches events to a copy of the listener list, so a
// listener may mutate the list during delivery without affecting the
// current round (§4.7). Exceptions are logged and swallowed; delivery is
// synchronous, in the event-producing thread, and never holds any
// runtime lock — the listener slice is copied out from under the
// fan-out's own mu before any listener runs (§5's "Listeners are invoked
// without holding any runtime lock").
type eventFanout struct {
	mu        sync.Mutex
	listeners []Listener
	log       *zap.SugaredLogger
}

func newEventFanout(log *zap.SugaredLogger) *eventFanout {
	return &eventFanout{log: log}
}

// AddListener is idempotent; returns whether the set changed (§4.5).
func (f *eventFanout) AddListener(l Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.listeners {
		if existing == l {
			return false
		}
	}
	f.listeners = append(f.listeners, l)
	return true
}

// RemoveListener is idempotent; returns whether the set changed (§4.5).
func (f *eventFanout) RemoveListener(l Listener) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.listeners {
		if existing == l {
			f.listeners = append(f.listeners[:i], f.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Emit delivers event to a snapshot of the listener list.
func (f *eventFanout) Emit(event Event) {
	f.mu.Lock()
	snapshot := make([]Listener, len(f.listeners))
	copy(snapshot, f.listeners)
	f.mu.Unlock()

	for _, l := range snapshot {
		f.safeDeliver(l, event)
	}
}

func (f *eventFanout) safeDeliver(l Listener, event Event) {
	defer func() {
		if r := recover(); r != nil && f.log != nil {
			f.log.Errorw("ipopo listener panicked", "panic", r, "event", event.Kind.String())
		}
	}()
	l.HandleEvent(event)
}

package circuit

import (
	"sync"
	"time"

	"github.com/dskow/circuitmesh/store"
)

// Event identifies a breaker event kind.
type Event string

const (
	// EventStateChange fires after a transition persists, with a
	// StateChangeEvent payload.
	EventStateChange Event = "stateChange"

	// EventCircuitOpen fires exactly on the edge into the open state, with
	// a FailureEvent payload carrying the tripping error.
	EventCircuitOpen Event = "circuitOpen"

	// EventFailure fires after a failed call is recorded (FailureEvent).
	EventFailure Event = "failure"

	// EventSuccess fires after a successful call is recorded (SuccessEvent).
	EventSuccess Event = "success"

	// EventTimeout fires when a call exceeded the service deadline
	// (FailureEvent), in addition to EventFailure.
	EventTimeout Event = "timeout"

	// EventRejected fires when admission rejects a call without invoking
	// it, whether open or overloaded (FailureEvent).
	EventRejected Event = "rejected"

	// EventMetrics carries a Metrics snapshot after each recorded outcome
	// and on every metrics tick.
	EventMetrics Event = "metrics"

	// EventHealthCheck carries the stats observed by a health tick
	// (StatsEvent).
	EventHealthCheck Event = "healthCheck"

	// EventStateUpdate forwards records delivered by the store watch
	// (StatsEvent).
	EventStateUpdate Event = "stateUpdate"
)

// StateChangeEvent is the payload of EventStateChange.
type StateChangeEvent struct {
	Service string
	From    State
	To      State
}

// FailureEvent is the payload of EventFailure, EventTimeout, EventRejected,
// and EventCircuitOpen. Stats may be nil when the record could not be read.
type FailureEvent struct {
	Service string
	Err     error
	Stats   *store.Stats
}

// SuccessEvent is the payload of EventSuccess.
type SuccessEvent struct {
	Service      string
	ResponseTime time.Duration
	Stats        *store.Stats
}

// StatsEvent is the payload of EventHealthCheck and EventStateUpdate.
type StatsEvent struct {
	Service string
	Stats   *store.Stats
}

// Listener receives an event payload. Listeners run synchronously on the
// emitting goroutine and must not block.
type Listener func(payload any)

// Subscription pairs an event kind with a listener, for bulk registration
// through the factory.
type Subscription struct {
	Event    Event
	Listener Listener
}

type listenerEntry struct {
	id int
	fn Listener
}

// dispatcher holds per-kind listener lists. Emission order per listener
// follows registration order and is preserved across emits.
type dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[Event][]listenerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{listeners: make(map[Event][]listenerEntry)}
}

// subscribe registers fn and returns a handle usable with unsubscribe.
func (d *dispatcher) subscribe(ev Event, fn Listener) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.listeners[ev] = append(d.listeners[ev], listenerEntry{id: d.nextID, fn: fn})
	return d.nextID
}

func (d *dispatcher) unsubscribe(ev Event, id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.listeners[ev]
	for i, e := range entries {
		if e.id == id {
			d.listeners[ev] = append(entries[:i:i], entries[i+1:]...)
			return
		}
	}
}

// emit calls every listener for the kind, in registration order, on the
// calling goroutine. No lock is held while listeners run.
func (d *dispatcher) emit(ev Event, payload any) {
	d.mu.RLock()
	entries := d.listeners[ev]
	fns := make([]Listener, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}

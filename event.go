package coopsync

import (
	"sync"
)

// Event is a latching boolean flag. Wait returns a deferred that resolves
// once the event is set; Set latches the flag and resolves every current
// waiter at once. Clear unlatches without affecting waiters that have
// already resolved.
type Event struct {
	waiters []*Deferred[struct{}]
	latched bool
	mu      sync.Mutex
}

// NewEvent initializes a new, unset Event.
func NewEvent() *Event {
	return &Event{}
}

// Set latches the event, resolving all current waiters. A no-op if already
// set.
func (x *Event) Set() {
	runAll(x.set())
}

// set latches and returns the waiter dispatch closures, to be invoked once
// the caller holds no mutexes. Split from Set so [Queue] can latch its
// finished event inside its own critical section.
func (x *Event) set() (dispatches []func()) {
	x.mu.Lock()
	if x.latched {
		x.mu.Unlock()
		return nil
	}
	x.latched = true
	waiters := x.waiters
	x.waiters = nil
	for _, w := range waiters {
		if dispatch, ok := w.trySettle(struct{}{}, nil, Fulfilled); ok {
			dispatches = append(dispatches, dispatch)
		}
	}
	x.mu.Unlock()
	return dispatches
}

// Clear unlatches the event. Waiters that already resolved are unaffected.
func (x *Event) Clear() {
	x.mu.Lock()
	x.latched = false
	x.mu.Unlock()
}

// IsSet reports whether the event is currently latched.
func (x *Event) IsSet() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.latched
}

// Wait returns a deferred that resolves once the event is set, immediately
// if it already is. Cancelling the returned deferred detaches the waiter.
func (x *Event) Wait() *Deferred[struct{}] {
	d := NewDeferred[struct{}]()

	x.mu.Lock()
	if x.latched {
		x.mu.Unlock()
		_ = d.Resolve(struct{}{})
		return d
	}
	x.waiters = append(x.waiters, d)
	x.mu.Unlock()

	// self-detach on any settlement; Set already clears the whole list
	d.OnSettle(func(d *Deferred[struct{}]) {
		x.mu.Lock()
		x.waiters = removeDeferred(x.waiters, d)
		x.mu.Unlock()
	})

	return d
}

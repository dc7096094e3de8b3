package coopsync

import (
	"fmt"
	"sync"
)

// Semaphore is a cooperative counting semaphore. Acquire consumes a permit,
// suspending (via the returned [Deferred]) while none are available; Release
// returns one, waking the first live waiter. There is no upper bound: extra
// releases simply accumulate permits.
type Semaphore struct {
	waiters []*Deferred[struct{}]
	permits int
	mu      sync.Mutex
}

// NewSemaphore initializes a semaphore with the given number of permits.
// A negative value will cause a panic.
func NewSemaphore(value int) *Semaphore {
	if value < 0 {
		panic(fmt.Errorf(`coopsync: semaphore: negative initial value %d: %w`, value, ErrInvalidState))
	}
	return &Semaphore{permits: value}
}

// Acquire returns a deferred that resolves once a permit has been consumed
// on the caller's behalf. Cancelling the returned deferred abandons the
// wait; if a permit is available at that point, the wakeup is forwarded to
// the next waiter rather than lost.
func (x *Semaphore) Acquire() *Deferred[struct{}] {
	d := NewDeferred[struct{}]()

	x.mu.Lock()
	if x.permits > 0 {
		x.permits--
		x.mu.Unlock()
		_ = d.Resolve(struct{}{})
		return d
	}
	x.waiters = append(x.waiters, d)
	x.mu.Unlock()

	d.OnSettle(func(d *Deferred[struct{}]) {
		if !d.Cancelled() {
			return
		}
		x.mu.Lock()
		x.waiters = removeDeferred(x.waiters, d)
		dispatch := x.wakeLocked()
		x.mu.Unlock()
		if dispatch != nil {
			dispatch()
		}
	})

	return d
}

// wakeLocked grants a permit to the first live waiter, while one is
// available. Must be called with x.mu held; the returned dispatch (if any)
// must be invoked after x.mu is released.
func (x *Semaphore) wakeLocked() func() {
	for x.permits > 0 && len(x.waiters) != 0 {
		w := x.waiters[0]
		x.waiters = x.waiters[1:]
		if dispatch, ok := w.trySettle(struct{}{}, nil, Fulfilled); ok {
			x.permits--
			return dispatch
		}
	}
	return nil
}

// Release returns a permit, waking the first live waiter, if any.
func (x *Semaphore) Release() {
	x.mu.Lock()
	x.permits++
	dispatch := x.wakeLocked()
	x.mu.Unlock()
	if dispatch != nil {
		dispatch()
	}
}

// Locked reports whether all permits are currently consumed, i.e. whether
// Acquire would suspend.
func (x *Semaphore) Locked() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.permits == 0
}

package coopsync

import (
	"fmt"
	"sync"
)

// Lock provides cooperative mutual exclusion. Unlike sync.Mutex, acquisition
// is awaitable: Acquire returns a [Deferred] that resolves once the caller
// holds the lock, and a waiting acquisition can be abandoned by cancelling
// that deferred.
//
// Release hands ownership to the first live waiter, baton-passing style: the
// lock is marked held on the waiter's behalf in the same step that settles
// its deferred, before the waiter's awaiter can resume, so at no point can a
// third party observe the lock free while a wakeup is in flight.
type Lock struct {
	waiters []*Deferred[struct{}]
	locked  bool
	mu      sync.Mutex
}

// NewLock initializes a new, unlocked Lock.
func NewLock() *Lock {
	return &Lock{}
}

// Acquire returns a deferred that resolves once the lock is held by the
// caller. If the lock is free it is taken immediately. Cancelling the
// returned deferred abandons the wait; ownership is never transferred to a
// cancelled waiter.
func (x *Lock) Acquire() *Deferred[struct{}] {
	d := NewDeferred[struct{}]()

	x.mu.Lock()
	if !x.locked {
		// invariant: the lock is never free while live waiters are queued
		x.locked = true
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

// wakeLocked hands the lock to the first live waiter, if it is free.
// Must be called with x.mu held; the returned dispatch (if any) must be
// invoked after x.mu is released.
func (x *Lock) wakeLocked() func() {
	if x.locked {
		return nil
	}
	for len(x.waiters) != 0 {
		w := x.waiters[0]
		x.waiters = x.waiters[1:]
		if dispatch, ok := w.trySettle(struct{}{}, nil, Fulfilled); ok {
			x.locked = true
			return dispatch
		}
	}
	return nil
}

// Release releases the lock, waking the first live waiter, if any. Returns
// an error wrapping [ErrInvalidState] if the lock is not held.
func (x *Lock) Release() error {
	x.mu.Lock()
	if !x.locked {
		x.mu.Unlock()
		return fmt.Errorf(`coopsync: lock: release of unlocked lock: %w`, ErrInvalidState)
	}
	x.locked = false
	dispatch := x.wakeLocked()
	x.mu.Unlock()
	if dispatch != nil {
		dispatch()
	}
	return nil
}

// Locked reports whether the lock is currently held.
func (x *Lock) Locked() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.locked
}

// removeDeferred removes the first occurrence of d, preserving order.
func removeDeferred[T any](s []*Deferred[T], d *Deferred[T]) []*Deferred[T] {
	for i, v := range s {
		if v == d {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

package coopsync

import (
	"fmt"
	"sync"
)

// Cond is a monitor-style condition variable over a cooperative [Lock].
// Wait atomically releases the lock and parks until notified, reacquiring
// the lock before resuming; Notify wakes up to n parked waiters in FIFO
// order.
type Cond struct {
	lock    *Lock
	waiters []*Deferred[struct{}]
	mu      sync.Mutex
}

// NewCond initializes a condition over l. A nil l means the condition owns a
// fresh lock.
func NewCond(l *Lock) *Cond {
	if l == nil {
		l = NewLock()
	}
	return &Cond{lock: l}
}

// Locked reports whether the underlying lock is held.
func (x *Cond) Locked() bool { return x.lock.Locked() }

// Acquire acquires the underlying lock.
func (x *Cond) Acquire() *Deferred[struct{}] { return x.lock.Acquire() }

// Release releases the underlying lock.
func (x *Cond) Release() error { return x.lock.Release() }

// Wait releases the lock, parks until notified, and reacquires the lock
// before the returned deferred resolves. The lock must be held; otherwise
// the deferred rejects with an error wrapping [ErrInvalidState].
//
// Cancelling the returned deferred cascades: a parked waiter is detached,
// and a waiter already notified gives up its reacquisition attempt,
// forwarding the consumed notification to the next parked waiter so the
// signal is not lost.
func (x *Cond) Wait() *Deferred[struct{}] {
	outer := NewDeferred[struct{}]()

	if err := x.lock.Release(); err != nil {
		_ = outer.Reject(fmt.Errorf(`coopsync: cond: wait without lock held: %w`, ErrInvalidState))
		return outer
	}

	inner := NewDeferred[struct{}]()
	x.mu.Lock()
	x.waiters = append(x.waiters, inner)
	x.mu.Unlock()

	outer.OnSettle(func(d *Deferred[struct{}]) {
		if !d.Cancelled() {
			return
		}
		if inner.Cancel() {
			// still parked: detach
			x.mu.Lock()
			x.waiters = removeDeferred(x.waiters, inner)
			x.mu.Unlock()
		}
		// already notified: the reacquire path observes the cancellation
	})

	inner.OnSettle(func(d *Deferred[struct{}]) {
		if d.Cancelled() {
			return
		}
		x.reacquire(outer)
	})

	return outer
}

// reacquire retakes the lock on behalf of a notified waiter, retrying across
// cancelled attempts, and resolves outer once the lock is held. If outer was
// cancelled in the meantime, the consumed notification is forwarded.
func (x *Cond) reacquire(outer *Deferred[struct{}]) {
	acq := x.lock.Acquire()
	outer.OnSettle(func(d *Deferred[struct{}]) {
		if d.Cancelled() {
			acq.Cancel()
		}
	})
	acq.OnSettle(func(a *Deferred[struct{}]) {
		if a.Cancelled() {
			if outer.Cancelled() {
				x.forwardNotify()
				return
			}
			x.reacquire(outer)
			return
		}
		if err := outer.Resolve(struct{}{}); err != nil {
			// outer was cancelled in the settle window: give the lock back
			// and re-issue the notification
			_ = x.lock.Release()
			x.forwardNotify()
		}
	})
}

// forwardNotify re-issues a consumed notification to the next live waiter.
func (x *Cond) forwardNotify() {
	x.mu.Lock()
	var dispatch func()
	for len(x.waiters) != 0 {
		w := x.waiters[0]
		x.waiters = x.waiters[1:]
		if fn, ok := w.trySettle(struct{}{}, nil, Fulfilled); ok {
			dispatch = fn
			break
		}
	}
	x.mu.Unlock()
	if dispatch != nil {
		dispatch()
	}
}

// Notify wakes up to n parked waiters, in FIFO order, skipping waiters that
// have already settled or been cancelled. The lock must be held; otherwise
// an error wrapping [ErrInvalidState] is returned. Woken waiters do not
// resume until they reacquire the lock.
func (x *Cond) Notify(n int) error {
	if !x.lock.Locked() {
		return fmt.Errorf(`coopsync: cond: notify without lock held: %w`, ErrInvalidState)
	}
	x.mu.Lock()
	var dispatches []func()
	for n > 0 && len(x.waiters) != 0 {
		w := x.waiters[0]
		x.waiters = x.waiters[1:]
		if dispatch, ok := w.trySettle(struct{}{}, nil, Fulfilled); ok {
			dispatches = append(dispatches, dispatch)
			n--
		}
	}
	x.mu.Unlock()
	runAll(dispatches)
	return nil
}

// NotifyAll wakes every parked waiter. The lock must be held; otherwise an
// error wrapping [ErrInvalidState] is returned.
func (x *Cond) NotifyAll() error {
	x.mu.Lock()
	n := len(x.waiters)
	x.mu.Unlock()
	if n == 0 {
		if !x.lock.Locked() {
			return fmt.Errorf(`coopsync: cond: notify without lock held: %w`, ErrInvalidState)
		}
		return nil
	}
	return x.Notify(n)
}

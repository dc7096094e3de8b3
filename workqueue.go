package coopsync

import (
	"context"
	"iter"
	"sync"
)

type (
	// UnorderedWorkQueueConfig models optional configuration, for
	// [NewUnorderedWorkQueue]. The zero value (and a nil config) means
	// unbounded in both dimensions, with errors re-raised from Get.
	UnorderedWorkQueueConfig struct {
		// MaxPending bounds the number of admitted-but-unsettled awaitables,
		// if positive.
		MaxPending int

		// MaxFulfilled bounds the number of settled-but-unclaimed results,
		// if positive.
		MaxFulfilled int

		// AllowErrors controls iteration: when set, an awaitable's error is
		// yielded and iteration continues, instead of terminating it.
		AllowErrors bool
	}

	// UnorderedWorkQueue is a bounded in-flight pipeline of awaitables whose
	// results are delivered strictly in the order the awaitables settle,
	// independent of the order they were put. Backpressure applies on both
	// ends: Put suspends while too many awaitables are in flight OR too many
	// results sit unclaimed.
	UnorderedWorkQueue[T any] struct {
		pending     map[uint64]*Deferred[T]
		fulfilled   *Queue[Outcome[T]]
		putters     []*Event
		nextID      uint64
		promoting   int
		maxPending  int
		allowErrors bool
		mu          sync.Mutex
	}
)

// NewUnorderedWorkQueue initializes an [UnorderedWorkQueue]. The provided
// config may be nil.
func NewUnorderedWorkQueue[T any](config *UnorderedWorkQueueConfig) *UnorderedWorkQueue[T] {
	var maxPending, maxFulfilled int
	var allowErrors bool
	if config != nil {
		maxPending = config.MaxPending
		maxFulfilled = config.MaxFulfilled
		allowErrors = config.AllowErrors
	}
	return &UnorderedWorkQueue[T]{
		pending:     make(map[uint64]*Deferred[T]),
		fulfilled:   NewQueue[Outcome[T]](maxFulfilled),
		maxPending:  maxPending,
		allowErrors: allowErrors,
	}
}

func (x *UnorderedWorkQueue[T]) canPutLocked() bool {
	return (x.maxPending <= 0 || len(x.pending) < x.maxPending) &&
		!x.fulfilled.Full()
}

// Put admits aw into the pipeline, suspending (via the returned deferred)
// while admission would exceed a bound. Once admitted, aw's settlement is
// promoted - exactly once - into the fulfilled queue as an [Outcome]
// envelope, in whatever order settlements actually happen. A cancelled
// awaitable promotes as an [ErrCancelled] outcome.
//
// Cancelling the returned deferred withdraws a not-yet-admitted put; any
// wakeup it had been handed is re-issued to the next waiting producer.
func (x *UnorderedWorkQueue[T]) Put(aw *Deferred[T]) *Deferred[struct{}] {
	if aw == nil {
		panic(`coopsync: work queue: nil awaitable`)
	}
	outer := NewDeferred[struct{}]()
	x.admit(aw, outer)
	return outer
}

// admit is one round of the admission loop: admit immediately if capacity
// allows, else park behind a fresh putter event and retry on wake.
func (x *UnorderedWorkQueue[T]) admit(aw *Deferred[T], outer *Deferred[struct{}]) {
	x.mu.Lock()
	if outer.Done() {
		// cancelled while parked; our wakeup (if any) must not be lost
		x.mu.Unlock()
		x.wakeOnePutter()
		return
	}
	if x.canPutLocked() {
		x.nextID++
		id := x.nextID
		x.pending[id] = aw
		x.mu.Unlock()
		aw.OnSettle(func(d *Deferred[T]) {
			x.promote(id, d)
		})
		_ = outer.Resolve(struct{}{})
		return
	}

	ev := NewEvent()
	x.putters = append(x.putters, ev)
	x.mu.Unlock()

	w := ev.Wait()
	outer.OnSettle(func(d *Deferred[struct{}]) {
		if !d.Cancelled() {
			return
		}
		if w.Cancel() {
			x.mu.Lock()
			x.putters = removeEvent(x.putters, ev)
			x.mu.Unlock()
		}
		if ev.IsSet() {
			// the wakeup was already spent on us: forward it
			x.wakeOnePutter()
		}
	})
	w.OnSettle(func(d *Deferred[struct{}]) {
		if d.Cancelled() {
			return
		}
		x.admit(aw, outer)
	})
}

func removeEvent(s []*Event, ev *Event) []*Event {
	for i, v := range s {
		if v == ev {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// promote moves a settled awaitable's outcome into the fulfilled queue,
// wrapped so a deferred-valued result is never flattened. Runs once per
// admitted awaitable, via OnSettle.
func (x *UnorderedWorkQueue[T]) promote(id uint64, d *Deferred[T]) {
	x.mu.Lock()
	delete(x.pending, id)
	x.promoting++
	x.mu.Unlock()

	value, err := d.Result()
	p := x.fulfilled.Put(Outcome[T]{Value: value, Err: err})
	p.OnSettle(func(*Deferred[struct{}]) {
		x.mu.Lock()
		x.promoting--
		x.mu.Unlock()
		x.wakeOnePutter()
	})
}

// wakeOnePutter wakes the first waiting producer, if admission is currently
// possible. Wakes at most one; the woken producer re-validates under the
// mutex, so a spurious wake is harmless.
func (x *UnorderedWorkQueue[T]) wakeOnePutter() {
	x.mu.Lock()
	var ev *Event
	if x.canPutLocked() && len(x.putters) != 0 {
		ev = x.putters[0]
		x.putters = x.putters[1:]
	}
	x.mu.Unlock()
	if ev != nil {
		ev.Set()
	}
}

// GetOutcome returns a deferred that resolves with the next [Outcome] in
// finish order, suspending while none are available. It never rejects due
// to the inner awaitable: errors are delivered as the outcome's Err.
// Cancelling the returned deferred detaches the waiter without consuming
// an envelope.
func (x *UnorderedWorkQueue[T]) GetOutcome() *Deferred[Outcome[T]] {
	outer := NewDeferred[Outcome[T]]()
	g := x.fulfilled.Get()
	outer.OnSettle(func(d *Deferred[Outcome[T]]) {
		if d.Cancelled() {
			g.Cancel()
		}
	})
	g.OnSettle(func(g *Deferred[Outcome[T]]) {
		env, err := g.Result()
		if err != nil {
			_ = outer.Reject(err)
			return
		}
		_ = outer.Resolve(env)
		x.wakeOnePutter()
	})
	return outer
}

// Get returns a deferred that resolves with the next result in finish
// order, rejecting with the inner awaitable's error (or [ErrCancelled], for
// a cancelled awaitable). Use [UnorderedWorkQueue.GetOutcome] to receive
// errors as values instead.
func (x *UnorderedWorkQueue[T]) Get() *Deferred[T] {
	outer := NewDeferred[T]()
	g := x.GetOutcome()
	outer.OnSettle(func(d *Deferred[T]) {
		if d.Cancelled() {
			g.Cancel()
		}
	})
	g.OnSettle(func(g *Deferred[Outcome[T]]) {
		env, err := g.Result()
		switch {
		case err != nil:
			_ = outer.Reject(err)
		case env.Err != nil:
			_ = outer.Reject(env.Err)
		default:
			_ = outer.Resolve(env.Value)
		}
	})
	return outer
}

// Pending returns the number of admitted awaitables that have not yet
// settled.
func (x *UnorderedWorkQueue[T]) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

// Fulfilled returns the number of settled results not yet claimed.
func (x *UnorderedWorkQueue[T]) Fulfilled() int {
	return x.fulfilled.Len()
}

// Iterate returns an iterator yielding results in finish order, draining
// the pipeline: it ends once nothing is pending, promoting, or unclaimed.
// An inner error is yielded with a zero value; unless the queue was
// configured with AllowErrors, it also ends the iteration. A ctx error ends
// the iteration after being yielded. The iterator is the consuming side of
// the pipeline; do not run it concurrently with other consumers.
func (x *UnorderedWorkQueue[T]) Iterate(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for {
			x.mu.Lock()
			idle := len(x.pending) == 0 && x.promoting == 0
			x.mu.Unlock()
			if idle && x.fulfilled.Empty() {
				return
			}
			env, err := x.GetOutcome().Await(ctx)
			if err != nil {
				var zero T
				yield(zero, err)
				return
			}
			if env.Err != nil {
				var zero T
				if !yield(zero, env.Err) || !x.allowErrors {
					return
				}
				continue
			}
			if !yield(env.Value, nil) {
				return
			}
		}
	}
}

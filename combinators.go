package coopsync

import (
	"sync"
	"sync/atomic"
)

// All returns a deferred that fulfills when every input fulfills, with the
// values in input order, and rejects as soon as any input rejects or is
// cancelled (with that input's error). An empty input fulfills immediately
// with an empty slice.
func All[T any](ds ...*Deferred[T]) *Deferred[[]T] {
	result := NewDeferred[[]T]()

	if len(ds) == 0 {
		_ = result.Resolve(make([]T, 0))
		return result
	}

	var (
		mu        sync.Mutex
		completed atomic.Int32
	)
	values := make([]T, len(ds))

	for i, d := range ds {
		idx := i
		d.OnSettle(func(d *Deferred[T]) {
			v, err := d.Result()
			if err != nil {
				// first failure wins; later attempts fail the transition
				_ = result.Reject(err)
				return
			}
			mu.Lock()
			values[idx] = v
			mu.Unlock()
			if completed.Add(1) == int32(len(ds)) {
				_ = result.Resolve(values)
			}
		})
	}

	return result
}

// Race returns a deferred that adopts the settlement of the first input to
// settle, ignoring the rest. Cancellation of an input counts as its
// settlement. An empty input never settles.
func Race[T any](ds ...*Deferred[T]) *Deferred[T] {
	result := NewDeferred[T]()

	for _, d := range ds {
		d.OnSettle(func(d *Deferred[T]) {
			if v, err := d.Result(); err != nil {
				_ = result.Reject(err)
			} else {
				_ = result.Resolve(v)
			}
		})
	}

	return result
}

// AllSettled returns a deferred that fulfills once every input has settled
// or been cancelled, with one [Outcome] per input, in input order. It never
// rejects. An empty input fulfills immediately with an empty slice.
func AllSettled[T any](ds ...*Deferred[T]) *Deferred[[]Outcome[T]] {
	result := NewDeferred[[]Outcome[T]]()

	if len(ds) == 0 {
		_ = result.Resolve(make([]Outcome[T], 0))
		return result
	}

	var (
		mu        sync.Mutex
		completed atomic.Int32
	)
	outcomes := make([]Outcome[T], len(ds))

	for i, d := range ds {
		idx := i
		d.OnSettle(func(d *Deferred[T]) {
			v, err := d.Result()
			mu.Lock()
			outcomes[idx] = Outcome[T]{Value: v, Err: err}
			mu.Unlock()
			if completed.Add(1) == int32(len(ds)) {
				_ = result.Resolve(outcomes)
			}
		})
	}

	return result
}

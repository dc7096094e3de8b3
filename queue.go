package coopsync

import (
	"fmt"
	"sync"
)

type (
	queueOrder int

	// queueEntry is an item plus the ordering metadata for the priority
	// variant: key is the caller-supplied priority, seq breaks ties in
	// insertion order.
	queueEntry[T any] struct {
		value T
		key   float64
		seq   uint64
	}

	// queueWaiter is one parked consumer-side operation: a threshold plus a
	// completion attempt. fire runs with the queue mutex held, so checking
	// the threshold, extracting items, and settling the waiter's deferred
	// are one atomic step; it returns ok=false if the waiter already settled
	// or was cancelled, in which case the wakeup routes to the next waiter.
	queueWaiter struct {
		need int
		fire func() (dispatch func(), ok bool)
	}

	// Queue is a bounded or unbounded producer/consumer queue with blocking
	// (awaitable) put/get, threshold waits, and task accounting. The three
	// orderings share this one type; see [NewQueue], [NewLIFOQueue], and
	// [NewPriorityQueue].
	//
	// Producers and consumers park as [Deferred] waiters, served in FIFO
	// registration order per role. Cancelling a waiter's deferred detaches
	// it; if the queue's state would still have satisfied it, the wakeup is
	// re-issued to the next eligible waiter, so no signal is lost, and a
	// cancelled getter never takes an item with it.
	Queue[T any] struct {
		buf        *ringBuffer[queueEntry[T]]
		getters    []*queueWaiter
		putters    []*queueWaiter
		finished   *Event
		maxSize    int
		unfinished int
		seq        uint64
		order      queueOrder
		mu         sync.Mutex
	}
)

const (
	orderFIFO queueOrder = iota
	orderLIFO
	orderPriority
)

// NewQueue initializes a FIFO queue. maxSize <= 0 means unbounded.
func NewQueue[T any](maxSize int) *Queue[T] {
	return newQueue[T](maxSize, orderFIFO)
}

// NewLIFOQueue initializes a LIFO (stack-ordered) queue. maxSize <= 0 means
// unbounded.
func NewLIFOQueue[T any](maxSize int) *Queue[T] {
	return newQueue[T](maxSize, orderLIFO)
}

// NewPriorityQueue initializes a priority queue: items are extracted lowest
// priority key first, insertion order breaking ties. Use
// [Queue.PutPriority] / [Queue.PutPriorityNoWait] to supply keys; the plain
// put methods insert with key 0. maxSize <= 0 means unbounded.
func NewPriorityQueue[T any](maxSize int) *Queue[T] {
	return newQueue[T](maxSize, orderPriority)
}

func newQueue[T any](maxSize int, order queueOrder) *Queue[T] {
	if maxSize < 0 {
		maxSize = 0
	}
	return &Queue[T]{
		buf:      newRingBuffer[queueEntry[T]](8),
		finished: &Event{latched: true}, // no unfinished tasks yet
		maxSize:  maxSize,
		order:    order,
	}
}

func (x *Queue[T]) fullLocked() bool {
	return x.maxSize > 0 && x.buf.Len() >= x.maxSize
}

func entryLess[T any](a, b queueEntry[T]) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	return a.seq < b.seq
}

// insertLocked performs the variant insertion and the bookkeeping shared by
// every successful put: one more unfinished task, finished unlatched.
func (x *Queue[T]) insertLocked(item T, priority float64) {
	x.seq++
	e := queueEntry[T]{value: item, key: priority, seq: x.seq}
	if x.order != orderPriority {
		x.buf.PushBack(e)
	} else if l := x.buf.Len(); l == 0 || !entryLess(e, x.buf.Get(l-1)) {
		// at or past the current maximum
		x.buf.PushBack(e)
	} else if entryLess(e, x.buf.Get(0)) {
		// ahead of the current minimum
		x.buf.PushFront(e)
	} else {
		// after any equal keys, since e carries the largest seq
		x.buf.Insert(x.buf.SearchFunc(func(o queueEntry[T]) bool {
			return entryLess(e, o)
		}), e)
	}
	x.unfinished++
	x.finished.Clear()
}

// popLocked performs the variant extraction. The priority buffer is kept
// ordered ascending, so its minimum is at the front.
func (x *Queue[T]) popLocked() T {
	if x.order == orderLIFO {
		return x.buf.PopBack().value
	}
	return x.buf.PopFront().value
}

func (x *Queue[T]) drainLocked() []T {
	out := make([]T, 0, x.buf.Len())
	for x.buf.Len() != 0 {
		out = append(out, x.popLocked())
	}
	return out
}

// rebalanceLocked drives all possible progress: admit parked producers while
// capacity allows, then serve any parked consumer whose threshold holds,
// repeating while either makes progress (consumption frees capacity, which
// admits producers, which satisfies thresholds, ...). Must be called with
// x.mu held after every state change; the returned dispatches must be run
// once x.mu is released.
func (x *Queue[T]) rebalanceLocked() (dispatches []func()) {
	for {
		var progress bool

		for !x.fullLocked() && len(x.putters) != 0 {
			p := x.putters[0]
			x.putters = x.putters[1:]
			if dispatch, ok := p.fire(); ok {
				dispatches = append(dispatches, dispatch)
				progress = true
			}
		}

		// consumers are condition-based, not position-based: any waiter
		// whose threshold holds is served, in registration order
		i := 0
		for i < len(x.getters) {
			g := x.getters[i]
			if g.need > x.buf.Len() {
				i++
				continue
			}
			x.getters = append(x.getters[:i], x.getters[i+1:]...)
			if dispatch, ok := g.fire(); ok {
				dispatches = append(dispatches, dispatch)
				progress = true
			}
		}

		if !progress {
			return dispatches
		}
	}
}

func removeWaiter(s []*queueWaiter, w *queueWaiter) []*queueWaiter {
	for i, v := range s {
		if v == w {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// detachOnCancel wires a waiter's cancellation back into the queue: remove
// the parked record, then re-issue any wakeup the queue can still honor.
func (x *Queue[T]) detachOnCancel(w *queueWaiter, putter bool) func() {
	return func() {
		x.mu.Lock()
		if putter {
			x.putters = removeWaiter(x.putters, w)
		} else {
			x.getters = removeWaiter(x.getters, w)
		}
		dispatches := x.rebalanceLocked()
		x.mu.Unlock()
		runAll(dispatches)
	}
}

// Put inserts item, suspending while the queue is full. The returned
// deferred resolves once the item has been inserted; cancelling it while
// suspended withdraws the item.
func (x *Queue[T]) Put(item T) *Deferred[struct{}] {
	return x.put(item, 0)
}

// PutPriority is [Queue.Put] with an explicit priority key. Keys order
// extraction for priority queues only; the other variants ignore them.
func (x *Queue[T]) PutPriority(item T, priority float64) *Deferred[struct{}] {
	return x.put(item, priority)
}

func (x *Queue[T]) put(item T, priority float64) *Deferred[struct{}] {
	d := NewDeferred[struct{}]()
	w := &queueWaiter{}
	w.fire = func() (func(), bool) {
		return d.resolveWith(func() struct{} {
			x.insertLocked(item, priority)
			return struct{}{}
		})
	}

	x.mu.Lock()
	x.putters = append(x.putters, w)
	dispatches := x.rebalanceLocked()
	x.mu.Unlock()
	runAll(dispatches)

	detach := x.detachOnCancel(w, true)
	d.OnSettle(func(d *Deferred[struct{}]) {
		if d.Cancelled() {
			detach()
		}
	})
	return d
}

// PutNoWait inserts item without suspending, returning an error wrapping
// [ErrQueueFull] if the queue is at capacity.
func (x *Queue[T]) PutNoWait(item T) error {
	return x.putNoWait(item, 0)
}

// PutPriorityNoWait is [Queue.PutNoWait] with an explicit priority key.
func (x *Queue[T]) PutPriorityNoWait(item T, priority float64) error {
	return x.putNoWait(item, priority)
}

func (x *Queue[T]) putNoWait(item T, priority float64) error {
	x.mu.Lock()
	if x.fullLocked() {
		x.mu.Unlock()
		return fmt.Errorf(`coopsync: queue: put on full queue: %w`, ErrQueueFull)
	}
	x.insertLocked(item, priority)
	dispatches := x.rebalanceLocked()
	x.mu.Unlock()
	runAll(dispatches)
	return nil
}

// Get returns a deferred that resolves with the next item, suspending while
// the queue is empty. Extraction happens atomically with the settlement:
// cancelling the returned deferred detaches the waiter without consuming
// anything, re-issuing the wakeup to the next waiter if items are available.
func (x *Queue[T]) Get() *Deferred[T] {
	d := NewDeferred[T]()
	w := &queueWaiter{need: 1}
	w.fire = func() (func(), bool) {
		return d.resolveWith(func() T {
			return x.popLocked()
		})
	}
	x.park(w, func(detach func()) {
		d.OnSettle(func(d *Deferred[T]) {
			if d.Cancelled() {
				detach()
			}
		})
	})
	return d
}

// GetAll returns a deferred that resolves with the entire buffered contents,
// drained atomically, suspending until at least one item is present.
func (x *Queue[T]) GetAll() *Deferred[[]T] {
	d := NewDeferred[[]T]()
	w := &queueWaiter{need: 1}
	w.fire = func() (func(), bool) {
		return d.resolveWith(func() []T {
			return x.drainLocked()
		})
	}
	x.park(w, func(detach func()) {
		d.OnSettle(func(d *Deferred[[]T]) {
			if d.Cancelled() {
				detach()
			}
		})
	})
	return d
}

// Wait returns a deferred that resolves once the queue holds at least size
// items (at least one, if size < 1). It consumes nothing: it is a threshold
// query with suspension. The settlement check runs atomically against the
// buffer, so a resolved wait genuinely observed the threshold; waiters
// raced out by other consumers simply remain parked.
func (x *Queue[T]) Wait(size int) *Deferred[struct{}] {
	if size < 1 {
		size = 1
	}
	d := NewDeferred[struct{}]()
	w := &queueWaiter{need: size}
	w.fire = func() (func(), bool) {
		return d.trySettle(struct{}{}, nil, Fulfilled)
	}
	x.park(w, func(detach func()) {
		d.OnSettle(func(d *Deferred[struct{}]) {
			if d.Cancelled() {
				detach()
			}
		})
	})
	return d
}

// park registers a consumer-side waiter, fires whatever it unblocks, then
// hands the caller a detach closure to wire into its deferred's
// cancellation. register abstracts over the waiter's concrete deferred type.
func (x *Queue[T]) park(w *queueWaiter, register func(detach func())) {
	x.mu.Lock()
	x.getters = append(x.getters, w)
	dispatches := x.rebalanceLocked()
	x.mu.Unlock()
	runAll(dispatches)

	register(x.detachOnCancel(w, false))
}

// GetNoWait extracts the next item without suspending, returning an error
// wrapping [ErrQueueEmpty] if the queue is empty.
func (x *Queue[T]) GetNoWait() (T, error) {
	x.mu.Lock()
	if x.buf.Len() == 0 {
		x.mu.Unlock()
		var zero T
		return zero, fmt.Errorf(`coopsync: queue: get on empty queue: %w`, ErrQueueEmpty)
	}
	item := x.popLocked()
	dispatches := x.rebalanceLocked()
	x.mu.Unlock()
	runAll(dispatches)
	return item, nil
}

// TaskDone records the completion of count previously inserted items,
// latching the finished event when no unfinished tasks remain. Returns an
// error wrapping [ErrInvalidState] if count < 1 or the counter would go
// negative. Whether producers or consumers call this is a caller protocol;
// the queue only keeps the count.
func (x *Queue[T]) TaskDone(count int) error {
	if count < 1 {
		return fmt.Errorf(`coopsync: queue: task done with count %d: %w`, count, ErrInvalidState)
	}
	x.mu.Lock()
	if count > x.unfinished {
		x.mu.Unlock()
		return fmt.Errorf(`coopsync: queue: task done without outstanding tasks: %w`, ErrInvalidState)
	}
	x.unfinished -= count
	var dispatches []func()
	if x.unfinished == 0 {
		dispatches = x.finished.set()
	}
	x.mu.Unlock()
	runAll(dispatches)
	return nil
}

// Join returns a deferred that resolves once every inserted item has been
// accounted for via [Queue.TaskDone] - immediately, if none are outstanding.
func (x *Queue[T]) Join() *Deferred[struct{}] {
	return x.finished.Wait()
}

// Len returns the number of buffered items.
func (x *Queue[T]) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Len()
}

// MaxSize returns the capacity, 0 meaning unbounded.
func (x *Queue[T]) MaxSize() int {
	return x.maxSize
}

// Empty reports whether no items are buffered.
func (x *Queue[T]) Empty() bool {
	return x.Len() == 0
}

// Full reports whether the queue is at capacity. An unbounded queue is
// never full.
func (x *Queue[T]) Full() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fullLocked()
}

// UnfinishedTasks returns the number of inserted items not yet accounted
// for via [Queue.TaskDone].
func (x *Queue[T]) UnfinishedTasks() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.unfinished
}

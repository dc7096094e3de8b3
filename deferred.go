package coopsync

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
)

// DeferredState represents the lifecycle state of a [Deferred].
// A deferred starts in [Pending] state and transitions to exactly one of
// [Fulfilled], [Rejected], or [Cancelled]. Transitions are irreversible.
type DeferredState int32

const (
	// Pending indicates the deferred has not yet settled or been cancelled.
	Pending DeferredState = iota

	// Fulfilled indicates the deferred settled successfully with a value.
	Fulfilled

	// Rejected indicates the deferred settled with an error.
	Rejected

	// Cancelled indicates the deferred was cancelled before settling.
	// Awaiters observe [ErrCancelled].
	Cancelled
)

// String returns the string representation of the state.
func (s DeferredState) String() string {
	switch s {
	case Pending:
		return `pending`
	case Fulfilled:
		return `fulfilled`
	case Rejected:
		return `rejected`
	case Cancelled:
		return `cancelled`
	default:
		return fmt.Sprintf(`unknown(%d)`, int32(s))
	}
}

type (
	// Outcome models the settlement of a [Deferred]: a value, or an error.
	// It is the element delivered on [Deferred.ToChannel] channels, and the
	// envelope type used by [UnorderedWorkQueue].
	Outcome[T any] struct {
		Value T
		Err   error
	}

	// Deferred is a one-shot, externally completable awaitable, with
	// cancellation.
	//
	// Creating and completing:
	//
	//	d := coopsync.NewDeferred[string]()
	//	go func() {
	//	    result, err := doWork()
	//	    if err != nil {
	//	        d.Reject(err)
	//	    } else {
	//	        d.Resolve(result)
	//	    }
	//	}()
	//	value, err := d.Await(ctx)
	//
	// A Deferred exposes two distinct notification channels. Awaiters
	// ([Deferred.Await], [Deferred.ToChannel]) are notified after the
	// settlement completes. Immediate callbacks ([Deferred.OnSettle]) run
	// synchronously at the moment of transition, before any awaiter can
	// resume; the synchronization primitives in this package rely on that
	// window for atomic bookkeeping such as baton-passing and cancellation
	// forwarding. Do not conflate the two.
	//
	// All methods are safe for concurrent use.
	Deferred[T any] struct {
		value       T
		err         error
		callbacks   []func(*Deferred[T])
		subscribers []chan Outcome[T]
		trace       *deferredTrace
		state       DeferredState
		mu          sync.Mutex
	}

	// settlement is the snapshot taken at transition time, dispatched after
	// all mutexes are released.
	settlement[T any] struct {
		callbacks   []func(*Deferred[T])
		subscribers []chan Outcome[T]
		outcome     Outcome[T]
	}
)

// NewDeferred initializes a new pending [Deferred].
func NewDeferred[T any]() *Deferred[T] {
	d := &Deferred[T]{}
	if deferredTracing.Load() {
		d.trace = newDeferredTrace(d)
	}
	return d
}

// settleLocked transitions to state, snapshotting everything needed for
// dispatch. Must be called with d.mu held, and d.state Pending.
func (d *Deferred[T]) settleLocked(value T, err error, state DeferredState) settlement[T] {
	d.state = state
	d.value = value
	d.err = err
	s := settlement[T]{
		callbacks:   d.callbacks,
		subscribers: d.subscribers,
		outcome:     Outcome[T]{Value: value, Err: err},
	}
	d.callbacks = nil
	d.subscribers = nil
	return s
}

// trySettle attempts the transition from Pending, returning a dispatch
// closure to be invoked once the caller holds no mutexes. The primitives in
// this package call this while holding their own mutex, completing their
// bookkeeping before running the dispatch, which is what makes a wakeup
// atomic from the waiter's perspective. A false return means the deferred
// was already settled or cancelled (e.g. the waiter lost a settle/cancel
// race), and the caller should route the wakeup elsewhere.
func (d *Deferred[T]) trySettle(value T, err error, state DeferredState) (func(), bool) {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return nil, false
	}
	s := d.settleLocked(value, err, state)
	d.mu.Unlock()
	if d.trace != nil {
		d.trace.settled.Store(true)
	}
	return func() { d.run(s) }, true
}

// resolveWith fulfills d with the result of fn, invoking fn only if the
// transition from Pending succeeds. fn runs under d's mutex, so the
// producing side effect (e.g. extracting an item from a queue buffer) is
// fused with the settlement: a concurrent Cancel either wins before fn runs,
// or fails entirely. fn must not touch d.
func (d *Deferred[T]) resolveWith(fn func() T) (func(), bool) {
	d.mu.Lock()
	if d.state != Pending {
		d.mu.Unlock()
		return nil, false
	}
	s := d.settleLocked(fn(), nil, Fulfilled)
	d.mu.Unlock()
	if d.trace != nil {
		d.trace.settled.Store(true)
	}
	return func() { d.run(s) }, true
}

// run dispatches a settlement: immediate callbacks first, in registration
// order, then awaiter notification. Subscriber channels are buffered with
// capacity 1 and receive exactly one send, so this never blocks.
func (d *Deferred[T]) run(s settlement[T]) {
	for _, cb := range s.callbacks {
		cb(d)
	}
	for _, ch := range s.subscribers {
		ch <- s.outcome
		close(ch)
	}
}

// Resolve fulfills the deferred with value, running immediate callbacks
// synchronously before returning. Returns an error wrapping
// [ErrInvalidState] if the deferred has already settled or been cancelled.
func (d *Deferred[T]) Resolve(value T) error {
	dispatch, ok := d.trySettle(value, nil, Fulfilled)
	if !ok {
		return fmt.Errorf(`coopsync: deferred: resolve of non-pending deferred: %w`, ErrInvalidState)
	}
	dispatch()
	return nil
}

// Reject settles the deferred with err, running immediate callbacks
// synchronously before returning. Returns an error wrapping
// [ErrInvalidState] if the deferred has already settled or been cancelled.
func (d *Deferred[T]) Reject(err error) error {
	if err == nil {
		err = fmt.Errorf(`coopsync: deferred: rejected with nil error`)
	}
	var zero T
	dispatch, ok := d.trySettle(zero, err, Rejected)
	if !ok {
		return fmt.Errorf(`coopsync: deferred: reject of non-pending deferred: %w`, ErrInvalidState)
	}
	dispatch()
	return nil
}

// Cancel transitions a pending deferred to [Cancelled], running immediate
// callbacks synchronously, and notifying awaiters with [ErrCancelled].
// Returns false without side effects if the deferred is not pending.
func (d *Deferred[T]) Cancel() bool {
	var zero T
	dispatch, ok := d.trySettle(zero, ErrCancelled, Cancelled)
	if !ok {
		return false
	}
	dispatch()
	return true
}

// State returns the current [DeferredState].
func (d *Deferred[T]) State() DeferredState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Done returns true once the deferred has settled or been cancelled.
func (d *Deferred[T]) Done() bool {
	return d.State() != Pending
}

// Cancelled returns true if the deferred was cancelled.
func (d *Deferred[T]) Cancelled() bool {
	return d.State() == Cancelled
}

// Result returns the settlement of the deferred. While still pending it
// returns an error wrapping [ErrInvalidState]; once cancelled it returns
// [ErrCancelled].
func (d *Deferred[T]) Result() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Pending {
		var zero T
		return zero, fmt.Errorf(`coopsync: deferred: result of pending deferred: %w`, ErrInvalidState)
	}
	return d.value, d.err
}

// Err returns the settlement error: nil if fulfilled, the rejection error if
// rejected, [ErrCancelled] if cancelled, and an error wrapping
// [ErrInvalidState] while still pending.
func (d *Deferred[T]) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Pending {
		return fmt.Errorf(`coopsync: deferred: err of pending deferred: %w`, ErrInvalidState)
	}
	return d.err
}

// OnSettle registers an immediate callback, invoked synchronously at the
// moment the deferred transitions out of Pending - before any awaiter
// resumes. If the deferred is already settled or cancelled, cb is invoked
// synchronously now. Callbacks run in registration order, on whichever
// goroutine performs the transition; they should be short and must not
// block.
func (d *Deferred[T]) OnSettle(cb func(*Deferred[T])) {
	if cb == nil {
		panic(`coopsync: deferred: nil callback`)
	}
	d.mu.Lock()
	if d.state == Pending {
		d.callbacks = append(d.callbacks, cb)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	cb(d)
}

// ToChannel returns a channel that will receive the [Outcome] when the
// deferred settles. The channel is buffered (capacity 1) and closed after
// sending. If the deferred has already settled, the channel is pre-filled.
func (d *Deferred[T]) ToChannel() <-chan Outcome[T] {
	ch := make(chan Outcome[T], 1)
	d.mu.Lock()
	if d.state != Pending {
		o := Outcome[T]{Value: d.value, Err: d.err}
		d.mu.Unlock()
		ch <- o
		close(ch)
		return ch
	}
	d.subscribers = append(d.subscribers, ch)
	d.mu.Unlock()
	return ch
}

// Await blocks until the deferred settles, or ctx is done. Context
// cancellation abandons the await only - it does not cancel the deferred;
// callers that lose interest entirely should also call [Deferred.Cancel].
// A nil ctx will cause a panic.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		panic(`coopsync: deferred: nil context`)
	}
	select {
	case o := <-d.ToChannel():
		return o.Value, o.Err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// runAll invokes each non-nil dispatch closure, in order.
func runAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}

// ============================================================================
// Finalization tracing
// ============================================================================

var deferredTracing atomic.Bool

// SetDeferredTracing toggles the pending-at-GC diagnostic. When enabled,
// each subsequently created [Deferred] captures its construction stack; if
// it is garbage collected while still pending, a report including that stack
// is written to the configured logger (see [SetLogger]), or stderr. This is
// a leak diagnostic only - it has no observable semantics, and correctness
// never depends on it.
func SetDeferredTracing(enabled bool) {
	deferredTracing.Store(enabled)
}

type deferredTrace struct {
	stack   []uintptr
	settled atomic.Bool
}

func newDeferredTrace[T any](d *Deferred[T]) *deferredTrace {
	t := &deferredTrace{}
	pcs := make([]uintptr, 32)
	// skip runtime.Callers, newDeferredTrace, and NewDeferred
	if n := runtime.Callers(3, pcs); n > 0 {
		t.stack = pcs[:n]
	}
	// t must not reference d, or the cleanup would never run
	runtime.AddCleanup(d, reportLeakedDeferred, t)
	return t
}

func reportLeakedDeferred(t *deferredTrace) {
	if t.settled.Load() {
		return
	}
	stack := formatCreationStack(t.stack)
	if logger := getLogger(); logger != nil {
		logger.Warning().
			Str(`stack`, stack).
			Log(`coopsync: deferred collected while pending`)
		return
	}
	_, _ = fmt.Fprintf(os.Stderr, "coopsync: deferred collected while pending\ncreated at:\n%s\n", stack)
}

// formatCreationStack formats a slice of program counters as a stack trace
// string, one "package.function (file:line)" frame per line.
func formatCreationStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ``
	}
	frames := runtime.CallersFrames(pcs)
	var result string
	for {
		frame, more := frames.Next()
		if frame.Function != `` {
			if result != `` {
				result += "\n"
			}
			result += fmt.Sprintf(`%s (%s:%d)`, frame.Function, frame.File, frame.Line)
		}
		if !more {
			break
		}
	}
	return result
}

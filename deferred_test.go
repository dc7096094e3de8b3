package coopsync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDeferred_Resolve(t *testing.T) {
	d := NewDeferred[string]()

	if d.State() != Pending {
		t.Fatal("Expected new deferred to be pending")
	}
	if d.Done() {
		t.Fatal("Expected new deferred not to be done")
	}

	if err := d.Resolve("value"); err != nil {
		t.Fatalf("Expected resolve to succeed, got %v", err)
	}

	if d.State() != Fulfilled {
		t.Fatalf("Expected fulfilled, got %v", d.State())
	}
	if !d.Done() {
		t.Fatal("Expected deferred to be done")
	}
	if d.Cancelled() {
		t.Fatal("Expected deferred not to be cancelled")
	}

	v, err := d.Result()
	if err != nil {
		t.Fatalf("Expected no result error, got %v", err)
	}
	if v != "value" {
		t.Fatalf("Expected value, got %q", v)
	}
	if err := d.Err(); err != nil {
		t.Fatalf("Expected nil err, got %v", err)
	}
}

func TestDeferred_Reject(t *testing.T) {
	d := NewDeferred[int]()
	cause := errors.New("boom")

	if err := d.Reject(cause); err != nil {
		t.Fatalf("Expected reject to succeed, got %v", err)
	}
	if d.State() != Rejected {
		t.Fatalf("Expected rejected, got %v", d.State())
	}
	if _, err := d.Result(); !errors.Is(err, cause) {
		t.Fatalf("Expected cause, got %v", err)
	}
	if err := d.Err(); !errors.Is(err, cause) {
		t.Fatalf("Expected cause, got %v", err)
	}
}

func TestDeferred_ResultWhilePending(t *testing.T) {
	d := NewDeferred[int]()
	if _, err := d.Result(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	if err := d.Err(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
}

func TestDeferred_CancelThenSettle(t *testing.T) {
	d := NewDeferred[int]()

	if !d.Cancel() {
		t.Fatal("Expected cancel of pending deferred to return true")
	}
	if !d.Cancelled() {
		t.Fatal("Expected deferred to be cancelled")
	}

	if err := d.Resolve(1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	if err := d.Reject(errors.New("x")); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	if _, err := d.Result(); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
}

func TestDeferred_SettleThenCancel(t *testing.T) {
	d := NewDeferred[int]()
	if err := d.Resolve(42); err != nil {
		t.Fatal(err)
	}
	if d.Cancel() {
		t.Fatal("Expected cancel of settled deferred to return false")
	}
	if v, err := d.Result(); err != nil || v != 42 {
		t.Fatalf("Expected outcome unchanged, got %v, %v", v, err)
	}
}

func TestDeferred_OnSettleOrdering(t *testing.T) {
	d := NewDeferred[int]()

	var order []int
	d.OnSettle(func(*Deferred[int]) { order = append(order, 1) })
	d.OnSettle(func(*Deferred[int]) { order = append(order, 2) })

	// callbacks run synchronously, within Resolve
	if err := d.Resolve(1); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("Expected callbacks in registration order, got %v", order)
	}

	// late registration invokes synchronously
	d.OnSettle(func(*Deferred[int]) { order = append(order, 3) })
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("Expected late callback to run immediately, got %v", order)
	}
}

func TestDeferred_OnSettleBeforeAwaiters(t *testing.T) {
	d := NewDeferred[int]()
	ch := d.ToChannel()

	var sawCallback bool
	d.OnSettle(func(*Deferred[int]) {
		sawCallback = true
		select {
		case <-ch:
			t.Error("Expected awaiter channel to be empty during immediate callback")
		default:
		}
	})

	if err := d.Resolve(7); err != nil {
		t.Fatal(err)
	}
	if !sawCallback {
		t.Fatal("Expected immediate callback to run")
	}
	if o := <-ch; o.Err != nil || o.Value != 7 {
		t.Fatalf("Expected outcome after callbacks, got %+v", o)
	}
}

func TestDeferred_Await(t *testing.T) {
	d := NewDeferred[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = d.Resolve("done")
	}()
	v, err := d.Await(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if v != "done" {
		t.Fatalf("Expected done, got %q", v)
	}
}

func TestDeferred_AwaitContextCancel(t *testing.T) {
	d := NewDeferred[string]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	// abandoning the await does not cancel the deferred
	if d.Done() {
		t.Fatal("Expected deferred to remain pending")
	}
}

func TestDeferred_AwaitCancelled(t *testing.T) {
	d := NewDeferred[string]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		d.Cancel()
	}()
	if _, err := d.Await(testContext(t)); !errors.Is(err, ErrCancelled) {
		t.Fatalf("Expected ErrCancelled, got %v", err)
	}
}

func TestDeferred_ToChannelPreSettled(t *testing.T) {
	d := NewDeferred[int]()
	_ = d.Resolve(5)

	ch := d.ToChannel()
	o, ok := <-ch
	if !ok || o.Value != 5 || o.Err != nil {
		t.Fatalf("Expected pre-filled channel, got %+v ok=%v", o, ok)
	}
	if _, ok := <-ch; ok {
		t.Fatal("Expected channel to be closed")
	}
}

func TestDeferred_Tracing(t *testing.T) {
	SetDeferredTracing(true)
	defer SetDeferredTracing(false)

	d := NewDeferred[int]()
	if d.trace == nil {
		t.Fatal("Expected trace to be captured")
	}
	if len(d.trace.stack) == 0 {
		t.Fatal("Expected creation stack to be captured")
	}
	if stack := formatCreationStack(d.trace.stack); stack == "" {
		t.Fatal("Expected formatted creation stack")
	}
	if d.trace.settled.Load() {
		t.Fatal("Expected trace to start unsettled")
	}
	_ = d.Resolve(1)
	if !d.trace.settled.Load() {
		t.Fatal("Expected settle to mark the trace")
	}

	// cancellation counts as settlement for the diagnostic
	d2 := NewDeferred[int]()
	d2.Cancel()
	if !d2.trace.settled.Load() {
		t.Fatal("Expected cancel to mark the trace")
	}
}

func TestFormatCreationStack_Empty(t *testing.T) {
	if formatCreationStack(nil) != "" {
		t.Fatal("Expected empty string for empty stack")
	}
}

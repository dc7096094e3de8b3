package coopsync

import (
	"errors"
	"testing"
)

func TestQueue_PutGetNoWait(t *testing.T) {
	q := NewQueue[string](0)

	if _, err := q.GetNoWait(); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("Expected ErrQueueEmpty, got %v", err)
	}

	if err := q.PutNoWait("a"); err != nil {
		t.Fatal(err)
	}
	if err := q.PutNoWait("b"); err != nil {
		t.Fatal(err)
	}
	if q.Len() != 2 {
		t.Fatalf("Expected length 2, got %d", q.Len())
	}

	if v, err := q.GetNoWait(); err != nil || v != "a" {
		t.Fatalf("Expected a, got %q, %v", v, err)
	}
	if v, err := q.GetNoWait(); err != nil || v != "b" {
		t.Fatalf("Expected b, got %q, %v", v, err)
	}
	if !q.Empty() {
		t.Fatal("Expected queue to be empty")
	}
}

func TestQueue_PutNoWaitFull(t *testing.T) {
	q := NewQueue[int](1)
	if err := q.PutNoWait(1); err != nil {
		t.Fatal(err)
	}
	if !q.Full() {
		t.Fatal("Expected queue to be full")
	}
	if err := q.PutNoWait(2); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_PutSuspendsWhenFull(t *testing.T) {
	q := NewQueue[int](2)

	p1 := q.Put(1)
	p2 := q.Put(2)
	if !p1.Done() || !p2.Done() {
		t.Fatal("Expected puts below capacity to resolve immediately")
	}

	p3 := q.Put(3)
	if p3.Done() {
		t.Fatal("Expected put on a full queue to suspend")
	}
	if q.Len() != 2 {
		t.Fatalf("Expected suspended put not to insert, length %d", q.Len())
	}

	if v, err := q.GetNoWait(); err != nil || v != 1 {
		t.Fatalf("Expected 1, got %v, %v", v, err)
	}
	if !p3.Done() {
		t.Fatal("Expected freed capacity to admit the waiting put")
	}
	if q.Len() != 2 {
		t.Fatalf("Expected length 2 after admission, got %d", q.Len())
	}
	if v, _ := q.GetNoWait(); v != 2 {
		t.Fatalf("Expected 2, got %v", v)
	}
	if v, _ := q.GetNoWait(); v != 3 {
		t.Fatalf("Expected 3, got %v", v)
	}
}

func TestQueue_PutCancelWithdraws(t *testing.T) {
	q := NewQueue[int](1)
	_ = q.Put(1)

	p2 := q.Put(2)
	p3 := q.Put(3)
	if !p2.Cancel() {
		t.Fatal("Expected cancel of suspended put to succeed")
	}

	if _, err := q.GetNoWait(); err != nil {
		t.Fatal(err)
	}
	if !p3.Done() {
		t.Fatal("Expected wake to pass over the cancelled put")
	}
	if v, _ := q.GetNoWait(); v != 3 {
		t.Fatalf("Expected 3, got %v", v)
	}
}

func TestQueue_GetSuspendsWhenEmpty(t *testing.T) {
	q := NewQueue[int](0)

	g := q.Get()
	if g.Done() {
		t.Fatal("Expected get on an empty queue to suspend")
	}

	if err := q.PutNoWait(9); err != nil {
		t.Fatal(err)
	}
	if !g.Done() {
		t.Fatal("Expected put to wake the getter")
	}
	if v, err := g.Result(); err != nil || v != 9 {
		t.Fatalf("Expected 9, got %v, %v", v, err)
	}
	if !q.Empty() {
		t.Fatal("Expected the woken getter to consume the item")
	}
}

func TestQueue_GetCancelDoesNotStealItem(t *testing.T) {
	q := NewQueue[int](0)

	g1 := q.Get()
	g2 := q.Get()
	if !g1.Cancel() {
		t.Fatal("Expected cancel of suspended get to succeed")
	}

	if err := q.PutNoWait(1); err != nil {
		t.Fatal(err)
	}
	if !g2.Done() || g2.Cancelled() {
		t.Fatal("Expected the wake to pass to the live getter")
	}
	if v, err := g2.Result(); err != nil || v != 1 {
		t.Fatalf("Expected 1, got %v, %v", v, err)
	}
}

func TestQueue_WaitThresholdWithCancel(t *testing.T) {
	q := NewQueue[int](0)

	w1 := q.Wait(1)
	w2 := q.Wait(1)
	w3 := q.Wait(1)
	w2.Cancel()

	if err := q.PutNoWait(1); err != nil {
		t.Fatal(err)
	}
	if err := q.PutNoWait(2); err != nil {
		t.Fatal(err)
	}

	if !w1.Done() || w1.Cancelled() {
		t.Fatal("Expected first waiter to resolve")
	}
	if !w3.Done() || w3.Cancelled() {
		t.Fatal("Expected third waiter to resolve")
	}
	if !w2.Cancelled() {
		t.Fatal("Expected second waiter to remain cancelled")
	}
	if q.Len() != 2 {
		t.Fatalf("Expected wait not to consume, length %d", q.Len())
	}
}

func TestQueue_WaitThresholdSize(t *testing.T) {
	q := NewQueue[int](0)

	w := q.Wait(3)
	_ = q.PutNoWait(1)
	_ = q.PutNoWait(2)
	if w.Done() {
		t.Fatal("Expected threshold wait to stay suspended below size")
	}
	_ = q.PutNoWait(3)
	if !w.Done() {
		t.Fatal("Expected threshold wait to resolve at size")
	}
}

func TestQueue_WaitNotStarvedByLargerThreshold(t *testing.T) {
	q := NewQueue[int](0)

	big := q.Wait(5)
	small := q.Wait(1)
	_ = q.PutNoWait(1)

	if big.Done() {
		t.Fatal("Expected the five-item threshold to stay suspended")
	}
	if !small.Done() {
		t.Fatal("Expected the satisfied threshold to resolve regardless of order")
	}
}

func TestQueue_GetAll(t *testing.T) {
	q := NewQueue[int](0)

	g := q.GetAll()
	if g.Done() {
		t.Fatal("Expected getAll on an empty queue to suspend")
	}

	_ = q.PutNoWait(1)
	if !g.Done() {
		t.Fatal("Expected getAll to resolve at the first item")
	}
	values, err := g.Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 || values[0] != 1 {
		t.Fatalf("Expected [1], got %v", values)
	}

	_ = q.PutNoWait(2)
	_ = q.PutNoWait(3)
	values, err = q.GetAll().Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 2 || values[0] != 2 || values[1] != 3 {
		t.Fatalf("Expected [2 3], got %v", values)
	}
	if !q.Empty() {
		t.Fatal("Expected getAll to drain the queue")
	}
}

func TestQueue_LIFOOrder(t *testing.T) {
	q := NewLIFOQueue[string](0)
	_ = q.PutNoWait("a")
	_ = q.PutNoWait("b")
	_ = q.PutNoWait("c")

	for _, want := range []string{"c", "b", "a"} {
		if v, err := q.GetNoWait(); err != nil || v != want {
			t.Fatalf("Expected %q, got %q, %v", want, v, err)
		}
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewPriorityQueue[string](0)
	_ = q.PutPriorityNoWait("last", 20)
	_ = q.PutPriorityNoWait("first", 10)
	_ = q.PutPriorityNoWait("middle", 15)

	for _, want := range []string{"first", "middle", "last"} {
		if v, err := q.GetNoWait(); err != nil || v != want {
			t.Fatalf("Expected %q, got %q, %v", want, v, err)
		}
	}
}

func TestQueue_PriorityStableTies(t *testing.T) {
	q := NewPriorityQueue[string](0)
	_ = q.PutPriorityNoWait("b1", 2)
	_ = q.PutPriorityNoWait("a1", 1)
	_ = q.PutPriorityNoWait("a2", 1)
	_ = q.PutPriorityNoWait("b2", 2)
	_ = q.PutPriorityNoWait("a3", 1)

	for _, want := range []string{"a1", "a2", "a3", "b1", "b2"} {
		if v, err := q.GetNoWait(); err != nil || v != want {
			t.Fatalf("Expected %q, got %q, %v", want, v, err)
		}
	}
}

func TestQueue_PriorityNonDecreasing(t *testing.T) {
	q := NewPriorityQueue[float64](0)
	keys := []float64{5, 1, 4, 1, 5, 9, 2, 6, 5, 3}
	for _, k := range keys {
		_ = q.PutPriorityNoWait(k, k)
	}
	prev := -1.0
	for range keys {
		v, err := q.GetNoWait()
		if err != nil {
			t.Fatal(err)
		}
		if v < prev {
			t.Fatalf("Expected non-decreasing priorities, got %v after %v", v, prev)
		}
		prev = v
	}
}

func TestQueue_TaskDoneJoin(t *testing.T) {
	q := NewQueue[int](0)

	j0 := q.Join()
	if !j0.Done() {
		t.Fatal("Expected join on a fresh queue to resolve immediately")
	}

	_ = q.PutNoWait(1)
	_ = q.PutNoWait(2)
	if q.UnfinishedTasks() != 2 {
		t.Fatalf("Expected 2 unfinished tasks, got %d", q.UnfinishedTasks())
	}

	j := q.Join()
	if j.Done() {
		t.Fatal("Expected join to suspend while tasks are outstanding")
	}

	if _, err := q.GetNoWait(); err != nil {
		t.Fatal(err)
	}
	if err := q.TaskDone(1); err != nil {
		t.Fatal(err)
	}
	if j.Done() {
		t.Fatal("Expected join to remain suspended")
	}

	if _, err := q.GetNoWait(); err != nil {
		t.Fatal(err)
	}
	if err := q.TaskDone(1); err != nil {
		t.Fatal(err)
	}
	if !j.Done() {
		t.Fatal("Expected join to resolve once every task completed")
	}
}

func TestQueue_TaskDoneInvalid(t *testing.T) {
	q := NewQueue[int](0)
	if err := q.TaskDone(1); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	_ = q.PutNoWait(1)
	if err := q.TaskDone(2); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
	if err := q.TaskDone(0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Expected ErrInvalidState, got %v", err)
	}
}

func TestQueue_TaskDoneMultiple(t *testing.T) {
	q := NewQueue[int](0)
	for i := 0; i < 3; i++ {
		_ = q.PutNoWait(i)
	}
	if err := q.TaskDone(3); err != nil {
		t.Fatal(err)
	}
	if !q.Join().Done() {
		t.Fatal("Expected join to resolve")
	}
}

func TestQueue_MaxSize(t *testing.T) {
	if NewQueue[int](0).MaxSize() != 0 {
		t.Fatal("Expected unbounded queue to report 0")
	}
	if NewQueue[int](-3).MaxSize() != 0 {
		t.Fatal("Expected negative maxSize to mean unbounded")
	}
	if NewQueue[int](7).MaxSize() != 7 {
		t.Fatal("Expected maxSize to round-trip")
	}
}

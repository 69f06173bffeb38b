package sim

import (
	"testing"
)

func entry(name string, priority int, order uint64) *queueEntry {
	return &queueEntry{arrival: &Arrival{name: name}, amount: 1, priority: priority, order: order}
}

func names(wq *WaitQueue) []string {
	out := make([]string, 0, wq.Len())
	for _, e := range wq.queue {
		out = append(out, e.arrival.name)
	}
	return out
}

func TestWaitQueue_Peek_NonEmpty_ReturnsFront(t *testing.T) {
	// GIVEN a queue with entries [A, B] of equal priority
	wq := &WaitQueue{}
	a := entry("A", 0, 1)
	wq.Enqueue(a)
	wq.Enqueue(entry("B", 0, 2))

	// WHEN Peek() is called
	got := wq.Peek()

	// THEN it returns the front element without removing it
	if got != a {
		t.Errorf("Peek: got %v, want %v", got, a)
	}
	if wq.Len() != 2 {
		t.Errorf("Peek modified queue length: got %d, want 2", wq.Len())
	}
}

func TestWaitQueue_Peek_Empty_ReturnsNil(t *testing.T) {
	// GIVEN an empty queue
	wq := &WaitQueue{}

	// WHEN Peek() and Dequeue() are called
	// THEN both return nil
	if got := wq.Peek(); got != nil {
		t.Errorf("Peek on empty queue: got %v, want nil", got)
	}
	if got := wq.Dequeue(); got != nil {
		t.Errorf("Dequeue on empty queue: got %v, want nil", got)
	}
}

func TestWaitQueue_Enqueue_OrdersByPriorityThenFIFO(t *testing.T) {
	// GIVEN entries joining with mixed priorities
	wq := &WaitQueue{}
	wq.Enqueue(entry("low1", 0, 1))
	wq.Enqueue(entry("high1", 2, 2))
	wq.Enqueue(entry("low2", 0, 3))
	wq.Enqueue(entry("high2", 2, 4))
	wq.Enqueue(entry("mid", 1, 5))

	// THEN higher priority is served first and ties keep join order
	want := []string{"high1", "high2", "mid", "low1", "low2"}
	got := names(wq)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestWaitQueue_Preempted_ServedFirstAndNotCounted(t *testing.T) {
	// GIVEN a queue with a high-priority waiter and a preempted low-priority entry
	wq := &WaitQueue{}
	wq.Enqueue(entry("waiter", 5, 1))
	p := entry("victim", 0, 2)
	p.preempted = true
	wq.Enqueue(p)

	// THEN the preempted entry is at the head and does not count as waiting
	if wq.Peek() != p {
		t.Errorf("head: got %v, want victim", wq.Peek())
	}
	if wq.Waiting() != 1 {
		t.Errorf("Waiting: got %d, want 1", wq.Waiting())
	}
	if last := wq.LastWaiting(); last == nil || last.arrival.name != "waiter" {
		t.Errorf("LastWaiting: got %v, want waiter", last)
	}
}

func TestWaitQueue_Remove_DropsArrival(t *testing.T) {
	wq := &WaitQueue{}
	a := entry("A", 0, 1)
	b := entry("B", 0, 2)
	wq.Enqueue(a)
	wq.Enqueue(b)

	if got := wq.Remove(a.arrival); got != a {
		t.Fatalf("Remove: got %v, want A", got)
	}
	if got := wq.Remove(a.arrival); got != nil {
		t.Errorf("second Remove: got %v, want nil", got)
	}
	if wq.Len() != 1 || wq.Waiting() != 1 || wq.Peek() != b {
		t.Errorf("after Remove: queue %s, waiting %d", wq, wq.Waiting())
	}
}

func TestWaitQueue_String(t *testing.T) {
	wq := &WaitQueue{}
	wq.Enqueue(entry("A", 1, 1))
	wq.Enqueue(entry("B", 0, 2))
	if got, want := wq.String(), "[A(1,p1) B(1,p0)]"; got != want {
		t.Errorf("String: got %q, want %q", got, want)
	}
}

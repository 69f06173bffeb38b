// Implements the WaitQueue, which holds the arrivals waiting for a resource.
// Entries are kept sorted: preempted arrivals first, then by priority
// (highest first), then by the order they joined.

package sim

import (
	"fmt"
	"sort"
	"strings"
)

// queueEntry is one pending seize request.
type queueEntry struct {
	arrival   *Arrival
	amount    int
	priority  int
	order     uint64
	preempted bool
}

func (e *queueEntry) String() string {
	if e.preempted {
		return fmt.Sprintf("%s(%d,p%d,preempted)", e.arrival.name, e.amount, e.priority)
	}
	return fmt.Sprintf("%s(%d,p%d)", e.arrival.name, e.amount, e.priority)
}

// before reports whether e is served ahead of o.
func (e *queueEntry) before(o *queueEntry) bool {
	if e.preempted != o.preempted {
		return e.preempted
	}
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	return e.order < o.order
}

// WaitQueue is the priority queue of arrivals waiting for a resource.
// Preempted entries do not count toward the resource's queue size.
type WaitQueue struct {
	queue   []*queueEntry
	waiting int // entries that are not preempted
}

// Enqueue inserts an entry at its sorted position.
func (wq *WaitQueue) Enqueue(e *queueEntry) {
	i := sort.Search(len(wq.queue), func(i int) bool { return e.before(wq.queue[i]) })
	wq.queue = append(wq.queue, nil)
	copy(wq.queue[i+1:], wq.queue[i:])
	wq.queue[i] = e
	if !e.preempted {
		wq.waiting++
	}
}

func (wq *WaitQueue) String() string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, val := range wq.queue {
		sb.WriteString(val.String())
		if i < len(wq.queue)-1 {
			sb.WriteString(" ")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// Len returns the number of entries, preempted ones included.
func (wq *WaitQueue) Len() int {
	return len(wq.queue)
}

// Waiting returns the number of entries that count toward the queue size.
func (wq *WaitQueue) Waiting() int {
	return wq.waiting
}

// Peek returns the entry at the front of the queue without removing it.
// Returns nil if the queue is empty.
func (wq *WaitQueue) Peek() *queueEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	return wq.queue[0]
}

// Dequeue removes the entry at the front of the queue.
func (wq *WaitQueue) Dequeue() *queueEntry {
	if len(wq.queue) == 0 {
		return nil
	}
	e := wq.queue[0]
	wq.removeAt(0)
	return e
}

// Remove drops the entry of the given arrival. It returns nil when the
// arrival is not queued.
func (wq *WaitQueue) Remove(a *Arrival) *queueEntry {
	for i, e := range wq.queue {
		if e.arrival == a {
			wq.removeAt(i)
			return e
		}
	}
	return nil
}

// LastWaiting returns the non-preempted entry served last, or nil.
func (wq *WaitQueue) LastWaiting() *queueEntry {
	for i := len(wq.queue) - 1; i >= 0; i-- {
		if !wq.queue[i].preempted {
			return wq.queue[i]
		}
	}
	return nil
}

// Clear empties the queue.
func (wq *WaitQueue) Clear() {
	wq.queue = nil
	wq.waiting = 0
}

func (wq *WaitQueue) removeAt(i int) {
	if !wq.queue[i].preempted {
		wq.waiting--
	}
	copy(wq.queue[i:], wq.queue[i+1:])
	wq.queue[len(wq.queue)-1] = nil
	wq.queue = wq.queue[:len(wq.queue)-1]
}

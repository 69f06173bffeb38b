package sim

import "fmt"

// EventKind identifies what an event resumes when it is popped.
type EventKind int

const (
	// KindArrivalResume continues a suspended arrival.
	KindArrivalResume EventKind = iota
	// KindSourceFire makes a source generate its next arrival.
	KindSourceFire
	// KindSignalFire broadcasts one or more signals.
	KindSignalFire
	// KindManagerAction applies a scheduled capacity or queue-size change.
	KindManagerAction
)

func (k EventKind) String() string {
	switch k {
	case KindArrivalResume:
		return "ArrivalResume"
	case KindSourceFire:
		return "SourceFire"
	case KindSignalFire:
		return "SignalFire"
	case KindManagerAction:
		return "ManagerAction"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is a pending callback at a point in simulated time.
// Events are consumed exactly once by the simulator loop. Cancelling an event
// only marks it void; the loop discards void events when it pops them.
type Event struct {
	time      float64
	seq       uint64
	kind      EventKind
	target    string
	fn        func() error
	cancelled bool
}

// Timestamp returns the scheduled time of the event.
func (e *Event) Timestamp() float64 { return e.time }

// Seq returns the insertion sequence number used to break time ties.
func (e *Event) Seq() uint64 { return e.seq }

// Kind returns the event kind.
func (e *Event) Kind() EventKind { return e.kind }

// Target names the entity the event resumes (arrival, source, signal list or manager).
func (e *Event) Target() string { return e.target }

// Cancel voids the event. Safe to call on nil and more than once.
func (e *Event) Cancel() {
	if e != nil {
		e.cancelled = true
	}
}

// Cancelled reports whether the event was voided.
func (e *Event) Cancelled() bool { return e.cancelled }

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s)@%g", e.kind, e.target, e.time)
}

// EventInfo is a read-only view of an upcoming event, returned by Peek.
type EventInfo struct {
	Time   float64
	Kind   EventKind
	Target string
}

// EventQueue is a min-heap ordered by (time, seq). Implements heap.Interface.
// The sequence number gives FIFO order among events scheduled for the same
// instant, which makes runs replayable.
type EventQueue []*Event

func (eq EventQueue) Len() int { return len(eq) }

func (eq EventQueue) Less(i, j int) bool {
	if eq[i].time != eq[j].time {
		return eq[i].time < eq[j].time
	}
	return eq[i].seq < eq[j].seq
}

func (eq EventQueue) Swap(i, j int) { eq[i], eq[j] = eq[j], eq[i] }

func (eq *EventQueue) Push(x any) {
	*eq = append(*eq, x.(*Event))
}

func (eq *EventQueue) Pop() any {
	old := *eq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*eq = old[0 : n-1]
	return item
}

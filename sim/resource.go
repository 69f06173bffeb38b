package sim

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim/trace"
)

// ResourceConfig configures a resource at registration time.
type ResourceConfig struct {
	// Capacity is the number of server units; Infinity for unbounded.
	Capacity int
	// QueueSize is the number of waiting arrivals allowed; Infinity for
	// unbounded, 0 for no queue.
	QueueSize int
	// Preemptive lets higher-priority arrivals evict lower-priority holders.
	Preemptive bool
}

// holding is the amount of a resource held by one arrival. The same pointer
// lives in the resource's holder list and in the arrival's held list.
type holding struct {
	res      *Resource
	arrival  *Arrival
	amount   int
	order    uint64  // grant order on the resource
	start    float64 // time of the seize request
	activity float64 // timeout time spent while holding
}

// Resource is a pool of identical server units with a priority wait queue.
type Resource struct {
	sim  *Simulator
	name string
	init ResourceConfig

	capacity   int
	queueSize  int
	preemptive bool

	server    int
	holders   []*holding
	queue     WaitQueue
	entrySeq  uint64
	holderSeq uint64
}

// AddResource registers a resource. Names must be unique.
func (s *Simulator) AddResource(name string, cfg ResourceConfig) (*Resource, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty resource name", ErrInvalidArgument)
	}
	if _, dup := s.resources[name]; dup {
		return nil, fmt.Errorf("%w: resource %q already exists", ErrInvalidArgument, name)
	}
	if cfg.Capacity < 0 || cfg.QueueSize < 0 {
		return nil, fmt.Errorf("%w: resource %q: negative capacity or queue size", ErrInvalidArgument, name)
	}
	r := &Resource{sim: s, name: name, init: cfg}
	r.reset()
	s.resources[name] = r
	s.resourceOrder = append(s.resourceOrder, r)
	return r, nil
}

func (r *Resource) reset() {
	r.capacity = r.init.Capacity
	r.queueSize = r.init.QueueSize
	r.preemptive = r.init.Preemptive
	r.server = 0
	r.holders = nil
	r.queue.Clear()
	r.entrySeq = 0
	r.holderSeq = 0
	r.record()
}

// Name returns the resource name.
func (r *Resource) Name() string { return r.name }

// Capacity returns the current number of server units.
func (r *Resource) Capacity() int { return r.capacity }

// QueueSize returns the current queue limit.
func (r *Resource) QueueSize() int { return r.queueSize }

// Server returns the number of units in use.
func (r *Resource) Server() int { return r.server }

// QueueCount returns the number of queued arrivals, preempted ones included.
func (r *Resource) QueueCount() int { return r.queue.Len() }

// Preemptive reports whether the resource evicts lower-priority holders.
func (r *Resource) Preemptive() bool { return r.preemptive }

func (r *Resource) String() string {
	return fmt.Sprintf("%s{server=%d/%s queue=%d/%s}", r.name,
		r.server, limitString(r.capacity), r.queue.Len(), limitString(r.queueSize))
}

func limitString(v int) string {
	if v == Infinity {
		return "Inf"
	}
	return fmt.Sprint(v)
}

func (r *Resource) fits(amount int) bool {
	return r.capacity == Infinity || r.server+amount <= r.capacity
}

func (r *Resource) record() {
	r.sim.monitor.RecordResource(trace.ResourceRecord{
		Resource:  r.name,
		Time:      r.sim.clock,
		Server:    r.server,
		Queue:     r.queue.Len(),
		Capacity:  r.capacity,
		QueueSize: r.queueSize,
	})
}

// seize grants amount units to a, queues it, or fails with
// ErrResourceSaturated. It reports whether the units were granted.
func (r *Resource) seize(a *Arrival, amount int) (bool, error) {
	if _, requested := a.requested[r]; !requested && a.holdingOf(r) == nil {
		a.markRequest(r)
	}
	if !r.headOutranks(a) && (r.fits(amount) || (r.preemptive && r.preemptFor(a, amount))) {
		r.grant(a, amount)
		r.record()
		return true, nil
	}
	if r.queueSize == Infinity || r.queue.Waiting() < r.queueSize {
		r.entrySeq++
		r.queue.Enqueue(&queueEntry{arrival: a, amount: amount, priority: a.priority, order: r.entrySeq})
		a.waitingOn = r
		r.record()
		return false, nil
	}
	a.dropRequest(r)
	return false, fmt.Errorf("%w: %s", ErrResourceSaturated, r.name)
}

// headOutranks reports whether the head of the queue must be served before a
// new request from a, even when the new request would fit: a waiter of
// higher priority, or a preempted holder of at least the same priority.
// Waiters of equal priority blocked by their own amount do not hold back a
// smaller request.
func (r *Resource) headOutranks(a *Arrival) bool {
	head := r.queue.Peek()
	if head == nil {
		return false
	}
	if head.preempted {
		return head.priority >= a.priority
	}
	return head.priority > a.priority
}

func (r *Resource) grant(a *Arrival, amount int) {
	h := a.holdingOf(r)
	if h == nil {
		h = &holding{res: r, arrival: a, start: a.takeRequest(r)}
		a.held = append(a.held, h)
	}
	if h.amount == 0 {
		r.holderSeq++
		h.order = r.holderSeq
		r.holders = append(r.holders, h)
	}
	h.amount += amount
	r.server += amount
}

// release returns amount units held by a and serves the queue.
func (r *Resource) release(a *Arrival, amount int) error {
	h := a.holdingOf(r)
	if h == nil || h.amount == 0 {
		return fmt.Errorf("%w: %s does not hold %s", ErrInvalidArgument, a.name, r.name)
	}
	if amount > h.amount {
		return fmt.Errorf("%w: %s releases %d of %s but holds %d", ErrInvalidArgument, a.name, amount, r.name, h.amount)
	}
	r.server -= amount
	h.amount -= amount
	if h.amount == 0 {
		r.dropHolder(h)
		a.finishHolding(h)
	}
	r.dispatch()
	r.record()
	return nil
}

func (r *Resource) dropHolder(h *holding) {
	for i, x := range r.holders {
		if x == h {
			r.holders = append(r.holders[:i], r.holders[i+1:]...)
			return
		}
	}
}

// dispatch grants queued requests from the head while they fit. A head that
// does not fit blocks everything behind it.
func (r *Resource) dispatch() {
	for {
		e := r.queue.Peek()
		if e == nil || !r.fits(e.amount) {
			return
		}
		r.queue.Dequeue()
		a := e.arrival
		a.waitingOn = nil
		r.grant(a, e.amount)
		logrus.Debugf("[t=%g] %s granted %d unit(s) of %s", r.sim.clock, a.name, e.amount, r.name)
		a.wake()
	}
}

// dequeue removes a waiting arrival that left the queue without service.
func (r *Resource) dequeue(a *Arrival) {
	if r.queue.Remove(a) == nil {
		return
	}
	a.dropRequest(r)
	r.dispatch()
	r.record()
}

// preemptFor evicts enough lower-priority holders for a to take amount
// units. Only holders inside a timeout can be evicted; among them the lowest
// priority goes first and, on ties, the most recent grant. Nothing is
// evicted unless the eviction frees enough room.
func (r *Resource) preemptFor(a *Arrival, amount int) bool {
	var candidates []*holding
	for _, h := range r.holders {
		if h.arrival != a && h.arrival.state == StateSuspendedTimeout && h.arrival.preemptible < a.priority {
			candidates = append(candidates, h)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := candidates[i].arrival.priority, candidates[j].arrival.priority
		if pi != pj {
			return pi < pj
		}
		return candidates[i].order > candidates[j].order
	})
	freed := 0
	var victims []*holding
	for _, h := range candidates {
		if r.server-freed+amount <= r.capacity {
			break
		}
		victims = append(victims, h)
		freed += h.amount
	}
	if r.server-freed+amount > r.capacity {
		return false
	}
	for _, h := range victims {
		r.evict(h)
	}
	return true
}

func (r *Resource) evict(h *holding) {
	victim := h.arrival
	amount := h.amount
	victim.preempt()
	r.server -= amount
	h.amount = 0
	r.dropHolder(h)
	r.entrySeq++
	r.queue.Enqueue(&queueEntry{arrival: victim, amount: amount, priority: victim.priority, order: r.entrySeq, preempted: true})
	victim.waitingOn = r
	logrus.Debugf("[t=%g] %s preempted from %s", r.sim.clock, victim.name, r.name)
}

// SetCapacity changes the number of server units. Holders above a reduced
// capacity keep their units until they release them.
func (r *Resource) SetCapacity(capacity int) error {
	if capacity < 0 {
		return fmt.Errorf("%w: capacity %d", ErrInvalidArgument, capacity)
	}
	r.capacity = capacity
	r.dispatch()
	r.record()
	return nil
}

// SetQueueSize changes the queue limit. Waiting arrivals beyond a reduced
// limit are rejected starting from the tail of the queue.
func (r *Resource) SetQueueSize(size int) error {
	if size < 0 {
		return fmt.Errorf("%w: queue size %d", ErrInvalidArgument, size)
	}
	r.queueSize = size
	for size != Infinity && r.queue.Waiting() > size {
		tail := r.queue.LastWaiting()
		r.queue.Remove(tail.arrival)
		tail.arrival.waitingOn = nil
		tail.arrival.dropRequest(r)
		logrus.Debugf("[t=%g] %s dropped from %s queue", r.sim.clock, tail.arrival.name, r.name)
		tail.arrival.terminate(StateRejected)
	}
	r.record()
	return nil
}

// sim/simulator.go
package sim

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"math/rand"
	"slices"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim/trace"
)

// Infinity marks an unbounded resource capacity or queue size.
const Infinity = trace.Unbounded

// Simulator is the core object that holds simulation time, the event queue
// and every entity of one run. Nothing in the package is global: independent
// simulators can run on different goroutines.
//
// Thread-safety: NOT thread-safe. A simulator is driven by one goroutine.
type Simulator struct {
	key   SimulationKey
	clock float64
	// queue has all pending events ordered by (time, seq)
	queue EventQueue
	seq   uint64

	rng     *PartitionedRNG
	monitor *trace.Monitor

	resources     map[string]*Resource
	resourceOrder []*Resource
	sources       map[string]*Source
	sourceOrder   []*Source
	managers      []*Manager
	signals       map[string]*signalState
	globals       map[string]float64
	batches       map[batchKey]*pendingBatch

	subSeq     uint64 // signal subscription order
	batchCount int
	live       int // arrivals created and not yet terminated
}

// NewSimulator creates an empty simulator at time 0.
func NewSimulator(key SimulationKey) *Simulator {
	return &Simulator{
		key:       key,
		queue:     make(EventQueue, 0),
		rng:       NewPartitionedRNG(key),
		monitor:   trace.NewMonitor(0),
		resources: make(map[string]*Resource),
		sources:   make(map[string]*Source),
		signals:   make(map[string]*signalState),
		globals:   make(map[string]float64),
		batches:   make(map[batchKey]*pendingBatch),
	}
}

// Now returns the current simulation time.
func (s *Simulator) Now() float64 { return s.clock }

// Key returns the key the simulator's random streams derive from.
func (s *Simulator) Key() SimulationKey { return s.key }

// RNG returns the random stream of the named subsystem.
func (s *Simulator) RNG(subsystem string) *rand.Rand { return s.rng.ForSubsystem(subsystem) }

// Monitor returns the monitor the run writes to.
func (s *Simulator) Monitor() *trace.Monitor { return s.monitor }

// SetReplication stamps the monitor, including the records already written
// while the model was built, with a replication index.
func (s *Simulator) SetReplication(i int) { s.monitor.SetReplication(i) }

// InFlight returns the number of arrivals created and not yet terminated.
func (s *Simulator) InFlight() int { return s.live }

// Schedule pushes a callback into the event queue. It fails with
// ErrInvalidTime when at lies before the current time.
func (s *Simulator) Schedule(at float64, kind EventKind, target string, fn func() error) (*Event, error) {
	if math.IsNaN(at) || at < s.clock {
		return nil, fmt.Errorf("%w: %g is before now (%g)", ErrInvalidTime, at, s.clock)
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: nil event callback", ErrInvalidArgument)
	}
	s.seq++
	ev := &Event{time: at, seq: s.seq, kind: kind, target: target, fn: fn}
	heap.Push(&s.queue, ev)
	return ev, nil
}

// scheduleNow schedules at the current instant, which cannot fail.
func (s *Simulator) scheduleNow(kind EventKind, target string, fn func() error) *Event {
	ev, _ := s.Schedule(s.clock, kind, target, fn)
	return ev
}

// Run processes events until the queue is empty or the next event lies
// beyond until. In the latter case the clock stops at until and the pending
// events stay queued, so a later Run with a larger horizon resumes the run.
// Use math.Inf(1) to run until the queue drains.
func (s *Simulator) Run(until float64) error {
	return s.RunContext(context.Background(), until)
}

// RunContext is Run with cancellation checked between events.
func (s *Simulator) RunContext(ctx context.Context, until float64) error {
	if math.IsNaN(until) || until < s.clock {
		return fmt.Errorf("%w: horizon %g is before now (%g)", ErrInvalidTime, until, s.clock)
	}
	if err := s.Validate(); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ev := s.nextValid()
		if ev == nil {
			break
		}
		if ev.time > until {
			s.clock = until
			break
		}
		if err := s.execute(heap.Pop(&s.queue).(*Event)); err != nil {
			return err
		}
	}
	logrus.Debugf("[t=%g] run stopped, %d event(s) pending", s.clock, len(s.queue))
	return nil
}

// Step processes exactly one valid event. It returns false when the queue
// holds no valid event.
func (s *Simulator) Step() (bool, error) {
	if s.nextValid() == nil {
		return false, nil
	}
	return true, s.execute(heap.Pop(&s.queue).(*Event))
}

// nextValid discards void events at the head of the queue and returns the
// head, or nil when the queue is empty.
func (s *Simulator) nextValid() *Event {
	for len(s.queue) > 0 {
		if !s.queue[0].cancelled {
			return s.queue[0]
		}
		heap.Pop(&s.queue)
	}
	return nil
}

func (s *Simulator) execute(ev *Event) error {
	// clock monotonicity
	if ev.time < s.clock {
		panic(fmt.Sprintf("clock went backwards: %g < %g", ev.time, s.clock))
	}
	s.clock = ev.time
	logrus.Debugf("[t=%g] executing %s", s.clock, ev)
	if err := ev.fn(); err != nil {
		return fmt.Errorf("t=%g %s: %w", s.clock, ev.kind, err)
	}
	return nil
}

// Peek returns up to n upcoming valid events in execution order.
func (s *Simulator) Peek(n int) []EventInfo {
	pending := make([]*Event, 0, len(s.queue))
	for _, ev := range s.queue {
		if !ev.cancelled {
			pending = append(pending, ev)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return EventQueue(pending).Less(i, j) })
	if n >= 0 && n < len(pending) {
		pending = pending[:n]
	}
	out := make([]EventInfo, len(pending))
	for i, ev := range pending {
		out[i] = EventInfo{Time: ev.time, Kind: ev.kind, Target: ev.target}
	}
	return out
}

// Reset rewinds the simulator to time 0: the queue, monitor, random streams,
// global attributes and pending batches are cleared, resources return to
// their initial capacity and queue size, and sources and managers are armed
// again. Configuration is kept.
func (s *Simulator) Reset() {
	s.clock = 0
	s.queue = make(EventQueue, 0)
	s.seq = 0
	s.rng = NewPartitionedRNG(s.key)
	s.monitor.Reset()
	s.globals = make(map[string]float64)
	s.batches = make(map[batchKey]*pendingBatch)
	s.subSeq = 0
	s.batchCount = 0
	s.live = 0
	for _, st := range s.signals {
		st.subs = nil
	}
	for _, r := range s.resourceOrder {
		r.reset()
	}
	for _, src := range s.sourceOrder {
		src.reset()
	}
	for _, m := range s.managers {
		m.reset()
	}
}

// === Registries ===

// Resource returns the named resource.
func (s *Simulator) Resource(name string) (*Resource, error) {
	r, ok := s.resources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	return r, nil
}

// Resources returns every resource in registration order.
func (s *Simulator) Resources() []*Resource { return slices.Clone(s.resourceOrder) }

// Source returns the named source.
func (s *Simulator) Source(name string) (*Source, error) {
	src, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// Sources returns every source in registration order.
func (s *Simulator) Sources() []*Source { return slices.Clone(s.sourceOrder) }

// GlobalAttribute returns a simulation-wide attribute.
func (s *Simulator) GlobalAttribute(key string) (float64, bool) {
	v, ok := s.globals[key]
	return v, ok
}

// SetGlobalAttribute sets a simulation-wide attribute and records it.
func (s *Simulator) SetGlobalAttribute(key string, value float64) {
	s.globals[key] = value
	s.monitor.RecordAttribute(trace.AttributeRecord{Time: s.clock, Key: key, Value: value})
}

// === Validation ===

// Validate checks that every name referenced by the sources' trajectories
// is registered. Configuration errors surface before any event runs.
func (s *Simulator) Validate() error {
	for _, src := range s.sourceOrder {
		if err := s.checkTrajectory(src.traj); err != nil {
			return fmt.Errorf("source %s: %w", src.name, err)
		}
	}
	return nil
}

// checkTrajectory resolves every resource, signal and source name reachable
// from t, including sub-trajectories.
func (s *Simulator) checkTrajectory(t *Trajectory) error {
	if t == nil {
		return fmt.Errorf("%w: nil trajectory", ErrInvalidTrajectory)
	}
	refs := newReferences()
	t.collect(refs, make(map[*Trajectory]bool))
	for _, name := range sortedKeys(refs.resources) {
		if _, ok := s.resources[name]; !ok {
			return fmt.Errorf("trajectory %s: %w: %q", t.name, ErrUnknownResource, name)
		}
	}
	for _, name := range sortedKeys(refs.signals) {
		if _, ok := s.signals[name]; !ok {
			return fmt.Errorf("trajectory %s: %w: %q", t.name, ErrUnknownSignal, name)
		}
	}
	for _, name := range sortedKeys(refs.sources) {
		if _, ok := s.sources[name]; !ok {
			return fmt.Errorf("trajectory %s: %w: %q", t.name, ErrUnknownSource, name)
		}
	}
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// === Arrivals ===

func (s *Simulator) newArrival(name, source string, level trace.Level) *Arrival {
	s.live++
	return &Arrival{
		sim:       s,
		name:      name,
		source:    source,
		level:     level,
		attrs:     make(map[string]float64),
		startTime: s.clock,
		state:     StateRunning,
	}
}

package sim

import (
	"fmt"
	"maps"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim/trace"
)

// ArrivalState is the lifecycle state of an arrival.
type ArrivalState string

const (
	StateRunning          ArrivalState = "running"
	StateSuspendedTimeout ArrivalState = "suspended_timeout"
	StateSuspendedSeize   ArrivalState = "suspended_seize"
	StateSuspendedSignal  ArrivalState = "suspended_signal"
	StateSuspendedBatch   ArrivalState = "suspended_batch"
	StateFinished         ArrivalState = "finished"
	StateRejected         ArrivalState = "rejected"
	StateReneged          ArrivalState = "reneged"
)

// Terminal reports whether the state is final.
func (s ArrivalState) Terminal() bool {
	return s == StateFinished || s == StateRejected || s == StateReneged
}

// frame is a position inside a trajectory. When the cursor runs off the end
// of a frame with cont set, execution carries on in the frame below;
// otherwise the arrival finishes.
type frame struct {
	traj *Trajectory
	idx  int
	cont bool
}

// outcome is what an activity tells the interpreter.
type outcome int

const (
	// proceed advances the cursor and runs the next activity
	proceed outcome = iota
	// suspended advances the cursor and yields until an event resumes the arrival
	suspended
	// jumped means the activity moved the cursor itself
	jumped
	// terminated means the arrival is gone
	terminated
)

// Arrival is an entity flowing through a trajectory. It carries its own
// resumable position, so no goroutine or stack is held while it waits.
type Arrival struct {
	sim    *Simulator
	name   string
	source string
	level  trace.Level
	frames []frame

	attrs       map[string]float64
	priority    int
	preemptible int
	restart     bool

	startTime    float64
	endTime      float64
	activityTime float64
	state        ArrivalState

	// pending is the event that resumes the arrival, if any.
	pending      *Event
	timeoutStart float64
	timeoutEnd   float64
	// remaining is the unserved part of a preempted timeout.
	remaining float64

	waitingOn *Resource
	requested map[*Resource]float64
	held      []*holding

	waits        []string // signals a Wait is subscribed to
	renegeTimer  *Event
	renegeSignal string

	rollbacks map[*rollbackActivity]int

	batch     *pendingBatch // pending batch the arrival joined
	members   []*Arrival    // set on batch units
	permanent bool
	isUnit    bool
}

// Name returns the arrival name.
func (a *Arrival) Name() string { return a.name }

// Source returns the name of the source that created the arrival.
func (a *Arrival) Source() string { return a.source }

// State returns the lifecycle state.
func (a *Arrival) State() ArrivalState { return a.state }

// Now returns the simulation time.
func (a *Arrival) Now() float64 { return a.sim.clock }

// Simulator returns the simulator the arrival lives in.
func (a *Arrival) Simulator() *Simulator { return a.sim }

// StartTime returns the creation time.
func (a *Arrival) StartTime() float64 { return a.startTime }

// ActivityTime returns the time spent in timeouts so far.
func (a *Arrival) ActivityTime() float64 { return a.activityTime }

// Priority returns the seize priority.
func (a *Arrival) Priority() int { return a.priority }

// Attribute returns the value of an attribute.
func (a *Arrival) Attribute(key string) (float64, bool) {
	v, ok := a.attrs[key]
	return v, ok
}

// Attributes returns a copy of all attributes.
func (a *Arrival) Attributes() map[string]float64 { return maps.Clone(a.attrs) }

// Members returns the arrivals carried by a batch unit.
func (a *Arrival) Members() []*Arrival { return slices.Clone(a.members) }

// Held returns the units the arrival holds of the named resource.
func (a *Arrival) Held(resource string) int {
	for _, h := range a.held {
		if h.res.name == resource {
			return h.amount
		}
	}
	return 0
}

func (a *Arrival) String() string {
	return fmt.Sprintf("%s[%s]", a.name, a.state)
}

// setAttribute stores an attribute and records it when the level asks for it.
func (a *Arrival) setAttribute(key string, value float64) {
	a.attrs[key] = value
	if a.level.RecordsAttributes() {
		a.sim.monitor.RecordAttribute(trace.AttributeRecord{Time: a.sim.clock, Name: a.name, Key: key, Value: value})
	}
}

// === Interpreter ===

// run executes activities until the arrival suspends or terminates.
func (a *Arrival) run() error {
	a.state = StateRunning
	for {
		act := a.current()
		if act == nil {
			a.terminate(StateFinished)
			return nil
		}
		out, err := act.execute(a)
		if err != nil {
			return fmt.Errorf("arrival %s at %s: %w", a.name, act, err)
		}
		switch out {
		case proceed:
			a.frames[len(a.frames)-1].idx++
		case suspended:
			a.frames[len(a.frames)-1].idx++
			return nil
		case terminated:
			return nil
		}
	}
}

// current returns the activity under the cursor, popping exhausted frames.
func (a *Arrival) current() Activity {
	for len(a.frames) > 0 {
		top := &a.frames[len(a.frames)-1]
		if top.idx < len(top.traj.activities) {
			return top.traj.activities[top.idx]
		}
		if !top.cont {
			a.frames = nil
			return nil
		}
		a.frames = a.frames[:len(a.frames)-1]
	}
	return nil
}

func (a *Arrival) top() *frame { return &a.frames[len(a.frames)-1] }

// framesAfterCurrent copies the position just past the current activity.
func (a *Arrival) framesAfterCurrent() []frame {
	out := slices.Clone(a.frames)
	out[len(out)-1].idx++
	return out
}

// === Suspension and resumption ===

func (a *Arrival) startTimeout(d float64) error {
	ev, err := a.sim.Schedule(a.sim.clock+d, KindArrivalResume, a.name, a.timeoutExpired)
	if err != nil {
		return err
	}
	a.pending = ev
	a.timeoutStart = a.sim.clock
	a.timeoutEnd = a.sim.clock + d
	a.state = StateSuspendedTimeout
	return nil
}

func (a *Arrival) timeoutExpired() error {
	a.pending = nil
	a.accrue(a.sim.clock - a.timeoutStart)
	return a.run()
}

// accrue adds served time to the arrival and to every resource it holds.
func (a *Arrival) accrue(d float64) {
	a.activityTime += d
	for _, h := range a.held {
		if h.amount > 0 {
			h.activity += d
		}
	}
}

// wake schedules the arrival to continue at the current instant.
func (a *Arrival) wake() {
	a.pending = a.sim.scheduleNow(KindArrivalResume, a.name, a.resume)
}

func (a *Arrival) resume() error {
	a.pending = nil
	if a.remaining > 0 {
		d := a.remaining
		a.remaining = 0
		return a.startTimeout(d)
	}
	return a.run()
}

// preempt interrupts the timeout the arrival is serving. The unserved time
// is kept for when the arrival gets its units back, unless it restarts the
// timeout from scratch.
func (a *Arrival) preempt() {
	a.pending.Cancel()
	a.pending = nil
	a.accrue(a.sim.clock - a.timeoutStart)
	if a.restart {
		a.top().idx--
		a.remaining = 0
	} else {
		a.remaining = a.timeoutEnd - a.sim.clock
	}
	a.state = StateSuspendedSeize
}

// === Resource bookkeeping ===

func (a *Arrival) holdingOf(r *Resource) *holding {
	for _, h := range a.held {
		if h.res == r {
			return h
		}
	}
	return nil
}

func (a *Arrival) markRequest(r *Resource) {
	if a.requested == nil {
		a.requested = make(map[*Resource]float64)
	}
	a.requested[r] = a.sim.clock
}

func (a *Arrival) dropRequest(r *Resource) {
	delete(a.requested, r)
}

func (a *Arrival) takeRequest(r *Resource) float64 {
	t, ok := a.requested[r]
	if !ok {
		return a.sim.clock
	}
	delete(a.requested, r)
	return t
}

// finishHolding records the per-resource row of a fully released holding.
func (a *Arrival) finishHolding(h *holding) {
	for i, x := range a.held {
		if x == h {
			a.held = append(a.held[:i], a.held[i+1:]...)
			break
		}
	}
	if a.level.RecordsArrivals() {
		a.sim.monitor.RecordArrivalResource(trace.ArrivalResourceRecord{
			Name:         a.name,
			Resource:     h.res.name,
			StartTime:    h.start,
			EndTime:      a.sim.clock,
			ActivityTime: h.activity,
		})
	}
}

// releaseAllHeld returns every unit the arrival holds, in seize order.
func (a *Arrival) releaseAllHeld() {
	for _, h := range slices.Clone(a.held) {
		if h.amount == 0 {
			continue
		}
		// release cannot fail for a positive holding
		_ = h.res.release(a, h.amount)
	}
	a.held = nil
}

// === Reneging ===

func (a *Arrival) abortRenege() {
	a.renegeTimer.Cancel()
	a.renegeTimer = nil
	if a.renegeSignal != "" {
		a.sim.unsubscribe(a, a.renegeSignal, subRenege)
		a.renegeSignal = ""
	}
}

func (a *Arrival) clearWaits() {
	for _, name := range a.waits {
		a.sim.unsubscribe(a, name, subWait)
	}
	a.waits = nil
}

// === Termination ===

// terminate ends the arrival wherever it is: pending events are voided, it
// leaves any queue, signal list or pending batch, and the units it still
// holds are released. A batch unit takes its members with it.
func (a *Arrival) terminate(state ArrivalState) {
	if a.state.Terminal() {
		return
	}
	if a.state == StateSuspendedTimeout && a.pending != nil {
		a.accrue(a.sim.clock - a.timeoutStart)
	}
	a.pending.Cancel()
	a.pending = nil
	a.abortRenege()
	a.clearWaits()
	if a.waitingOn != nil {
		r := a.waitingOn
		a.waitingOn = nil
		r.dequeue(a)
	}
	if a.batch != nil {
		a.batch.remove(a)
	}
	a.remaining = 0
	a.state = state
	a.endTime = a.sim.clock
	for _, h := range a.held {
		if h.amount == 0 {
			continue
		}
		if state == StateFinished {
			logrus.Warnf("[t=%g] %s finished holding %d unit(s) of %s, releasing", a.sim.clock, a.name, h.amount, h.res.name)
		} else {
			logrus.Debugf("[t=%g] %s %s holding %d unit(s) of %s, releasing", a.sim.clock, a.name, state, h.amount, h.res.name)
		}
	}
	a.releaseAllHeld()
	a.requested = nil
	a.frames = nil
	a.sim.live--

	if a.isUnit {
		members := a.members
		a.members = nil
		for _, m := range members {
			m.activityTime += a.activityTime
			m.terminate(state)
		}
		return
	}
	logrus.Debugf("[t=%g] %s %s", a.sim.clock, a.name, state)
	if a.level.RecordsArrivals() {
		a.sim.monitor.RecordArrival(trace.ArrivalRecord{
			Name:         a.name,
			StartTime:    a.startTime,
			EndTime:      a.endTime,
			ActivityTime: a.activityTime,
			Finished:     state == StateFinished,
		})
	}
}

package sim

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"strings"

	"github.com/sirupsen/logrus"
)

// Activity is one step of a trajectory.
type Activity interface {
	fmt.Stringer
	execute(a *Arrival) (outcome, error)
}

// AttrMod says how SetAttribute combines the new value with the old one.
type AttrMod int

const (
	ModSet AttrMod = iota
	ModAdd
	ModMul
)

func (m AttrMod) String() string {
	switch m {
	case ModAdd:
		return "+"
	case ModMul:
		return "*"
	default:
		return "="
	}
}

// evalDuration evaluates a non-negative time value.
func evalDuration(a *Arrival, v Value, what string) (float64, error) {
	d, err := v.Eval(a)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(d) || d < 0 || math.IsInf(d, 0) {
		return 0, fmt.Errorf("%w: %s %g", ErrInvalidArgument, what, d)
	}
	return d, nil
}

// evalCount evaluates a whole number of units. +Inf maps to Infinity when
// allowed.
func evalCount(a *Arrival, v Value, what string, allowInf bool) (int, error) {
	x, err := v.Eval(a)
	if err != nil {
		return 0, err
	}
	if allowInf && math.IsInf(x, 1) {
		return Infinity, nil
	}
	if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 || x != math.Trunc(x) {
		return 0, fmt.Errorf("%w: %s %g", ErrInvalidArgument, what, x)
	}
	return int(x), nil
}

// === Timeout ===

type timeoutActivity struct {
	duration Value
}

func (t *timeoutActivity) String() string { return fmt.Sprintf("Timeout | delay: %v", t.duration) }

func (t *timeoutActivity) execute(a *Arrival) (outcome, error) {
	d, err := evalDuration(a, t.duration, "timeout")
	if err != nil {
		return 0, err
	}
	if err := a.startTimeout(d); err != nil {
		return 0, err
	}
	return suspended, nil
}

// === Seize / Release ===

type seizeActivity struct {
	resource string
	amount   Value
	reject   *Trajectory
}

func (s *seizeActivity) String() string {
	return fmt.Sprintf("Seize | resource: %s, amount: %v", s.resource, s.amount)
}

func (s *seizeActivity) refs(r *references) { r.resources[s.resource] = struct{}{} }

func (s *seizeActivity) children() []*Trajectory {
	if s.reject == nil {
		return nil
	}
	return []*Trajectory{s.reject}
}

func (s *seizeActivity) execute(a *Arrival) (outcome, error) {
	res, err := a.sim.Resource(s.resource)
	if err != nil {
		return 0, err
	}
	amount, err := evalCount(a, s.amount, "seize amount", false)
	if err != nil {
		return 0, err
	}
	if amount == 0 {
		return proceed, nil
	}
	granted, err := res.seize(a, amount)
	switch {
	case errors.Is(err, ErrResourceSaturated):
		logrus.Debugf("[t=%g] %s rejected by %s", a.sim.clock, a.name, res.name)
		if s.reject == nil {
			a.terminate(StateRejected)
			return terminated, nil
		}
		a.top().idx++
		a.frames = append(a.frames, frame{traj: s.reject, idx: 0, cont: true})
		return jumped, nil
	case err != nil:
		return 0, err
	case granted:
		return proceed, nil
	}
	a.state = StateSuspendedSeize
	return suspended, nil
}

type releaseActivity struct {
	resource string
	amount   Value // nil releases everything held
}

func (r *releaseActivity) String() string {
	if r.amount == nil {
		if r.resource == "" {
			return "Release | all resources"
		}
		return fmt.Sprintf("Release | resource: %s, amount: all", r.resource)
	}
	return fmt.Sprintf("Release | resource: %s, amount: %v", r.resource, r.amount)
}

func (r *releaseActivity) refs(refs *references) {
	if r.resource != "" {
		refs.resources[r.resource] = struct{}{}
	}
}

func (r *releaseActivity) execute(a *Arrival) (outcome, error) {
	if r.resource == "" {
		a.releaseAllHeld()
		return proceed, nil
	}
	res, err := a.sim.Resource(r.resource)
	if err != nil {
		return 0, err
	}
	var amount int
	if r.amount == nil {
		h := a.holdingOf(res)
		if h == nil || h.amount == 0 {
			return proceed, nil
		}
		amount = h.amount
	} else if amount, err = evalCount(a, r.amount, "release amount", false); err != nil {
		return 0, err
	}
	if amount == 0 {
		return proceed, nil
	}
	if err := res.release(a, amount); err != nil {
		return 0, err
	}
	return proceed, nil
}

// === Attributes ===

type setAttributeActivity struct {
	key    string
	value  Value
	mod    AttrMod
	init   float64
	global bool
}

func (s *setAttributeActivity) String() string {
	scope := "SetAttribute"
	if s.global {
		scope = "SetGlobal"
	}
	return fmt.Sprintf("%s | key: %s, mod: %s, value: %v", scope, s.key, s.mod, s.value)
}

func (s *setAttributeActivity) execute(a *Arrival) (outcome, error) {
	v, err := s.value.Eval(a)
	if err != nil {
		return 0, err
	}
	var old float64
	var ok bool
	if s.global {
		old, ok = a.sim.GlobalAttribute(s.key)
	} else {
		old, ok = a.Attribute(s.key)
	}
	if !ok {
		old = s.init
	}
	switch s.mod {
	case ModAdd:
		v = old + v
	case ModMul:
		v = old * v
	}
	switch {
	case s.global && a.level.RecordsAttributes():
		a.sim.SetGlobalAttribute(s.key, v)
	case s.global:
		a.sim.globals[s.key] = v
	default:
		a.setAttribute(s.key, v)
	}
	return proceed, nil
}

// === Flow control ===

type branchActivity struct {
	option OptionFunc
	cont   []bool
	paths  []*Trajectory
}

func (b *branchActivity) String() string {
	return fmt.Sprintf("Branch | option: function(), continue: %v, paths: %d", b.cont, len(b.paths))
}

func (b *branchActivity) children() []*Trajectory { return b.paths }

func (b *branchActivity) execute(a *Arrival) (outcome, error) {
	opt, err := b.option(a)
	if err != nil {
		return 0, err
	}
	if opt == 0 {
		return proceed, nil
	}
	if opt < 0 || opt > len(b.paths) {
		return 0, fmt.Errorf("%w: branch option %d out of 0..%d", ErrInvalidArgument, opt, len(b.paths))
	}
	path := b.paths[opt-1]
	// an empty path returns control right after the branch
	if len(path.activities) == 0 {
		return proceed, nil
	}
	a.top().idx++
	a.frames = append(a.frames, frame{traj: path, idx: 0, cont: b.cont[opt-1]})
	return jumped, nil
}

type cloneActivity struct {
	cont  bool
	paths []*Trajectory
}

func (c *cloneActivity) String() string {
	return fmt.Sprintf("Clone | n: %d, continue: %t", len(c.paths), c.cont)
}

func (c *cloneActivity) children() []*Trajectory { return c.paths }

func (c *cloneActivity) execute(a *Arrival) (outcome, error) {
	for i, path := range c.paths {
		sib := a.sim.newArrival(fmt.Sprintf("%s.%d", a.name, i+1), a.source, a.level)
		sib.attrs = maps.Clone(a.attrs)
		sib.priority, sib.preemptible, sib.restart = a.priority, a.preemptible, a.restart
		sib.frames = []frame{{traj: path, idx: 0, cont: false}}
		sib.wake()
	}
	if c.cont {
		return proceed, nil
	}
	a.terminate(StateFinished)
	return terminated, nil
}

type rollbackActivity struct {
	steps int
	times int
}

func (r *rollbackActivity) String() string {
	return fmt.Sprintf("Rollback | amount: %d, times: %d", r.steps, r.times)
}

func (r *rollbackActivity) execute(a *Arrival) (outcome, error) {
	if a.rollbacks == nil {
		a.rollbacks = make(map[*rollbackActivity]int)
	}
	left, ok := a.rollbacks[r]
	if !ok {
		left = r.times
	}
	if left == 0 {
		delete(a.rollbacks, r)
		return proceed, nil
	}
	a.rollbacks[r] = left - 1
	a.top().idx -= r.steps
	return jumped, nil
}

type leaveActivity struct {
	prob Value
}

func (l *leaveActivity) String() string { return fmt.Sprintf("Leave | prob: %v", l.prob) }

func (l *leaveActivity) execute(a *Arrival) (outcome, error) {
	p, err := l.prob.Eval(a)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(p) || p < 0 || p > 1 {
		return 0, fmt.Errorf("%w: leave probability %g", ErrInvalidArgument, p)
	}
	if a.sim.RNG(SubsystemLeave).Float64() < p {
		a.terminate(StateReneged)
		return terminated, nil
	}
	return proceed, nil
}

// === Signals and reneging ===

type sendActivity struct {
	signals []string
	delay   Value
}

func (s *sendActivity) String() string {
	return fmt.Sprintf("Send | signals: [%s], delay: %v", strings.Join(s.signals, ", "), s.delay)
}

func (s *sendActivity) refs(r *references) {
	for _, name := range s.signals {
		r.signals[name] = struct{}{}
	}
}

func (s *sendActivity) execute(a *Arrival) (outcome, error) {
	d, err := evalDuration(a, s.delay, "signal delay")
	if err != nil {
		return 0, err
	}
	if err := a.sim.Send(d, s.signals...); err != nil {
		return 0, err
	}
	return proceed, nil
}

type waitActivity struct {
	signals []string
}

func (w *waitActivity) String() string {
	return fmt.Sprintf("Wait | signals: [%s]", strings.Join(w.signals, ", "))
}

func (w *waitActivity) refs(r *references) {
	for _, name := range w.signals {
		r.signals[name] = struct{}{}
	}
}

func (w *waitActivity) execute(a *Arrival) (outcome, error) {
	for _, name := range w.signals {
		if err := a.sim.subscribe(a, name, subWait); err != nil {
			a.clearWaits()
			return 0, err
		}
		a.waits = append(a.waits, name)
	}
	a.state = StateSuspendedSignal
	return suspended, nil
}

type renegeInActivity struct {
	delay Value
}

func (r *renegeInActivity) String() string { return fmt.Sprintf("RenegeIn | t: %v", r.delay) }

func (r *renegeInActivity) execute(a *Arrival) (outcome, error) {
	d, err := evalDuration(a, r.delay, "renege delay")
	if err != nil {
		return 0, err
	}
	a.renegeTimer.Cancel()
	a.renegeTimer, err = a.sim.Schedule(a.sim.clock+d, KindArrivalResume, a.name, func() error {
		a.renegeTimer = nil
		logrus.Debugf("[t=%g] %s reneges on timer", a.sim.clock, a.name)
		a.terminate(StateReneged)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return proceed, nil
}

type renegeIfActivity struct {
	signal string
}

func (r *renegeIfActivity) String() string { return fmt.Sprintf("RenegeIf | signal: %s", r.signal) }

func (r *renegeIfActivity) refs(refs *references) { refs.signals[r.signal] = struct{}{} }

func (r *renegeIfActivity) execute(a *Arrival) (outcome, error) {
	if a.renegeSignal != "" {
		a.sim.unsubscribe(a, a.renegeSignal, subRenege)
		a.renegeSignal = ""
	}
	if err := a.sim.subscribe(a, r.signal, subRenege); err != nil {
		return 0, err
	}
	a.renegeSignal = r.signal
	return proceed, nil
}

type renegeAbortActivity struct{}

func (renegeAbortActivity) String() string { return "RenegeAbort" }

func (renegeAbortActivity) execute(a *Arrival) (outcome, error) {
	a.abortRenege()
	return proceed, nil
}

// === Sources ===

type sourceOp int

const (
	opActivate sourceOp = iota
	opDeactivate
	opSetDistribution
	opSetTrajectory
)

type sourceActivity struct {
	source string
	op     sourceOp
	dist   Distribution
	traj   *Trajectory
}

func (s *sourceActivity) String() string {
	switch s.op {
	case opActivate:
		return fmt.Sprintf("Activate | source: %s", s.source)
	case opDeactivate:
		return fmt.Sprintf("Deactivate | source: %s", s.source)
	case opSetDistribution:
		return fmt.Sprintf("SetSource | source: %s, distribution: function()", s.source)
	default:
		return fmt.Sprintf("SetTrajectory | source: %s, trajectory: %s", s.source, s.traj.name)
	}
}

func (s *sourceActivity) refs(r *references) { r.sources[s.source] = struct{}{} }

func (s *sourceActivity) children() []*Trajectory {
	if s.traj == nil {
		return nil
	}
	return []*Trajectory{s.traj}
}

func (s *sourceActivity) execute(a *Arrival) (outcome, error) {
	src, err := a.sim.Source(s.source)
	if err != nil {
		return 0, err
	}
	switch s.op {
	case opActivate:
		src.Activate()
	case opDeactivate:
		src.Deactivate()
	case opSetDistribution:
		err = src.SetDistribution(s.dist)
	case opSetTrajectory:
		err = src.SetTrajectory(s.traj)
	}
	if err != nil {
		return 0, err
	}
	return proceed, nil
}

// === Resource limits and priorities ===

type resourceLimitActivity struct {
	resource string
	param    ManagerParam
	value    Value
}

func (r *resourceLimitActivity) String() string {
	return fmt.Sprintf("Set%s | resource: %s, value: %v", r.param.title(), r.resource, r.value)
}

func (r *resourceLimitActivity) refs(refs *references) { refs.resources[r.resource] = struct{}{} }

func (r *resourceLimitActivity) execute(a *Arrival) (outcome, error) {
	res, err := a.sim.Resource(r.resource)
	if err != nil {
		return 0, err
	}
	v, err := evalCount(a, r.value, string(r.param), true)
	if err != nil {
		return 0, err
	}
	if err := r.param.apply(res, v); err != nil {
		return 0, err
	}
	return proceed, nil
}

type prioritizationActivity struct {
	priority    int
	preemptible int
	restart     bool
}

func (p *prioritizationActivity) String() string {
	return fmt.Sprintf("SetPrioritization | priority: %d, preemptible: %d, restart: %t", p.priority, p.preemptible, p.restart)
}

func (p *prioritizationActivity) execute(a *Arrival) (outcome, error) {
	a.priority = p.priority
	a.preemptible = max(p.preemptible, p.priority)
	a.restart = p.restart
	return proceed, nil
}

// === Log ===

type logActivity struct {
	msg  MessageFunc
	text string
}

func (l *logActivity) String() string { return fmt.Sprintf("Log | message: %s", l.text) }

func (l *logActivity) execute(a *Arrival) (outcome, error) {
	msg, err := l.msg(a)
	if err != nil {
		return 0, err
	}
	logrus.WithFields(logrus.Fields{"time": a.sim.clock, "arrival": a.name}).Info(msg)
	return proceed, nil
}

package sim

import (
	"fmt"
	"slices"
	"strings"
)

// Trajectory is an immutable ordered list of activities. Sub-trajectories
// (branch paths, clone paths, reject handlers) are trajectories too. The same
// trajectory can be shared by any number of sources and arrivals.
type Trajectory struct {
	name       string
	activities []Activity
}

// Name returns the trajectory name.
func (t *Trajectory) Name() string { return t.name }

// Len returns the number of top-level activities.
func (t *Trajectory) Len() int { return len(t.activities) }

// String prints the trajectory one activity per line, sub-trajectories
// indented under their parent.
func (t *Trajectory) String() string {
	var sb strings.Builder
	t.print(&sb, 0)
	return sb.String()
}

func (t *Trajectory) print(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%strajectory: %s, %d activities\n", indent, t.name, len(t.activities))
	for _, act := range t.activities {
		fmt.Fprintf(sb, "%s{ %s }\n", indent, act)
		if p, ok := act.(parent); ok {
			for _, sub := range p.children() {
				sub.print(sb, depth+1)
			}
		}
	}
}

// references collects the names a trajectory tree depends on.
type references struct {
	resources map[string]struct{}
	signals   map[string]struct{}
	sources   map[string]struct{}
}

func newReferences() *references {
	return &references{
		resources: make(map[string]struct{}),
		signals:   make(map[string]struct{}),
		sources:   make(map[string]struct{}),
	}
}

// referrer is implemented by activities naming resources, signals or sources.
type referrer interface {
	refs(r *references)
}

// parent is implemented by activities holding sub-trajectories.
type parent interface {
	children() []*Trajectory
}

func (t *Trajectory) collect(r *references, seen map[*Trajectory]bool) {
	if seen[t] {
		return
	}
	seen[t] = true
	for _, act := range t.activities {
		if rf, ok := act.(referrer); ok {
			rf.refs(r)
		}
		if p, ok := act.(parent); ok {
			for _, sub := range p.children() {
				sub.collect(r, seen)
			}
		}
	}
}

// TrajectoryBuilder assembles a trajectory fluently. The first invalid call
// is remembered and returned by Build; later calls are ignored.
//
//	traj, err := sim.NewTrajectory("customer").
//		Seize("counter", sim.Const(1)).
//		Timeout(sim.Const(3)).
//		Release("counter", sim.Const(1)).
//		Build()
type TrajectoryBuilder struct {
	traj *Trajectory
	err  error
}

// NewTrajectory starts an empty trajectory.
func NewTrajectory(name string) *TrajectoryBuilder {
	return &TrajectoryBuilder{traj: &Trajectory{name: name}}
}

// Build returns the trajectory or the first construction error.
func (b *TrajectoryBuilder) Build() (*Trajectory, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &Trajectory{name: b.traj.name, activities: slices.Clone(b.traj.activities)}, nil
}

// MustBuild is Build that panics on error. Meant for tests and fixed models.
func (b *TrajectoryBuilder) MustBuild() *Trajectory {
	t, err := b.Build()
	if err != nil {
		panic(err)
	}
	return t
}

func (b *TrajectoryBuilder) add(act Activity) *TrajectoryBuilder {
	if b.err == nil {
		b.traj.activities = append(b.traj.activities, act)
	}
	return b
}

func (b *TrajectoryBuilder) fail(format string, args ...any) *TrajectoryBuilder {
	if b.err == nil {
		b.err = fmt.Errorf("trajectory %s, activity %d: %w", b.traj.name, len(b.traj.activities),
			fmt.Errorf(format, args...))
	}
	return b
}

func (b *TrajectoryBuilder) needValue(what string, v Value) bool {
	if v == nil {
		b.fail("%w: %s is nil", ErrInvalidTrajectory, what)
		return false
	}
	return true
}

// Timeout suspends the arrival for the evaluated duration.
func (b *TrajectoryBuilder) Timeout(d Value) *TrajectoryBuilder {
	if !b.needValue("timeout", d) {
		return b
	}
	return b.add(&timeoutActivity{duration: d})
}

// Seize requests units of a resource. An arrival refused by a full queue is
// rejected.
func (b *TrajectoryBuilder) Seize(resource string, amount Value) *TrajectoryBuilder {
	return b.SeizeOrElse(resource, amount, nil)
}

// SeizeOrElse is Seize where a refused arrival continues in reject instead
// of being rejected. When reject finishes the arrival carries on after the
// seize.
func (b *TrajectoryBuilder) SeizeOrElse(resource string, amount Value, reject *Trajectory) *TrajectoryBuilder {
	if resource == "" {
		return b.fail("%w: seize with empty resource", ErrInvalidTrajectory)
	}
	if !b.needValue("seize amount", amount) {
		return b
	}
	return b.add(&seizeActivity{resource: resource, amount: amount, reject: reject})
}

// Release returns units of a resource.
func (b *TrajectoryBuilder) Release(resource string, amount Value) *TrajectoryBuilder {
	if resource == "" {
		return b.fail("%w: release with empty resource", ErrInvalidTrajectory)
	}
	if !b.needValue("release amount", amount) {
		return b
	}
	return b.add(&releaseActivity{resource: resource, amount: amount})
}

// ReleaseAll returns every unit held of a resource, or of every resource
// when resource is empty.
func (b *TrajectoryBuilder) ReleaseAll(resource string) *TrajectoryBuilder {
	return b.add(&releaseActivity{resource: resource})
}

// SetAttribute stores an attribute on the arrival.
func (b *TrajectoryBuilder) SetAttribute(key string, v Value) *TrajectoryBuilder {
	return b.SetAttributeMod(key, v, ModSet, 0)
}

// SetAttributeMod combines the attribute with v using mod. A missing
// attribute starts from init.
func (b *TrajectoryBuilder) SetAttributeMod(key string, v Value, mod AttrMod, init float64) *TrajectoryBuilder {
	return b.setAttr(key, v, mod, init, false)
}

// SetGlobal stores a simulation-wide attribute.
func (b *TrajectoryBuilder) SetGlobal(key string, v Value, mod AttrMod, init float64) *TrajectoryBuilder {
	return b.setAttr(key, v, mod, init, true)
}

func (b *TrajectoryBuilder) setAttr(key string, v Value, mod AttrMod, init float64, global bool) *TrajectoryBuilder {
	if key == "" {
		return b.fail("%w: empty attribute key", ErrInvalidTrajectory)
	}
	if !b.needValue("attribute value", v) {
		return b
	}
	if mod != ModSet && mod != ModAdd && mod != ModMul {
		return b.fail("%w: unknown attribute mod %d", ErrInvalidTrajectory, mod)
	}
	return b.add(&setAttributeActivity{key: key, value: v, mod: mod, init: init, global: global})
}

// Branch picks one of paths with option: 0 skips the branch and 1..N enter
// path N. When the chosen path ends the arrival continues after the branch
// if the matching cont flag is set and finishes otherwise.
func (b *TrajectoryBuilder) Branch(option OptionFunc, cont []bool, paths ...*Trajectory) *TrajectoryBuilder {
	if option == nil {
		return b.fail("%w: branch without option", ErrInvalidTrajectory)
	}
	if len(paths) == 0 {
		return b.fail("%w: branch without paths", ErrInvalidTrajectory)
	}
	if len(cont) != len(paths) {
		return b.fail("%w: branch has %d paths but %d continue flags", ErrInvalidTrajectory, len(paths), len(cont))
	}
	if slices.Contains(paths, nil) {
		return b.fail("%w: nil branch path", ErrInvalidTrajectory)
	}
	return b.add(&branchActivity{option: option, cont: slices.Clone(cont), paths: slices.Clone(paths)})
}

// Clone creates one sibling per path. Siblings start at the current
// instant with a copy of the attributes. The original continues after the
// clone if cont is set and finishes otherwise.
func (b *TrajectoryBuilder) Clone(cont bool, paths ...*Trajectory) *TrajectoryBuilder {
	if len(paths) == 0 {
		return b.fail("%w: clone without paths", ErrInvalidTrajectory)
	}
	if slices.Contains(paths, nil) {
		return b.fail("%w: nil clone path", ErrInvalidTrajectory)
	}
	return b.add(&cloneActivity{cont: cont, paths: slices.Clone(paths)})
}

// Rollback jumps steps activities back, at most times times per arrival.
// The counter resets once the arrival passes through.
func (b *TrajectoryBuilder) Rollback(steps, times int) *TrajectoryBuilder {
	if steps < 1 || steps > len(b.traj.activities) {
		return b.fail("%w: rollback of %d steps with %d activities before it", ErrInvalidTrajectory, steps, len(b.traj.activities))
	}
	if times < 0 {
		return b.fail("%w: rollback times %d", ErrInvalidTrajectory, times)
	}
	return b.add(&rollbackActivity{steps: steps, times: times})
}

// Send broadcasts signals after delay. A nil delay sends immediately.
func (b *TrajectoryBuilder) Send(signals []string, delay Value) *TrajectoryBuilder {
	if len(signals) == 0 {
		return b.fail("%w: send without signals", ErrInvalidTrajectory)
	}
	if delay == nil {
		delay = Const(0)
	}
	return b.add(&sendActivity{signals: slices.Clone(signals), delay: delay})
}

// Wait suspends the arrival until any of the signals fires.
func (b *TrajectoryBuilder) Wait(signals ...string) *TrajectoryBuilder {
	if len(signals) == 0 {
		return b.fail("%w: wait without signals", ErrInvalidTrajectory)
	}
	return b.add(&waitActivity{signals: slices.Clone(signals)})
}

// Leave makes the arrival abandon with probability p.
func (b *TrajectoryBuilder) Leave(p Value) *TrajectoryBuilder {
	if !b.needValue("leave probability", p) {
		return b
	}
	return b.add(&leaveActivity{prob: p})
}

// Activate starts a source.
func (b *TrajectoryBuilder) Activate(source string) *TrajectoryBuilder {
	return b.add(&sourceActivity{source: source, op: opActivate})
}

// Deactivate stops a source.
func (b *TrajectoryBuilder) Deactivate(source string) *TrajectoryBuilder {
	return b.add(&sourceActivity{source: source, op: opDeactivate})
}

// SetSource replaces the inter-arrival distribution of a generator.
func (b *TrajectoryBuilder) SetSource(source string, dist Distribution) *TrajectoryBuilder {
	if dist == nil {
		return b.fail("%w: nil distribution", ErrInvalidTrajectory)
	}
	return b.add(&sourceActivity{source: source, op: opSetDistribution, dist: dist})
}

// SetTrajectory replaces the trajectory new arrivals of a source follow.
func (b *TrajectoryBuilder) SetTrajectory(source string, traj *Trajectory) *TrajectoryBuilder {
	if traj == nil {
		return b.fail("%w: nil trajectory", ErrInvalidTrajectory)
	}
	return b.add(&sourceActivity{source: source, op: opSetTrajectory, traj: traj})
}

// Log writes a message through the logger.
func (b *TrajectoryBuilder) Log(msg string) *TrajectoryBuilder {
	return b.add(&logActivity{msg: func(*Arrival) (string, error) { return msg, nil }, text: msg})
}

// LogFunc writes a message computed from the arrival.
func (b *TrajectoryBuilder) LogFunc(msg MessageFunc) *TrajectoryBuilder {
	if msg == nil {
		return b.fail("%w: nil log function", ErrInvalidTrajectory)
	}
	return b.add(&logActivity{msg: msg, text: "function()"})
}

// Batch groups arrivals into a unit that continues down the trajectory.
func (b *TrajectoryBuilder) Batch(opts BatchOptions) *TrajectoryBuilder {
	if opts.Size < 1 {
		return b.fail("%w: batch size %d", ErrInvalidTrajectory, opts.Size)
	}
	return b.add(&batchActivity{opts: opts})
}

// Separate splits a batch unit back into its members.
func (b *TrajectoryBuilder) Separate() *TrajectoryBuilder {
	return b.add(&separateActivity{})
}

// SetCapacity changes the capacity of a resource. +Inf means unbounded.
func (b *TrajectoryBuilder) SetCapacity(resource string, v Value) *TrajectoryBuilder {
	if !b.needValue("capacity", v) {
		return b
	}
	return b.add(&resourceLimitActivity{resource: resource, param: ParamCapacity, value: v})
}

// SetQueueSize changes the queue size of a resource. +Inf means unbounded.
func (b *TrajectoryBuilder) SetQueueSize(resource string, v Value) *TrajectoryBuilder {
	if !b.needValue("queue size", v) {
		return b
	}
	return b.add(&resourceLimitActivity{resource: resource, param: ParamQueueSize, value: v})
}

// SetPrioritization changes the seize priority, the highest priority that
// cannot preempt the arrival, and whether a preempted timeout restarts.
func (b *TrajectoryBuilder) SetPrioritization(priority, preemptible int, restart bool) *TrajectoryBuilder {
	return b.add(&prioritizationActivity{priority: priority, preemptible: preemptible, restart: restart})
}

// RenegeIn makes the arrival abandon after the evaluated delay unless
// RenegeAbort runs first.
func (b *TrajectoryBuilder) RenegeIn(d Value) *TrajectoryBuilder {
	if !b.needValue("renege delay", d) {
		return b
	}
	return b.add(&renegeInActivity{delay: d})
}

// RenegeIf makes the arrival abandon when the signal fires.
func (b *TrajectoryBuilder) RenegeIf(signal string) *TrajectoryBuilder {
	if signal == "" {
		return b.fail("%w: renege on empty signal", ErrInvalidTrajectory)
	}
	return b.add(&renegeIfActivity{signal: signal})
}

// RenegeAbort cancels pending reneging.
func (b *TrajectoryBuilder) RenegeAbort() *TrajectoryBuilder {
	return b.add(&renegeAbortActivity{})
}

// Join appends the activities of other trajectories.
func (b *TrajectoryBuilder) Join(others ...*Trajectory) *TrajectoryBuilder {
	for _, o := range others {
		if o == nil {
			return b.fail("%w: join nil trajectory", ErrInvalidTrajectory)
		}
		for _, act := range o.activities {
			b.add(act)
		}
	}
	return b
}

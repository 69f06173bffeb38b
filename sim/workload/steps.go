package workload

import (
	"fmt"
	"math"

	"github.com/inference-sim/dessim/sim"
)

// StepSpec is one activity of a trajectory. Exactly one field is set.
type StepSpec struct {
	Timeout           *ValueSpec         `yaml:"timeout,omitempty"`
	Seize             *SeizeSpec         `yaml:"seize,omitempty"`
	Release           *ReleaseSpec       `yaml:"release,omitempty"`
	SetAttribute      *AttributeSpec     `yaml:"set_attribute,omitempty"`
	Branch            *BranchSpec        `yaml:"branch,omitempty"`
	Clone             *CloneSpec         `yaml:"clone,omitempty"`
	Rollback          *RollbackSpec      `yaml:"rollback,omitempty"`
	Send              *SendSpec          `yaml:"send,omitempty"`
	Wait              []string           `yaml:"wait,omitempty"`
	Leave             *ValueSpec         `yaml:"leave,omitempty"`
	Activate          string             `yaml:"activate,omitempty"`
	Deactivate        string             `yaml:"deactivate,omitempty"`
	SetSource         *SetSourceSpec     `yaml:"set_source,omitempty"`
	SetTrajectory     *SetTrajectorySpec `yaml:"set_trajectory,omitempty"`
	Log               string             `yaml:"log,omitempty"`
	Batch             *BatchSpec         `yaml:"batch,omitempty"`
	Separate          bool               `yaml:"separate,omitempty"`
	SetCapacity       *ResourceValueSpec `yaml:"set_capacity,omitempty"`
	SetQueueSize      *ResourceValueSpec `yaml:"set_queue_size,omitempty"`
	SetPrioritization *PrioritySpec      `yaml:"set_prioritization,omitempty"`
	RenegeIn          *ValueSpec         `yaml:"renege_in,omitempty"`
	RenegeIf          string             `yaml:"renege_if,omitempty"`
	RenegeAbort       bool               `yaml:"renege_abort,omitempty"`
	Join              string             `yaml:"join,omitempty"`
}

// SeizeSpec requests units of a resource. Reject steps run instead of a
// rejection when the resource is saturated.
type SeizeSpec struct {
	Resource string     `yaml:"resource"`
	Amount   *ValueSpec `yaml:"amount,omitempty"` // default 1
	Reject   []StepSpec `yaml:"reject,omitempty"`
}

// ReleaseSpec returns units. Without Amount everything held of Resource is
// returned, and without Resource everything held at all.
type ReleaseSpec struct {
	Resource string     `yaml:"resource,omitempty"`
	Amount   *ValueSpec `yaml:"amount,omitempty"`
}

// AttributeSpec writes an arrival (or global) attribute.
type AttributeSpec struct {
	Key    string    `yaml:"key"`
	Value  ValueSpec `yaml:"value"`
	Mod    string    `yaml:"mod,omitempty"` // set, add, mul
	Init   float64   `yaml:"init,omitempty"`
	Global bool      `yaml:"global,omitempty"`
}

// BranchSpec picks a path either from an attribute holding the option
// (0 skips) or at random with Weights.
type BranchSpec struct {
	Attribute string       `yaml:"attribute,omitempty"`
	Weights   []float64    `yaml:"weights,omitempty"`
	Continue  []bool       `yaml:"continue"`
	Paths     [][]StepSpec `yaml:"paths"`
}

// CloneSpec sends copies of the arrival down each path.
type CloneSpec struct {
	Continue bool         `yaml:"continue,omitempty"`
	Paths    [][]StepSpec `yaml:"paths"`
}

// RollbackSpec jumps back Steps activities up to Times times.
type RollbackSpec struct {
	Steps int `yaml:"steps"`
	Times int `yaml:"times"`
}

// SendSpec broadcasts signals after an optional delay.
type SendSpec struct {
	Signals []string   `yaml:"signals"`
	Delay   *ValueSpec `yaml:"delay,omitempty"`
}

// SetSourceSpec replaces the arrival process of a generator.
type SetSourceSpec struct {
	Source  string      `yaml:"source"`
	Arrival ArrivalSpec `yaml:"arrival"`
}

// SetTrajectorySpec points a source at another named trajectory.
type SetTrajectorySpec struct {
	Source     string `yaml:"source"`
	Trajectory string `yaml:"trajectory"`
}

// BatchSpec groups arrivals. With Attribute set, only arrivals holding a
// non-zero value of that attribute join.
type BatchSpec struct {
	Size      int        `yaml:"size"`
	Timeout   *ValueSpec `yaml:"timeout,omitempty"`
	Name      string     `yaml:"name,omitempty"`
	Permanent bool       `yaml:"permanent,omitempty"`
	Attribute string     `yaml:"attribute,omitempty"`
}

// ResourceValueSpec sets a resource limit; +Inf (.inf) means unbounded.
type ResourceValueSpec struct {
	Resource string    `yaml:"resource"`
	Value    ValueSpec `yaml:"value"`
}

// PrioritySpec changes the arrival's prioritization.
type PrioritySpec struct {
	Priority    int  `yaml:"priority"`
	Preemptible int  `yaml:"preemptible"`
	Restart     bool `yaml:"restart,omitempty"`
}

// kind names the single field that is set.
func (s *StepSpec) kind() (string, error) {
	fields := []struct {
		name string
		set  bool
	}{
		{"timeout", s.Timeout != nil},
		{"seize", s.Seize != nil},
		{"release", s.Release != nil},
		{"set_attribute", s.SetAttribute != nil},
		{"branch", s.Branch != nil},
		{"clone", s.Clone != nil},
		{"rollback", s.Rollback != nil},
		{"send", s.Send != nil},
		{"wait", s.Wait != nil},
		{"leave", s.Leave != nil},
		{"activate", s.Activate != ""},
		{"deactivate", s.Deactivate != ""},
		{"set_source", s.SetSource != nil},
		{"set_trajectory", s.SetTrajectory != nil},
		{"log", s.Log != ""},
		{"batch", s.Batch != nil},
		{"separate", s.Separate},
		{"set_capacity", s.SetCapacity != nil},
		{"set_queue_size", s.SetQueueSize != nil},
		{"set_prioritization", s.SetPrioritization != nil},
		{"renege_in", s.RenegeIn != nil},
		{"renege_if", s.RenegeIf != ""},
		{"renege_abort", s.RenegeAbort},
		{"join", s.Join != ""},
	}
	found := ""
	for _, f := range fields {
		if !f.set {
			continue
		}
		if found != "" {
			return "", fmt.Errorf("step sets both %s and %s", found, f.name)
		}
		found = f.name
	}
	if found == "" {
		return "", fmt.Errorf("empty step")
	}
	return found, nil
}

// validate checks what the trajectory builder cannot see: distribution
// parameters, nested paths and the branch option source.
func (s *StepSpec) validate(prefix string) error {
	switch {
	case s.Seize != nil:
		return validateSteps(prefix+".reject", s.Seize.Reject)
	case s.SetAttribute != nil:
		if !validMods[s.SetAttribute.Mod] {
			return fmt.Errorf("%s: unknown mod %q; valid: set, add, mul", prefix, s.SetAttribute.Mod)
		}
	case s.Branch != nil:
		b := s.Branch
		if (b.Attribute == "") == (b.Weights == nil) {
			return fmt.Errorf("%s: exactly one of attribute or weights required", prefix)
		}
		if b.Weights != nil && len(b.Weights) != len(b.Paths) {
			return fmt.Errorf("%s: %d weights for %d paths", prefix, len(b.Weights), len(b.Paths))
		}
		for _, w := range b.Weights {
			if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
				return fmt.Errorf("%s: weights must be finite and non-negative, got %f", prefix, w)
			}
		}
		for i, p := range b.Paths {
			if err := validateSteps(fmt.Sprintf("%s.paths[%d]", prefix, i), p); err != nil {
				return err
			}
		}
	case s.Clone != nil:
		for i, p := range s.Clone.Paths {
			if err := validateSteps(fmt.Sprintf("%s.paths[%d]", prefix, i), p); err != nil {
				return err
			}
		}
	}
	return nil
}

// value converts a ValueSpec into a kernel Value.
func (v *ValueSpec) value() (sim.Value, error) {
	switch {
	case v == nil:
		return nil, nil
	case v.Const != nil:
		return sim.Const(*v.Const), nil
	case v.Attribute != "":
		return sim.Attr(v.Attribute), nil
	case v.Dist != nil:
		s, err := NewSampler(*v.Dist)
		if err != nil {
			return nil, err
		}
		return Duration(s), nil
	}
	return nil, fmt.Errorf("empty value")
}

// trajectoryBuilder turns step lists into kernel trajectories. Named
// trajectories are resolved against those built before.
type trajectoryBuilder struct {
	named map[string]*sim.Trajectory
}

func (tb *trajectoryBuilder) build(name string, steps []StepSpec) (*sim.Trajectory, error) {
	b := sim.NewTrajectory(name)
	for i := range steps {
		if err := tb.add(b, fmt.Sprintf("%s.%d", name, i), &steps[i]); err != nil {
			return nil, fmt.Errorf("trajectory %s, step %d: %w", name, i, err)
		}
	}
	return b.Build()
}

func (tb *trajectoryBuilder) paths(name string, paths [][]StepSpec) ([]*sim.Trajectory, error) {
	out := make([]*sim.Trajectory, len(paths))
	for i, p := range paths {
		t, err := tb.build(fmt.Sprintf("%s.%d", name, i+1), p)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func (tb *trajectoryBuilder) lookup(name string) (*sim.Trajectory, error) {
	t, ok := tb.named[name]
	if !ok {
		return nil, fmt.Errorf("unknown trajectory %q (trajectories must be declared before use)", name)
	}
	return t, nil
}

func (tb *trajectoryBuilder) add(b *sim.TrajectoryBuilder, name string, s *StepSpec) error {
	switch {
	case s.Timeout != nil:
		v, err := s.Timeout.value()
		if err != nil {
			return err
		}
		b.Timeout(v)

	case s.Seize != nil:
		amount, err := amountOrOne(s.Seize.Amount)
		if err != nil {
			return err
		}
		if s.Seize.Reject == nil {
			b.Seize(s.Seize.Resource, amount)
			break
		}
		reject, err := tb.build(name+".reject", s.Seize.Reject)
		if err != nil {
			return err
		}
		b.SeizeOrElse(s.Seize.Resource, amount, reject)

	case s.Release != nil:
		if s.Release.Amount == nil {
			b.ReleaseAll(s.Release.Resource)
			break
		}
		amount, err := s.Release.Amount.value()
		if err != nil {
			return err
		}
		b.Release(s.Release.Resource, amount)

	case s.SetAttribute != nil:
		a := s.SetAttribute
		v, err := a.Value.value()
		if err != nil {
			return err
		}
		mod := sim.ModSet
		switch a.Mod {
		case "add":
			mod = sim.ModAdd
		case "mul":
			mod = sim.ModMul
		}
		if a.Global {
			b.SetGlobal(a.Key, v, mod, a.Init)
		} else {
			b.SetAttributeMod(a.Key, v, mod, a.Init)
		}

	case s.Branch != nil:
		paths, err := tb.paths(name, s.Branch.Paths)
		if err != nil {
			return err
		}
		b.Branch(branchOption(s.Branch), s.Branch.Continue, paths...)

	case s.Clone != nil:
		paths, err := tb.paths(name, s.Clone.Paths)
		if err != nil {
			return err
		}
		b.Clone(s.Clone.Continue, paths...)

	case s.Rollback != nil:
		b.Rollback(s.Rollback.Steps, s.Rollback.Times)

	case s.Send != nil:
		delay, err := s.Send.Delay.value()
		if err != nil {
			return err
		}
		b.Send(s.Send.Signals, delay)

	case s.Wait != nil:
		b.Wait(s.Wait...)

	case s.Leave != nil:
		p, err := s.Leave.value()
		if err != nil {
			return err
		}
		b.Leave(p)

	case s.Activate != "":
		b.Activate(s.Activate)

	case s.Deactivate != "":
		b.Deactivate(s.Deactivate)

	case s.SetSource != nil:
		dist, err := NewArrivalProcess(s.SetSource.Arrival)
		if err != nil {
			return err
		}
		b.SetSource(s.SetSource.Source, dist)

	case s.SetTrajectory != nil:
		t, err := tb.lookup(s.SetTrajectory.Trajectory)
		if err != nil {
			return err
		}
		b.SetTrajectory(s.SetTrajectory.Source, t)

	case s.Log != "":
		b.Log(s.Log)

	case s.Batch != nil:
		opts := sim.BatchOptions{Size: s.Batch.Size, Name: s.Batch.Name, Permanent: s.Batch.Permanent}
		timeout, err := s.Batch.Timeout.value()
		if err != nil {
			return err
		}
		opts.Timeout = timeout
		if key := s.Batch.Attribute; key != "" {
			opts.Rule = func(a *sim.Arrival) (bool, error) {
				v, ok := a.Attribute(key)
				return ok && v != 0, nil
			}
		}
		b.Batch(opts)

	case s.Separate:
		b.Separate()

	case s.SetCapacity != nil:
		v, err := s.SetCapacity.Value.value()
		if err != nil {
			return err
		}
		b.SetCapacity(s.SetCapacity.Resource, v)

	case s.SetQueueSize != nil:
		v, err := s.SetQueueSize.Value.value()
		if err != nil {
			return err
		}
		b.SetQueueSize(s.SetQueueSize.Resource, v)

	case s.SetPrioritization != nil:
		p := s.SetPrioritization
		b.SetPrioritization(p.Priority, p.Preemptible, p.Restart)

	case s.RenegeIn != nil:
		d, err := s.RenegeIn.value()
		if err != nil {
			return err
		}
		b.RenegeIn(d)

	case s.RenegeIf != "":
		b.RenegeIf(s.RenegeIf)

	case s.RenegeAbort:
		b.RenegeAbort()

	case s.Join != "":
		t, err := tb.lookup(s.Join)
		if err != nil {
			return err
		}
		b.Join(t)

	default:
		return fmt.Errorf("empty step")
	}
	return nil
}

func amountOrOne(v *ValueSpec) (sim.Value, error) {
	if v == nil {
		return sim.Const(1), nil
	}
	return v.value()
}

// branchOption reads the option from an attribute, or draws it from the
// branch stream with the given weights.
func branchOption(spec *BranchSpec) sim.OptionFunc {
	if key := spec.Attribute; key != "" {
		return func(a *sim.Arrival) (int, error) {
			v, err := sim.Attr(key).Eval(a)
			if err != nil {
				return 0, err
			}
			if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
				return 0, fmt.Errorf("%w: branch option %q of %s must be a whole number, got %g",
					sim.ErrInvalidArgument, key, a.Name(), v)
			}
			return int(v), nil
		}
	}
	weights := append([]float64(nil), spec.Weights...)
	total := 0.0
	for _, w := range weights {
		total += w
	}
	return func(a *sim.Arrival) (int, error) {
		if total == 0 {
			return 0, nil
		}
		u := a.Simulator().RNG(sim.SubsystemBranch).Float64() * total
		for i, w := range weights {
			if u < w {
				return i + 1, nil
			}
			u -= w
		}
		return len(weights), nil
	}
}

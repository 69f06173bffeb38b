package sim

import (
	"fmt"
	"math/rand"
)

// Value is a numeric activity parameter evaluated at the instant the activity
// executes. The kernel only looks at the returned number; an error aborts the
// run.
type Value interface {
	Eval(a *Arrival) (float64, error)
}

// Const is a fixed Value.
type Const float64

// Eval returns the constant.
func (c Const) Eval(*Arrival) (float64, error) { return float64(c), nil }

func (c Const) String() string { return fmt.Sprintf("%g", float64(c)) }

// ValueFunc adapts a function to Value.
type ValueFunc func(a *Arrival) (float64, error)

// Eval calls f(a).
func (f ValueFunc) Eval(a *Arrival) (float64, error) { return f(a) }

func (f ValueFunc) String() string { return "function()" }

// Attr reads a Value from an attribute of the arrival (or a global attribute
// when the arrival has none with that key). A missing key is an error.
type Attr string

// Eval looks the attribute up.
func (k Attr) Eval(a *Arrival) (float64, error) {
	if v, ok := a.Attribute(string(k)); ok {
		return v, nil
	}
	if v, ok := a.sim.GlobalAttribute(string(k)); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: attribute %q not set on %s", ErrInvalidArgument, string(k), a.name)
}

func (k Attr) String() string { return fmt.Sprintf("attr(%s)", string(k)) }

// OptionFunc selects a branch: 0 skips the branch, 1..N picks a path.
type OptionFunc func(a *Arrival) (int, error)

// Condition decides whether an arrival takes part in a batch.
type Condition func(a *Arrival) (bool, error)

// MessageFunc renders a log message for an arrival.
type MessageFunc func(a *Arrival) (string, error)

// Distribution yields successive inter-arrival gaps for a generator.
// A negative gap stops the generator.
type Distribution interface {
	NextGap(rng *rand.Rand) (float64, error)
}

// DistributionFunc adapts a function to Distribution.
type DistributionFunc func(rng *rand.Rand) (float64, error)

// NextGap calls f(rng).
func (f DistributionFunc) NextGap(rng *rand.Rand) (float64, error) { return f(rng) }

// Every is a Distribution with a fixed gap.
type Every float64

// NextGap returns the fixed gap.
func (e Every) NextGap(*rand.Rand) (float64, error) { return float64(e), nil }

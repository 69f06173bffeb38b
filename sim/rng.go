package sim

import (
	"hash/fnv"
	"math/rand"
)

// SimulationKey seeds every random stream of a run. The same key and model
// give identical monitor tables.
type SimulationKey int64

// NewSimulationKey wraps a seed.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

const (
	// SubsystemLeave drives the Bernoulli trials of Leave activities.
	SubsystemLeave = "leave"

	// SubsystemBranch is available to branch option functions that draw randomly.
	SubsystemBranch = "branch"

	// SubsystemActivity is the default stream for sampled activity parameters
	// such as timeout durations.
	SubsystemActivity = "activity"
)

// SubsystemSource returns the subsystem name for the named source.
// Each source draws its gaps from its own stream so that adding a source
// does not perturb the arrivals of the others.
func SubsystemSource(name string) string {
	return "source_" + name
}

// PartitionedRNG hands out one random stream per named subsystem. A stream
// is seeded with key XOR fnv1a(name), so its draws do not depend on which
// streams were requested first.
//
// Not safe for concurrent use; a simulator owns its PartitionedRNG.
type PartitionedRNG struct {
	key     SimulationKey
	streams map[string]*rand.Rand
}

// NewPartitionedRNG creates the streams of one run.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{key: key, streams: make(map[string]*rand.Rand)}
}

// ForSubsystem returns the stream for name, creating it on first use.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	rng, ok := p.streams[name]
	if !ok {
		h := fnv.New64a()
		h.Write([]byte(name))
		rng = rand.New(rand.NewSource(int64(p.key) ^ int64(h.Sum64())))
		p.streams[name] = rng
	}
	return rng
}

// Key returns the key the streams derive from.
func (p *PartitionedRNG) Key() SimulationKey { return p.key }

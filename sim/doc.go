// Package sim provides the core process-oriented discrete-event simulation
// engine of dessim.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - event.go: the event queue, ordered by (time, insertion sequence)
//   - simulator.go: the event loop, run control and entity registries
//   - arrival.go: arrival lifecycle and the trajectory interpreter
//   - resource.go: server units, the priority wait queue and preemption
//
// # Model
//
// A model is a set of Trajectories (immutable activity lists built with
// NewTrajectory), Resources, Sources that create Arrivals, Signals and
// Managers. Arrivals are not goroutines: each one carries its position in
// its trajectory as a stack of frames and yields by scheduling an event.
// Everything happens on the goroutine calling Run, so a run is a pure
// function of its configuration and SimulationKey.
//
// # Sub-packages
//   - sim/trace: monitor tables, CSV export and summary statistics
//   - sim/workload: sampling distributions and YAML scenarios
//   - sim/replication: parallel independent replications
//   - sim/store: SQLite persistence of monitored runs
package sim

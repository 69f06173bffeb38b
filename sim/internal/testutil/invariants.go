// Package testutil provides shared test infrastructure for the dessim
// packages: monitor-table invariants used across sim/ and its sub-packages.
package testutil

import (
	"testing"

	"github.com/inference-sim/dessim/sim/trace"
)

// AssertMonitorInvariants checks the properties every monitored run must
// satisfy: arrival rows are ordered in time with activity time bounded by
// flow time, and resource rows are ordered in time with non-negative counts.
// Servers never exceed capacity, except for holders grandfathered by a
// capacity shrink: while above capacity, a series may only shrink.
func AssertMonitorInvariants(t *testing.T, m *trace.Monitor) {
	t.Helper()
	const eps = 1e-9
	for _, r := range m.Arrivals() {
		if r.StartTime > r.EndTime+eps {
			t.Errorf("arrival %s: start %g after end %g", r.Name, r.StartTime, r.EndTime)
		}
		if r.ActivityTime < -eps || r.ActivityTime > r.EndTime-r.StartTime+eps {
			t.Errorf("arrival %s: activity %g outside [0, %g]", r.Name, r.ActivityTime, r.EndTime-r.StartTime)
		}
	}
	for _, r := range m.ArrivalResources() {
		if r.StartTime > r.EndTime+eps {
			t.Errorf("arrival %s on %s: start %g after end %g", r.Name, r.Resource, r.StartTime, r.EndTime)
		}
	}
	type series struct {
		replication int
		resource    string
	}
	prevServer := make(map[series]int)
	last := make(map[int]float64)
	for _, r := range m.Resources() {
		if at, ok := last[r.Replication]; ok && r.Time < at {
			t.Errorf("resource rows out of order: %g after %g", r.Time, at)
		}
		last[r.Replication] = r.Time
		if r.Server < 0 || r.Queue < 0 {
			t.Errorf("resource %s at %g: negative server %d or queue %d", r.Resource, r.Time, r.Server, r.Queue)
		}
		key := series{r.Replication, r.Resource}
		if r.Capacity != trace.Unbounded && r.Server > r.Capacity && r.Server > prevServer[key] {
			t.Errorf("resource %s at %g: granted up to %d servers with capacity %d", r.Resource, r.Time, r.Server, r.Capacity)
		}
		prevServer[key] = r.Server
	}
}

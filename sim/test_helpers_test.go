package sim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/dessim/sim/trace"
)

// newTestSim returns a simulator with a fixed seed.
func newTestSim() *Simulator {
	return NewSimulator(NewSimulationKey(42))
}

func mustResource(t *testing.T, s *Simulator, name string, capacity, queueSize int) *Resource {
	t.Helper()
	r, err := s.AddResource(name, ResourceConfig{Capacity: capacity, QueueSize: queueSize})
	require.NoError(t, err)
	return r
}

// serviceTrajectory seizes "amount" units (1 when unset) of res for
// "service" time units.
func serviceTrajectory(res string) *Trajectory {
	amount := ValueFunc(func(a *Arrival) (float64, error) {
		if v, ok := a.Attribute("amount"); ok {
			return v, nil
		}
		return 1, nil
	})
	return NewTrajectory("service").
		Seize(res, amount).
		Timeout(Attr("service")).
		Release(res, amount).
		MustBuild()
}

// row builds a data source row from alternating key/value pairs.
func row(at float64, kv ...any) Row {
	attrs := make(map[string]float64, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs[kv[i].(string)] = kv[i+1].(float64)
	}
	return Row{Time: at, Attributes: attrs}
}

func mustDataSource(t *testing.T, s *Simulator, name string, traj *Trajectory, cfg SourceConfig, rows ...Row) *Source {
	t.Helper()
	src, err := s.AddDataSource(name, traj, rows, cfg)
	require.NoError(t, err)
	return src
}

// arrivalsByName indexes the arrival table.
func arrivalsByName(m *trace.Monitor) map[string]trace.ArrivalRecord {
	out := make(map[string]trace.ArrivalRecord)
	for _, r := range m.Arrivals() {
		out[r.Name] = r
	}
	return out
}

// lastAttribute returns the last recorded value of key for the named
// arrival ("" for globals).
func lastAttribute(m *trace.Monitor, name, key string) (float64, bool) {
	var v float64
	found := false
	for _, r := range m.Attributes() {
		if r.Name == name && r.Key == key {
			v, found = r.Value, true
		}
	}
	return v, found
}

func posInf() float64 { return math.Inf(1) }

package workload

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim"
	"github.com/inference-sim/dessim/sim/trace"
)

// Build validates the scenario and assembles a fresh simulator seeded with
// seed. Every call returns an independent simulator, so Build can serve as
// the factory of parallel replications.
func (sc *Scenario) Build(seed int64) (*sim.Simulator, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	s := sim.NewSimulator(sim.NewSimulationKey(seed))

	for _, r := range sc.Resources {
		cfg := sim.ResourceConfig{Capacity: 1, QueueSize: sim.Infinity, Preemptive: r.Preemptive}
		if r.Capacity != nil {
			cfg.Capacity = int(*r.Capacity)
		}
		if r.QueueSize != nil {
			cfg.QueueSize = int(*r.QueueSize)
		}
		if _, err := s.AddResource(r.Name, cfg); err != nil {
			return nil, err
		}
	}
	if len(sc.Signals) > 0 {
		if err := s.AddSignals(sc.Signals...); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(sc.Globals))
	for k := range sc.Globals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.SetGlobalAttribute(k, sc.Globals[k])
	}

	tb := &trajectoryBuilder{named: make(map[string]*sim.Trajectory)}
	for _, t := range sc.Trajectories {
		traj, err := tb.build(t.Name, t.Steps)
		if err != nil {
			return nil, err
		}
		tb.named[t.Name] = traj
	}

	for _, src := range sc.Sources {
		if err := sc.addSource(s, tb, src); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
	}

	for _, m := range sc.Managers {
		values := make([]int, len(m.Values))
		for i, v := range m.Values {
			values[i] = int(v)
		}
		sched := sim.Schedule{Times: m.Times, Values: values, Period: m.Period}
		if _, err := s.AddManager(m.Name, m.Resource, sim.ManagerParam(m.Param), sched); err != nil {
			return nil, err
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	logrus.Debugf("scenario built: %d resource(s), %d trajectory(ies), %d source(s), %d manager(s), seed %d",
		len(sc.Resources), len(sc.Trajectories), len(sc.Sources), len(sc.Managers), seed)
	return s, nil
}

func (sc *Scenario) addSource(s *sim.Simulator, tb *trajectoryBuilder, spec SourceSpec) error {
	traj, err := tb.lookup(spec.Trajectory)
	if err != nil {
		return err
	}
	cfg := sim.SourceConfig{
		StartAt:     spec.StartAt,
		Priority:    spec.Priority,
		Preemptible: spec.Preemptible,
		Restart:     spec.Restart,
		Monitor:     trace.Level(spec.Monitor),
	}
	if spec.Arrival != nil {
		dist, err := NewArrivalProcess(*spec.Arrival)
		if err != nil {
			return err
		}
		_, err = s.AddGenerator(spec.Name, traj, dist, cfg)
		return err
	}

	var rows []sim.Row
	if spec.File != "" {
		path := spec.File
		if !filepath.IsAbs(path) && sc.dir != "" {
			path = filepath.Join(sc.dir, path)
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening rows: %w", err)
		}
		defer f.Close()
		if rows, err = LoadRows(f); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	} else {
		rows = make([]sim.Row, len(spec.Rows))
		for i, r := range spec.Rows {
			rows[i] = sim.Row{Time: r.Time, Attributes: r.Attributes}
		}
	}
	_, err = s.AddDataSource(spec.Name, traj, rows, cfg)
	return err
}

package sim

import (
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/dessim/sim/trace"
)

// SourceKind distinguishes generators from data sources.
type SourceKind string

const (
	KindGenerator  SourceKind = "generator"
	KindDataSource SourceKind = "data_source"
)

// SourceConfig holds the per-source options shared by both kinds.
type SourceConfig struct {
	// StartAt is the time of the first arrival of a generator.
	StartAt float64
	// Priority, Preemptible and Restart initialise the arrivals'
	// prioritization. Preemptible is raised to Priority when lower.
	Priority    int
	Preemptible int
	Restart     bool
	// Monitor is the monitoring level of the arrivals.
	Monitor trace.Level
}

// Row is one arrival of a data source: its absolute time and the attributes
// it starts with.
type Row struct {
	Time       float64
	Attributes map[string]float64
}

// Source creates arrivals and starts them on its trajectory.
type Source struct {
	sim  *Simulator
	name string
	kind SourceKind
	cfg  SourceConfig

	traj *Trajectory
	dist Distribution
	rows []Row

	initTraj *Trajectory
	initDist Distribution

	active  bool
	count   int
	nextRow int
	next    *Event
}

// AddGenerator registers a source drawing inter-arrival gaps from dist.
// The first arrival is created at cfg.StartAt.
func (s *Simulator) AddGenerator(name string, traj *Trajectory, dist Distribution, cfg SourceConfig) (*Source, error) {
	if dist == nil {
		return nil, fmt.Errorf("%w: generator %q without distribution", ErrInvalidArgument, name)
	}
	if math.IsNaN(cfg.StartAt) || cfg.StartAt < 0 {
		return nil, fmt.Errorf("%w: generator %q start %g", ErrInvalidArgument, name, cfg.StartAt)
	}
	return s.addSource(&Source{name: name, kind: KindGenerator, traj: traj, dist: dist, cfg: cfg})
}

// AddDataSource registers a source replaying rows. Row times are absolute
// and must not decrease.
func (s *Simulator) AddDataSource(name string, traj *Trajectory, rows []Row, cfg SourceConfig) (*Source, error) {
	for i, row := range rows {
		if math.IsNaN(row.Time) || row.Time < 0 || (i > 0 && row.Time < rows[i-1].Time) {
			return nil, fmt.Errorf("%w: data source %q row %d time %g", ErrInvalidArgument, name, i, row.Time)
		}
	}
	return s.addSource(&Source{name: name, kind: KindDataSource, traj: traj, rows: rows, cfg: cfg})
}

func (s *Simulator) addSource(src *Source) (*Source, error) {
	if src.name == "" {
		return nil, fmt.Errorf("%w: empty source name", ErrInvalidArgument)
	}
	if _, dup := s.sources[src.name]; dup {
		return nil, fmt.Errorf("%w: source %q already exists", ErrInvalidArgument, src.name)
	}
	if src.traj == nil {
		return nil, fmt.Errorf("%w: source %q without trajectory", ErrInvalidTrajectory, src.name)
	}
	if !trace.IsValidLevel(string(src.cfg.Monitor)) {
		return nil, fmt.Errorf("%w: source %q monitor level %q", ErrInvalidArgument, src.name, src.cfg.Monitor)
	}
	src.cfg.Preemptible = max(src.cfg.Preemptible, src.cfg.Priority)
	src.sim = s
	src.initTraj = src.traj
	src.initDist = src.dist
	s.sources[src.name] = src
	s.sourceOrder = append(s.sourceOrder, src)
	src.reset()
	return src, nil
}

// reset restores the initial trajectory and distribution and arms the first
// arrival.
func (src *Source) reset() {
	src.next.Cancel()
	src.next = nil
	src.traj = src.initTraj
	src.dist = src.initDist
	src.count = 0
	src.nextRow = 0
	src.active = true
	src.arm(max(src.sim.clock, src.cfg.StartAt))
}

// arm schedules the next fire at or after t.
func (src *Source) arm(t float64) {
	if src.kind == KindDataSource {
		if src.nextRow >= len(src.rows) {
			return
		}
		t = max(t, src.rows[src.nextRow].Time)
	}
	src.next, _ = src.sim.Schedule(max(t, src.sim.clock), KindSourceFire, src.name, src.fire)
}

func (src *Source) fire() error {
	src.next = nil
	if !src.active {
		return nil
	}
	var attrs map[string]float64
	switch src.kind {
	case KindGenerator:
		gap, err := src.dist.NextGap(src.sim.RNG(SubsystemSource(src.name)))
		if err != nil {
			return fmt.Errorf("source %s: %w", src.name, err)
		}
		if math.IsNaN(gap) {
			return fmt.Errorf("source %s: %w: NaN gap", src.name, ErrInvalidArgument)
		}
		if gap >= 0 && !math.IsInf(gap, 1) {
			src.arm(src.sim.clock + gap)
		} else {
			logrus.Debugf("[t=%g] source %s exhausted", src.sim.clock, src.name)
			src.active = false
		}
	case KindDataSource:
		attrs = src.rows[src.nextRow].Attributes
		src.nextRow++
		src.arm(src.sim.clock)
	}
	a := src.spawn(attrs)
	return a.run()
}

func (src *Source) spawn(attrs map[string]float64) *Arrival {
	a := src.sim.newArrival(fmt.Sprintf("%s%d", src.name, src.count), src.name, src.cfg.Monitor)
	src.count++
	a.priority = src.cfg.Priority
	a.preemptible = src.cfg.Preemptible
	a.restart = src.cfg.Restart
	a.frames = []frame{{traj: src.traj, idx: 0, cont: false}}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		a.setAttribute(k, attrs[k])
	}
	logrus.Debugf("[t=%g] << %s created by %s", src.sim.clock, a.name, src.name)
	return a
}

// Name returns the source name.
func (src *Source) Name() string { return src.name }

// Kind returns whether the source is a generator or a data source.
func (src *Source) Kind() SourceKind { return src.kind }

// Count returns how many arrivals the source has created.
func (src *Source) Count() int { return src.count }

// Active reports whether the source will create further arrivals.
func (src *Source) Active() bool { return src.active }

// Trajectory returns the trajectory new arrivals follow.
func (src *Source) Trajectory() *Trajectory { return src.traj }

// Activate resumes a stopped source: a generator fires at the current
// instant, a data source at its next row.
func (src *Source) Activate() {
	if src.active {
		return
	}
	src.active = true
	src.arm(src.sim.clock)
}

// Deactivate stops the source until Activate. Its pending arrival is
// dropped.
func (src *Source) Deactivate() {
	src.active = false
	src.next.Cancel()
	src.next = nil
}

// SetDistribution replaces the gap distribution of a generator. The next
// already scheduled arrival keeps its time.
func (src *Source) SetDistribution(dist Distribution) error {
	if src.kind != KindGenerator {
		return fmt.Errorf("%w: %s is not a generator", ErrInvalidArgument, src.name)
	}
	if dist == nil {
		return fmt.Errorf("%w: nil distribution", ErrInvalidArgument)
	}
	src.dist = dist
	return nil
}

// SetTrajectory replaces the trajectory of arrivals created from now on.
func (src *Source) SetTrajectory(traj *Trajectory) error {
	if err := src.sim.checkTrajectory(traj); err != nil {
		return fmt.Errorf("source %s: %w", src.name, err)
	}
	src.traj = traj
	return nil
}

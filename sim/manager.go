package sim

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
)

// ManagerParam names the resource parameter a manager drives.
type ManagerParam string

const (
	ParamCapacity  ManagerParam = "capacity"
	ParamQueueSize ManagerParam = "queue_size"
)

func (p ManagerParam) title() string {
	if p == ParamQueueSize {
		return "QueueSize"
	}
	return "Capacity"
}

func (p ManagerParam) apply(r *Resource, v int) error {
	switch p {
	case ParamCapacity:
		return r.SetCapacity(v)
	case ParamQueueSize:
		return r.SetQueueSize(v)
	default:
		return fmt.Errorf("%w: unknown resource parameter %q", ErrInvalidArgument, string(p))
	}
}

// Schedule is a step function of time. Values[i] takes effect at Times[i].
// With a positive Period the schedule repeats: Times are offsets inside the
// period and must stay below it.
type Schedule struct {
	Times  []float64
	Values []int
	Period float64
}

// Validate checks the schedule shape.
func (sc Schedule) Validate() error {
	if len(sc.Times) == 0 || len(sc.Times) != len(sc.Values) {
		return fmt.Errorf("%w: schedule needs as many values as times (%d, %d)", ErrInvalidArgument, len(sc.Times), len(sc.Values))
	}
	for i, t := range sc.Times {
		if math.IsNaN(t) || t < 0 || (i > 0 && t <= sc.Times[i-1]) {
			return fmt.Errorf("%w: schedule times must be non-negative and increasing", ErrInvalidArgument)
		}
	}
	for _, v := range sc.Values {
		if v < 0 {
			return fmt.Errorf("%w: schedule value %d", ErrInvalidArgument, v)
		}
	}
	if sc.Period < 0 || math.IsNaN(sc.Period) {
		return fmt.Errorf("%w: schedule period %g", ErrInvalidArgument, sc.Period)
	}
	if sc.Period > 0 && sc.Times[len(sc.Times)-1] >= sc.Period {
		return fmt.Errorf("%w: schedule time %g not inside period %g", ErrInvalidArgument, sc.Times[len(sc.Times)-1], sc.Period)
	}
	return nil
}

// Manager changes a resource parameter following a schedule.
type Manager struct {
	sim      *Simulator
	name     string
	resource *Resource
	param    ManagerParam
	sched    Schedule

	idx    int
	offset float64
	next   *Event
}

// AddManager registers a manager for an existing resource.
func (s *Simulator) AddManager(name, resource string, param ManagerParam, sched Schedule) (*Manager, error) {
	r, err := s.Resource(resource)
	if err != nil {
		return nil, fmt.Errorf("manager %s: %w", name, err)
	}
	if param != ParamCapacity && param != ParamQueueSize {
		return nil, fmt.Errorf("manager %s: %w: parameter %q", name, ErrInvalidArgument, string(param))
	}
	if err := sched.Validate(); err != nil {
		return nil, fmt.Errorf("manager %s: %w", name, err)
	}
	m := &Manager{sim: s, name: name, resource: r, param: param, sched: sched}
	s.managers = append(s.managers, m)
	m.reset()
	return m, nil
}

// Name returns the manager name.
func (m *Manager) Name() string { return m.name }

func (m *Manager) reset() {
	m.next.Cancel()
	m.next = nil
	m.idx = 0
	m.offset = 0
	m.arm()
}

func (m *Manager) arm() {
	at := max(m.offset+m.sched.Times[m.idx], m.sim.clock)
	m.next, _ = m.sim.Schedule(at, KindManagerAction, m.name, m.fire)
}

func (m *Manager) fire() error {
	m.next = nil
	v := m.sched.Values[m.idx]
	logrus.Debugf("[t=%g] manager %s sets %s %s to %d", m.sim.clock, m.name, m.resource.name, m.param, v)
	if err := m.param.apply(m.resource, v); err != nil {
		return fmt.Errorf("manager %s: %w", m.name, err)
	}
	m.idx++
	if m.idx == len(m.sched.Times) {
		if m.sched.Period <= 0 {
			return nil
		}
		m.idx = 0
		m.offset += m.sched.Period
	}
	m.arm()
	return nil
}

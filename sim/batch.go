package sim

import (
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"
)

// BatchOptions configures a Batch activity.
type BatchOptions struct {
	// Size is the number of arrivals that completes a batch.
	Size int
	// Timeout flushes an incomplete batch this long after its first member
	// joined. Nil waits for Size.
	Timeout Value
	// Rule filters arrivals; those for which it is false skip the batch.
	Rule Condition
	// Name shares one pending batch among every Batch activity using it.
	Name string
	// Permanent units ignore Separate.
	Permanent bool
}

// batchKey identifies a pending batch: by name when shared, otherwise by
// the activity itself.
type batchKey struct {
	name string
	act  *batchActivity
}

// pendingBatch collects members until it is full or its timer fires. It
// lives in the simulator so that trajectories stay immutable.
type pendingBatch struct {
	sim     *Simulator
	key     batchKey
	members []*Arrival
	// resume is the position after the batch activity of the first member
	resume    []frame
	permanent bool
	timer     *Event
}

type batchActivity struct {
	opts BatchOptions
}

func (b *batchActivity) String() string {
	timeout := "none"
	if b.opts.Timeout != nil {
		timeout = fmt.Sprint(b.opts.Timeout)
	}
	return fmt.Sprintf("Batch | n: %d, timeout: %s, permanent: %t, name: %s", b.opts.Size, timeout, b.opts.Permanent, b.opts.Name)
}

func (b *batchActivity) key() batchKey {
	if b.opts.Name != "" {
		return batchKey{name: b.opts.Name}
	}
	return batchKey{act: b}
}

func (b *batchActivity) execute(a *Arrival) (outcome, error) {
	if b.opts.Rule != nil {
		ok, err := b.opts.Rule(a)
		if err != nil {
			return 0, err
		}
		if !ok {
			return proceed, nil
		}
	}
	s := a.sim
	key := b.key()
	pb := s.batches[key]
	if pb == nil {
		pb = &pendingBatch{sim: s, key: key, resume: a.framesAfterCurrent(), permanent: b.opts.Permanent}
		if b.opts.Timeout != nil {
			d, err := evalDuration(a, b.opts.Timeout, "batch timeout")
			if err != nil {
				return 0, err
			}
			pb.timer, err = s.Schedule(s.clock+d, KindArrivalResume, "batch", func() error {
				pb.timer = nil
				if s.batches[key] == pb && len(pb.members) > 0 {
					pb.flush()
				}
				return nil
			})
			if err != nil {
				return 0, err
			}
		}
		s.batches[key] = pb
	}
	// members renege as a unit, not individually
	a.abortRenege()
	pb.members = append(pb.members, a)
	a.batch = pb
	a.state = StateSuspendedBatch
	if len(pb.members) >= b.opts.Size {
		pb.flush()
	}
	return suspended, nil
}

// flush turns the pending members into a batch unit that continues after
// the batch activity.
func (pb *pendingBatch) flush() {
	s := pb.sim
	delete(s.batches, pb.key)
	pb.timer.Cancel()
	pb.timer = nil

	first := pb.members[0]
	unit := s.newArrival(fmt.Sprintf("batch%d", s.batchCount), first.source, first.level)
	s.batchCount++
	unit.isUnit = true
	unit.permanent = pb.permanent
	unit.members = pb.members
	unit.frames = pb.resume
	unit.priority, unit.preemptible, unit.restart = first.priority, first.preemptible, first.restart
	for _, m := range pb.members {
		m.batch = nil
		unit.priority = max(unit.priority, m.priority)
		unit.preemptible = max(unit.preemptible, m.preemptible)
	}
	pb.members = nil
	logrus.Debugf("[t=%g] %s formed with %d member(s)", s.clock, unit.name, len(unit.members))
	unit.wake()
}

// remove takes a member out of a pending batch.
func (pb *pendingBatch) remove(a *Arrival) {
	pb.members = slices.DeleteFunc(pb.members, func(m *Arrival) bool { return m == a })
	a.batch = nil
	if len(pb.members) == 0 && pb.sim.batches[pb.key] == pb {
		delete(pb.sim.batches, pb.key)
		pb.timer.Cancel()
		pb.timer = nil
	}
}

type separateActivity struct{}

func (separateActivity) String() string { return "Separate" }

func (separateActivity) execute(a *Arrival) (outcome, error) {
	if !a.isUnit || a.permanent {
		return proceed, nil
	}
	resume := a.framesAfterCurrent()
	members := a.members
	a.members = nil
	for _, m := range members {
		m.frames = slices.Clone(resume)
		m.activityTime += a.activityTime
		m.wake()
	}
	a.terminate(StateFinished)
	return terminated, nil
}

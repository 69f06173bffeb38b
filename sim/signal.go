package sim

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

type subscriptionKind int

const (
	// subWait resumes a waiting arrival
	subWait subscriptionKind = iota
	// subRenege makes the arrival abandon
	subRenege
)

type subscription struct {
	arrival *Arrival
	kind    subscriptionKind
	seq     uint64
}

type signalState struct {
	subs []*subscription
}

// AddSignals declares signal names. Trajectories may only wait on, renege
// on or send declared signals. Declaring a name twice is harmless.
func (s *Simulator) AddSignals(names ...string) error {
	for _, name := range names {
		if name == "" || strings.Contains(name, ",") {
			return fmt.Errorf("%w: bad signal name %q", ErrInvalidArgument, name)
		}
	}
	for _, name := range names {
		if _, ok := s.signals[name]; !ok {
			s.signals[name] = &signalState{}
		}
	}
	return nil
}

// Signals returns the declared signal names, sorted.
func (s *Simulator) Signals() []string {
	out := make([]string, 0, len(s.signals))
	for name := range s.signals {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Send broadcasts the named signals after delay. Subscribers are handled in
// the order they subscribed: waiting arrivals are resumed at the firing
// instant and reneging subscribers abandon immediately.
func (s *Simulator) Send(delay float64, names ...string) error {
	if len(names) == 0 {
		return fmt.Errorf("%w: no signal to send", ErrInvalidArgument)
	}
	for _, name := range names {
		if _, ok := s.signals[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSignal, name)
		}
	}
	if delay < 0 {
		return fmt.Errorf("%w: signal delay %g", ErrInvalidTime, delay)
	}
	names = slices.Clone(names)
	_, err := s.Schedule(s.clock+delay, KindSignalFire, strings.Join(names, ","), func() error {
		s.broadcast(names)
		return nil
	})
	return err
}

func (s *Simulator) broadcast(names []string) {
	var subs []*subscription
	for _, name := range names {
		subs = append(subs, s.signals[name].subs...)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })
	logrus.Debugf("[t=%g] signal %s reaches %d subscriber(s)", s.clock, strings.Join(names, ","), len(subs))
	for _, sub := range subs {
		a := sub.arrival
		if a.state.Terminal() {
			continue
		}
		// an arrival listed under several of the names is handled once
		switch sub.kind {
		case subWait:
			if len(a.waits) == 0 {
				continue
			}
			a.clearWaits()
			a.wake()
		case subRenege:
			if a.renegeSignal == "" {
				continue
			}
			logrus.Debugf("[t=%g] %s reneges on signal", s.clock, a.name)
			a.terminate(StateReneged)
		}
	}
}

func (s *Simulator) subscribe(a *Arrival, name string, kind subscriptionKind) error {
	st, ok := s.signals[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSignal, name)
	}
	s.subSeq++
	st.subs = append(st.subs, &subscription{arrival: a, kind: kind, seq: s.subSeq})
	return nil
}

func (s *Simulator) unsubscribe(a *Arrival, name string, kind subscriptionKind) {
	st, ok := s.signals[name]
	if !ok {
		return
	}
	st.subs = slices.DeleteFunc(st.subs, func(sub *subscription) bool {
		return sub.arrival == a && sub.kind == kind
	})
}

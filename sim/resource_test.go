package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/dessim/sim/internal/testutil"
)

func TestAddResource_Validation(t *testing.T) {
	s := newTestSim()
	_, err := s.AddResource("", ResourceConfig{Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AddResource("r", ResourceConfig{Capacity: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AddResource("r", ResourceConfig{Capacity: 1})
	require.NoError(t, err)
	_, err = s.AddResource("r", ResourceConfig{Capacity: 1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.Resource("missing")
	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestSeize_FullQueue_RejectsArrival(t *testing.T) {
	// GIVEN one server and no queue
	s := newTestSim()
	r := mustResource(t, s, "r", 1, 0)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "service", 5.0), row(1, "service", 5.0))

	// WHEN the second arrival comes while the first is served
	require.NoError(t, s.Run(10))

	// THEN it is rejected on the spot and the first finishes normally
	byName := arrivalsByName(s.Monitor())
	require.Len(t, byName, 2)
	assert.True(t, byName["d0"].Finished)
	assert.Equal(t, 5.0, byName["d0"].EndTime)
	assert.False(t, byName["d1"].Finished)
	assert.Equal(t, 1.0, byName["d1"].StartTime)
	assert.Equal(t, 1.0, byName["d1"].EndTime)
	assert.Zero(t, byName["d1"].ActivityTime)
	assert.Equal(t, 0, r.Server())
	assert.Equal(t, 0, r.QueueCount())
}

func TestSeize_SameInstant_SecondIsRejected(t *testing.T) {
	// GIVEN one server, no queue, and two seizes at the same instant 0
	s := newTestSim()
	r := mustResource(t, s, "r", 1, 0)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "service", 5.0), row(0, "service", 5.0))

	// WHEN running
	require.NoError(t, s.Run(10))

	// THEN the first scheduled wins the server and the second is rejected at 0
	byName := arrivalsByName(s.Monitor())
	require.Len(t, byName, 2)
	assert.True(t, byName["d0"].Finished)
	assert.Equal(t, 5.0, byName["d0"].EndTime)
	assert.False(t, byName["d1"].Finished)
	assert.Equal(t, 0.0, byName["d1"].StartTime)
	assert.Equal(t, 0.0, byName["d1"].EndTime)
	assert.Equal(t, 0, r.Server())
}

func TestSeizeOrElse_FullQueue_RunsRejectPath(t *testing.T) {
	// GIVEN a seize with a reject handler that sets an attribute
	s := newTestSim()
	mustResource(t, s, "r", 1, 0)
	rejected := NewTrajectory("rejected").SetAttribute("bounced", Const(1)).MustBuild()
	traj := NewTrajectory("t").
		SeizeOrElse("r", Const(1), rejected).
		Timeout(Const(5)).
		ReleaseAll("r").
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(1))

	require.NoError(t, s.Run(10))

	// THEN the refused arrival ran the handler, then continued after the seize
	byName := arrivalsByName(s.Monitor())
	assert.True(t, byName["d1"].Finished)
	assert.Equal(t, 6.0, byName["d1"].EndTime)
	v, ok := lastAttribute(s.Monitor(), "d1", "bounced")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)
	_, ok = lastAttribute(s.Monitor(), "d0", "bounced")
	assert.False(t, ok)
}

func TestQueue_HigherPriorityServedFirst(t *testing.T) {
	// GIVEN a busy server, then a low-priority and a high-priority waiter
	s := newTestSim()
	mustResource(t, s, "r", 1, Infinity)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "first", traj, SourceConfig{}, row(0, "service", 10.0))
	mustDataSource(t, s, "low", traj, SourceConfig{Priority: 0}, row(1, "service", 1.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(2, "service", 1.0))

	// WHEN the server frees up
	require.NoError(t, s.Run(20))

	// THEN the high-priority arrival is served before the earlier low one
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 11.0, byName["high0"].EndTime)
	assert.Equal(t, 12.0, byName["low0"].EndTime)
}

func TestRelease_HeadOfLineBlocking(t *testing.T) {
	// GIVEN two servers where the queue head needs both units
	s := newTestSim()
	mustResource(t, s, "r", 2, Infinity)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "amount", 1.0, "service", 10.0), // d0 holds one unit until 10
		row(1, "amount", 2.0, "service", 1.0),  // d1 needs both units
		row(2, "amount", 1.0, "service", 18.0), // d2 fits immediately, holds until 20
		row(3, "amount", 1.0, "service", 1.0),  // d3 queues behind d1
	)

	// WHEN running until everything drains
	require.NoError(t, s.Run(100))

	// THEN d3 is not served at 10 although one unit is free, because d1 at
	// the head does not fit
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 10.0, byName["d0"].EndTime)
	assert.Equal(t, 20.0, byName["d2"].EndTime)
	assert.Equal(t, 21.0, byName["d1"].EndTime)
	assert.Equal(t, 22.0, byName["d3"].EndTime)
	testutil.AssertMonitorInvariants(t, s.Monitor())
}

func TestSeize_LowPriority_DoesNotOvertakeHigherPriorityHead(t *testing.T) {
	// GIVEN two servers, one held until 10, and a high-priority waiter
	// needing both units
	s := newTestSim()
	mustResource(t, s, "r", 2, Infinity)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "hold", traj, SourceConfig{}, row(0, "amount", 1.0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(1, "amount", 2.0, "service", 1.0))
	mustDataSource(t, s, "low", traj, SourceConfig{}, row(2, "amount", 1.0, "service", 1.0))

	// WHEN a low-priority request that would fit the free unit comes at 2
	require.NoError(t, s.Run(100))

	// THEN it queues behind the high-priority head instead of taking the unit
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 10.0, byName["hold0"].EndTime)
	assert.Equal(t, 11.0, byName["high0"].EndTime)
	assert.Equal(t, 12.0, byName["low0"].EndTime)
	testutil.AssertMonitorInvariants(t, s.Monitor())
}

func TestSeize_PreemptedHolder_RegainsBeforeNewcomer(t *testing.T) {
	// GIVEN two preemptive units held by "low"; at 2 "high" evicts it to
	// take one unit, leaving one unit free while the victim waits for two
	s := newTestSim()
	_, err := s.AddResource("r", ResourceConfig{Capacity: 2, QueueSize: Infinity, Preemptive: true})
	require.NoError(t, err)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "low", traj, SourceConfig{}, row(0, "amount", 2.0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(2, "amount", 1.0, "service", 3.0))

	// WHEN a newcomer of the victim's priority asks for the free unit at 3
	mustDataSource(t, s, "late", traj, SourceConfig{}, row(3, "amount", 1.0, "service", 1.0))
	require.NoError(t, s.Run(100))

	// THEN it waits behind the victim, which resumes its remaining 8 units at 5
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 5.0, byName["high0"].EndTime)
	assert.Equal(t, 13.0, byName["low0"].EndTime)
	assert.Equal(t, 14.0, byName["late0"].EndTime)
	testutil.AssertMonitorInvariants(t, s.Monitor())
}

func TestSeizeRelease_RandomLoad_NeverExceedsCapacity(t *testing.T) {
	// GIVEN a preemptive resource under random mixed-amount, mixed-priority
	// load with a capacity manager shrinking and restoring it
	for seed := int64(1); seed <= 200; seed++ {
		s := NewSimulator(NewSimulationKey(seed))
		_, err := s.AddResource("r", ResourceConfig{Capacity: 3, QueueSize: 4, Preemptive: true})
		require.NoError(t, err)
		amount := ValueFunc(func(a *Arrival) (float64, error) {
			return float64(1 + a.Simulator().RNG(SubsystemActivity).Intn(2)), nil
		})
		service := ValueFunc(func(a *Arrival) (float64, error) {
			return a.Simulator().RNG(SubsystemActivity).ExpFloat64() * 2, nil
		})
		traj := NewTrajectory("job").Seize("r", amount).Timeout(service).ReleaseAll("r").MustBuild()
		gap := DistributionFunc(func(rng *rand.Rand) (float64, error) { return rng.ExpFloat64(), nil })
		_, err = s.AddGenerator("low", traj, gap, SourceConfig{})
		require.NoError(t, err)
		_, err = s.AddGenerator("high", traj, gap, SourceConfig{Priority: 1})
		require.NoError(t, err)
		_, err = s.AddManager("shift", "r", ParamCapacity,
			Schedule{Times: []float64{0, 7}, Values: []int{3, 2}, Period: 15})
		require.NoError(t, err)

		// WHEN running for a while
		require.NoError(t, s.Run(60))

		// THEN no grant ever pushes the server count above capacity
		testutil.AssertMonitorInvariants(t, s.Monitor())
		if t.Failed() {
			t.Fatalf("seed %d violates the resource invariants", seed)
		}
	}
}

func TestRelease_MoreThanHeld_ReturnsError(t *testing.T) {
	s := newTestSim()
	mustResource(t, s, "r", 2, Infinity)
	traj := NewTrajectory("t").Seize("r", Const(1)).Release("r", Const(2)).MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0))

	err := s.Run(10)

	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestTerminate_WhileHolding_ReleasesUnits(t *testing.T) {
	// GIVEN a trajectory that never releases the resource
	s := newTestSim()
	r := mustResource(t, s, "r", 1, Infinity)
	traj := NewTrajectory("t").Seize("r", Const(1)).Timeout(Const(2)).MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(0))

	// WHEN both arrivals run through it
	require.NoError(t, s.Run(10))

	// THEN each arrival's units are returned when it finishes and the next
	// one gets served
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 2.0, byName["d0"].EndTime)
	assert.Equal(t, 4.0, byName["d1"].EndTime)
	assert.Equal(t, 0, r.Server())
	assert.Len(t, s.Monitor().ArrivalResources(), 2)
}

func TestManager_CapacityIncrease_ServesQueue(t *testing.T) {
	// GIVEN one server, three arrivals at t=0 and a capacity raise at t=5
	s := newTestSim()
	r := mustResource(t, s, "r", 1, Infinity)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "service", 10.0), row(0, "service", 10.0), row(0, "service", 10.0))
	_, err := s.AddManager("scale", "r", ParamCapacity, Schedule{Times: []float64{5}, Values: []int{3}})
	require.NoError(t, err)

	// WHEN running
	require.NoError(t, s.Run(100))

	// THEN the waiting arrivals start at 5
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 10.0, byName["d0"].EndTime)
	assert.Equal(t, 15.0, byName["d1"].EndTime)
	assert.Equal(t, 15.0, byName["d2"].EndTime)
	assert.Equal(t, 3, r.Capacity())
}

func TestManager_CapacityDecrease_KeepsCurrentHolders(t *testing.T) {
	// GIVEN two holders on two servers and a capacity cut to 1 at t=5
	s := newTestSim()
	r := mustResource(t, s, "r", 2, Infinity)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "service", 10.0), row(0, "service", 10.0), row(6, "service", 10.0))
	_, err := s.AddManager("cut", "r", ParamCapacity, Schedule{Times: []float64{5}, Values: []int{1}})
	require.NoError(t, err)

	require.NoError(t, s.Run(100))

	// THEN nobody is evicted and the late arrival waits for both to leave
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 10.0, byName["d0"].EndTime)
	assert.Equal(t, 10.0, byName["d1"].EndTime)
	assert.Equal(t, 20.0, byName["d2"].EndTime)
	over := false
	for _, rec := range s.Monitor().Resources() {
		if rec.Time == 5 && rec.Server == 2 && rec.Capacity == 1 {
			over = true
		}
	}
	assert.True(t, over, "server above capacity is visible after the cut")
	assert.Equal(t, 1, r.Capacity())
}

func TestManager_QueueSizeDecrease_RejectsFromTail(t *testing.T) {
	// GIVEN one busy server and three waiters, then the queue cut to 1
	s := newTestSim()
	r := mustResource(t, s, "r", 1, Infinity)
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{},
		row(0, "service", 10.0), row(0, "service", 10.0), row(0, "service", 10.0), row(0, "service", 10.0))
	_, err := s.AddManager("cut", "r", ParamQueueSize, Schedule{Times: []float64{5}, Values: []int{1}})
	require.NoError(t, err)

	require.NoError(t, s.Run(100))

	// THEN the last two waiters are rejected at 5, last one first
	rows := s.Monitor().Arrivals()
	require.Len(t, rows, 4)
	assert.Equal(t, "d3", rows[0].Name)
	assert.Equal(t, "d2", rows[1].Name)
	for _, rec := range rows[:2] {
		assert.False(t, rec.Finished)
		assert.Equal(t, 5.0, rec.EndTime)
	}
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 20.0, byName["d1"].EndTime)
	assert.Equal(t, 1, r.QueueSize())
}

func TestManager_PeriodicSchedule_Repeats(t *testing.T) {
	s := newTestSim()
	r := mustResource(t, s, "r", 0, Infinity)
	_, err := s.AddManager("shift", "r", ParamCapacity,
		Schedule{Times: []float64{0, 5}, Values: []int{1, 0}, Period: 10})
	require.NoError(t, err)

	require.NoError(t, s.Run(12))
	assert.Equal(t, 1, r.Capacity())

	require.NoError(t, s.Run(16))
	assert.Equal(t, 0, r.Capacity())
}

func TestAddManager_Validation(t *testing.T) {
	s := newTestSim()
	mustResource(t, s, "r", 1, Infinity)

	_, err := s.AddManager("m", "missing", ParamCapacity, Schedule{Times: []float64{0}, Values: []int{1}})
	assert.ErrorIs(t, err, ErrUnknownResource)

	tests := []struct {
		name  string
		sched Schedule
	}{
		{"empty", Schedule{}},
		{"length mismatch", Schedule{Times: []float64{0, 1}, Values: []int{1}}},
		{"decreasing", Schedule{Times: []float64{2, 1}, Values: []int{1, 2}}},
		{"negative value", Schedule{Times: []float64{0}, Values: []int{-1}}},
		{"outside period", Schedule{Times: []float64{0, 10}, Values: []int{1, 2}, Period: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.AddManager("m", "r", ParamCapacity, tc.sched)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestSetCapacityActivity_Infinity(t *testing.T) {
	// GIVEN an arrival that lifts the capacity of a saturated resource
	s := newTestSim()
	r := mustResource(t, s, "r", 0, Infinity)
	opener := NewTrajectory("opener").Timeout(Const(3)).SetCapacity("r", Const(posInf())).MustBuild()
	mustDataSource(t, s, "o", opener, SourceConfig{}, row(0))
	mustDataSource(t, s, "d", serviceTrajectory("r"), SourceConfig{}, row(0, "service", 1.0))

	require.NoError(t, s.Run(10))

	assert.Equal(t, Infinity, r.Capacity())
	assert.Equal(t, 4.0, arrivalsByName(s.Monitor())["d0"].EndTime)
}

func TestPreemption_ResumesRemainingTime(t *testing.T) {
	// GIVEN a preemptive server held by a low-priority arrival for 10 units
	s := newTestSim()
	_, err := s.AddResource("r", ResourceConfig{Capacity: 1, QueueSize: Infinity, Preemptive: true})
	require.NoError(t, err)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "low", traj, SourceConfig{Priority: 0}, row(0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(2, "service", 3.0))

	// WHEN a high-priority arrival comes at t=2
	require.NoError(t, s.Run(100))

	// THEN it takes the server at once and the victim finishes its
	// remaining 8 units afterwards
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 5.0, byName["high0"].EndTime)
	assert.Equal(t, 13.0, byName["low0"].EndTime)
	assert.InDelta(t, 10.0, byName["low0"].ActivityTime, 1e-9)
	for _, r := range s.Monitor().ArrivalResources() {
		if r.Name == "low0" {
			assert.Equal(t, 0.0, r.StartTime)
			assert.Equal(t, 13.0, r.EndTime)
		}
	}
	testutil.AssertMonitorInvariants(t, s.Monitor())
}

func TestPreemption_Restart_RepeatsTimeout(t *testing.T) {
	s := newTestSim()
	_, err := s.AddResource("r", ResourceConfig{Capacity: 1, QueueSize: Infinity, Preemptive: true})
	require.NoError(t, err)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "low", traj, SourceConfig{Priority: 0, Restart: true}, row(0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(2, "service", 3.0))

	require.NoError(t, s.Run(100))

	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 15.0, byName["low0"].EndTime)
	assert.InDelta(t, 12.0, byName["low0"].ActivityTime, 1e-9)
}

func TestPreemption_PreemptibleThreshold_Protects(t *testing.T) {
	// GIVEN a holder that only arrivals above priority 5 may preempt
	s := newTestSim()
	_, err := s.AddResource("r", ResourceConfig{Capacity: 1, QueueSize: Infinity, Preemptive: true})
	require.NoError(t, err)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "low", traj, SourceConfig{Priority: 0, Preemptible: 5}, row(0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 1}, row(2, "service", 3.0))

	require.NoError(t, s.Run(100))

	// THEN the priority-1 arrival waits
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 10.0, byName["low0"].EndTime)
	assert.Equal(t, 13.0, byName["high0"].EndTime)
}

func TestPreemption_NonPreemptiveResource_Queues(t *testing.T) {
	s := newTestSim()
	mustResource(t, s, "r", 1, Infinity)
	traj := serviceTrajectory("r")
	mustDataSource(t, s, "low", traj, SourceConfig{Priority: 0}, row(0, "service", 10.0))
	mustDataSource(t, s, "high", traj, SourceConfig{Priority: 9}, row(2, "service", 3.0))

	require.NoError(t, s.Run(100))

	assert.Equal(t, 13.0, arrivalsByName(s.Monitor())["high0"].EndTime)
}

func TestResource_String(t *testing.T) {
	s := newTestSim()
	r := mustResource(t, s, "desk", 2, Infinity)
	assert.Equal(t, "desk{server=0/2 queue=0/Inf}", r.String())
}

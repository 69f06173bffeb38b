package sim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch_FullBatch_MovesAsUnitThenSeparates(t *testing.T) {
	// GIVEN batches of 3 that spend 5 units together and 1 unit apart
	s := newTestSim()
	var unit string
	var members []string
	traj := NewTrajectory("t").
		Batch(BatchOptions{Size: 3}).
		LogFunc(func(a *Arrival) (string, error) {
			unit = a.Name()
			for _, m := range a.Members() {
				members = append(members, m.Name())
			}
			return "batched", nil
		}).
		Timeout(Const(5)).
		Separate().
		Timeout(Const(1)).
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(1), row(2))

	// WHEN running
	require.NoError(t, s.Run(100))

	// THEN the unit carries the members in joining order
	assert.Equal(t, "batch0", unit)
	assert.Equal(t, []string{"d0", "d1", "d2"}, members)

	// THEN the unit forms when the third member joins and members finish
	// individually with the unit's activity time included
	rows := s.Monitor().Arrivals()
	require.Len(t, rows, 3, "the unit itself is not recorded")
	for _, r := range rows {
		assert.Equal(t, 8.0, r.EndTime, r.Name)
		assert.Equal(t, 6.0, r.ActivityTime, r.Name)
		assert.True(t, r.Finished)
	}
	assert.Equal(t, 0, s.InFlight())
}

func TestBatch_Timeout_FlushesIncompleteBatch(t *testing.T) {
	s := newTestSim()
	traj := NewTrajectory("t").
		Batch(BatchOptions{Size: 3, Timeout: Const(4)}).
		Timeout(Const(5)).
		Separate().
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(1))

	require.NoError(t, s.Run(100))

	// THEN the two members leave together at 4 + 5
	byName := arrivalsByName(s.Monitor())
	require.Len(t, byName, 2)
	assert.Equal(t, 9.0, byName["d0"].EndTime)
	assert.Equal(t, 9.0, byName["d1"].EndTime)
}

func TestBatch_Permanent_IgnoresSeparate(t *testing.T) {
	// GIVEN a permanent batch of two
	s := newTestSim()
	traj := NewTrajectory("t").
		Batch(BatchOptions{Size: 2, Permanent: true}).
		Timeout(Const(1)).
		Separate().
		Timeout(Const(1)).
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(0))

	require.NoError(t, s.Run(100))

	// THEN the members end with the unit
	byName := arrivalsByName(s.Monitor())
	require.Len(t, byName, 2)
	for _, name := range []string{"d0", "d1"} {
		assert.Equal(t, 2.0, byName[name].EndTime, name)
		assert.Equal(t, 2.0, byName[name].ActivityTime, name)
		assert.True(t, byName[name].Finished, name)
	}
}

func TestBatch_Rule_FalseSkipsBatch(t *testing.T) {
	s := newTestSim()
	onlyTagged := func(a *Arrival) (bool, error) {
		_, ok := a.Attribute("tag")
		return ok, nil
	}
	traj := NewTrajectory("t").
		Batch(BatchOptions{Size: 2, Rule: onlyTagged}).
		Timeout(Const(1)).
		Separate().
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(0, "tag", 1.0), row(3, "tag", 1.0))

	require.NoError(t, s.Run(100))

	// THEN the untagged arrival goes through alone and the tagged ones wait for each other
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 1.0, byName["d0"].EndTime)
	assert.Equal(t, 4.0, byName["d1"].EndTime)
	assert.Equal(t, 4.0, byName["d2"].EndTime)
}

func TestBatch_SharedName_JoinsAcrossTrajectories(t *testing.T) {
	// GIVEN two trajectories batching under the same name
	s := newTestSim()
	left := NewTrajectory("left").Batch(BatchOptions{Size: 2, Name: "pair"}).Timeout(Const(1)).Separate().MustBuild()
	right := NewTrajectory("right").Timeout(Const(2)).Batch(BatchOptions{Size: 2, Name: "pair"}).Timeout(Const(1)).Separate().MustBuild()
	mustDataSource(t, s, "l", left, SourceConfig{}, row(0))
	mustDataSource(t, s, "r", right, SourceConfig{}, row(0))

	require.NoError(t, s.Run(100))

	// THEN they pair up when the second one arrives at 2
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 3.0, byName["l0"].EndTime)
	assert.Equal(t, 3.0, byName["r0"].EndTime)
}

func TestBatch_UnitSeizesWithHighestPriority(t *testing.T) {
	// GIVEN a busy server, a plain waiter, and a batch containing a priority-2 member
	s := newTestSim()
	mustResource(t, s, "r", 1, Infinity)
	service := serviceTrajectory("r")
	batched := NewTrajectory("batched").
		Batch(BatchOptions{Size: 2}).
		Seize("r", Const(1)).
		Timeout(Const(1)).
		Release("r", Const(1)).
		Separate().
		MustBuild()
	mustDataSource(t, s, "first", service, SourceConfig{}, row(0, "service", 5.0))
	mustDataSource(t, s, "plain", service, SourceConfig{}, row(1, "service", 1.0))
	mustDataSource(t, s, "lo", batched, SourceConfig{Priority: 0}, row(2))
	mustDataSource(t, s, "hi", batched, SourceConfig{Priority: 2}, row(2))

	require.NoError(t, s.Run(100))

	// THEN the unit jumps ahead of the plain waiter
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 6.0, byName["lo0"].EndTime)
	assert.Equal(t, 6.0, byName["hi0"].EndTime)
	assert.Equal(t, 7.0, byName["plain0"].EndTime)
	var unitRow bool
	for _, r := range s.Monitor().ArrivalResources() {
		if r.Name == "batch0" {
			unitRow = true
		}
	}
	assert.True(t, unitRow, "resource usage of the unit is recorded under its name")
}

func TestBatch_UnitRejected_MembersRejected(t *testing.T) {
	s := newTestSim()
	mustResource(t, s, "r", 0, 0)
	traj := NewTrajectory("t").
		Batch(BatchOptions{Size: 2}).
		Seize("r", Const(1)).
		MustBuild()
	mustDataSource(t, s, "d", traj, SourceConfig{}, row(0), row(1))

	require.NoError(t, s.Run(100))

	rows := s.Monitor().Arrivals()
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.False(t, r.Finished)
		assert.Equal(t, 1.0, r.EndTime)
	}
}

func TestBatch_InvalidSize_FailsBuild(t *testing.T) {
	_, err := NewTrajectory("t").Batch(BatchOptions{Size: 0}).Build()
	assert.ErrorIs(t, err, ErrInvalidTrajectory)
}

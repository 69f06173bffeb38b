package sim

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_NamesAndStartAt(t *testing.T) {
	// GIVEN a generator starting at 5 with a fixed gap of 1
	s := newTestSim()
	traj := NewTrajectory("t").Timeout(Const(1)).MustBuild()
	src, err := s.AddGenerator("g", traj, Every(1), SourceConfig{StartAt: 5})
	require.NoError(t, err)

	// WHEN running to 7.5
	require.NoError(t, s.Run(7.5))

	// THEN arrivals are created at 5, 6 and 7 and named after the source
	assert.Equal(t, 3, src.Count())
	assert.True(t, src.Active())
	assert.Equal(t, KindGenerator, src.Kind())
	byName := arrivalsByName(s.Monitor())
	require.Contains(t, byName, "g0")
	assert.Equal(t, 5.0, byName["g0"].StartTime)
	assert.Equal(t, 6.0, byName["g0"].EndTime)
	assert.Equal(t, 6.0, byName["g1"].StartTime)
}

func TestGenerator_NegativeGap_StopsSource(t *testing.T) {
	// GIVEN a distribution that gives up on its third draw
	s := newTestSim()
	draws := 0
	dist := DistributionFunc(func(*rand.Rand) (float64, error) {
		draws++
		if draws >= 3 {
			return -1, nil
		}
		return 1, nil
	})
	src, err := s.AddGenerator("g", NewTrajectory("t").Timeout(Const(1)).MustBuild(), dist, SourceConfig{})
	require.NoError(t, err)

	// WHEN running far past the last arrival
	require.NoError(t, s.Run(100))

	// THEN the arrival that drew the stop gap is still created
	assert.Equal(t, 3, src.Count())
	assert.False(t, src.Active())
	assert.Len(t, s.Monitor().Arrivals(), 3)
	assert.Empty(t, s.Peek(-1))
}

func TestGenerator_InfiniteGap_StopsSource(t *testing.T) {
	s := newTestSim()
	src, err := s.AddGenerator("g", NewTrajectory("t").Timeout(Const(1)).MustBuild(), Every(posInf()), SourceConfig{})
	require.NoError(t, err)

	require.NoError(t, s.Run(100))

	assert.Equal(t, 1, src.Count())
	assert.False(t, src.Active())
}

func TestGenerator_Validation(t *testing.T) {
	s := newTestSim()
	traj := NewTrajectory("t").Timeout(Const(1)).MustBuild()

	_, err := s.AddGenerator("g", traj, nil, SourceConfig{})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AddGenerator("g", traj, Every(1), SourceConfig{StartAt: -1})
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = s.AddGenerator("g", nil, Every(1), SourceConfig{})
	assert.ErrorIs(t, err, ErrInvalidTrajectory)
	_, err = s.AddGenerator("", traj, Every(1), SourceConfig{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = s.AddGenerator("g", traj, Every(1), SourceConfig{})
	require.NoError(t, err)
	_, err = s.AddGenerator("g", traj, Every(1), SourceConfig{})
	assert.ErrorIs(t, err, ErrInvalidArgument, "duplicate name")
}

func TestDataSource_RowsMustNotGoBackInTime(t *testing.T) {
	s := newTestSim()
	traj := NewTrajectory("t").Timeout(Const(1)).MustBuild()

	_, err := s.AddDataSource("d", traj, []Row{row(2), row(1)}, SourceConfig{})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	src := mustDataSource(t, s, "d", traj, SourceConfig{}, row(1), row(1), row(2))
	assert.Equal(t, KindDataSource, src.Kind())
	assert.ErrorIs(t, src.SetDistribution(Every(1)), ErrInvalidArgument)
}

func TestDataSource_AttributesRecordedInKeyOrder(t *testing.T) {
	// GIVEN a row with two attributes
	s := newTestSim()
	mustDataSource(t, s, "d", NewTrajectory("t").Timeout(Const(1)).MustBuild(), SourceConfig{},
		row(3, "b", 2.0, "a", 1.0))

	// WHEN running
	require.NoError(t, s.Run(10))

	// THEN both are set at the arrival time, sorted by key
	attrs := s.Monitor().Attributes()
	require.Len(t, attrs, 2)
	assert.Equal(t, "a", attrs[0].Key)
	assert.Equal(t, 1.0, attrs[0].Value)
	assert.Equal(t, "b", attrs[1].Key)
	assert.Equal(t, 3.0, attrs[1].Time)
}

func TestSourceActivities_DeactivateThenActivate(t *testing.T) {
	// GIVEN a generator with gap 1 and a controller that stops it at 2.5 for 5 units
	s := newTestSim()
	gen, err := s.AddGenerator("g", NewTrajectory("t").Timeout(Const(1)).MustBuild(), Every(1), SourceConfig{})
	require.NoError(t, err)
	controller := NewTrajectory("controller").
		Deactivate("g").
		Timeout(Const(5)).
		Activate("g").
		MustBuild()
	mustDataSource(t, s, "c", controller, SourceConfig{}, row(2.5))

	// WHEN running to 10
	require.NoError(t, s.Run(10))

	// THEN arrivals come at 0, 1, 2, then again at 7.5, 8.5, 9.5
	assert.Equal(t, 6, gen.Count())
	assert.True(t, gen.Active())
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 7.5, byName["g3"].StartTime)
	assert.Equal(t, 9.5, byName["g5"].StartTime)
}

func TestSourceActivities_SetSourceAndSetTrajectory(t *testing.T) {
	// GIVEN a generator tagging path 1, and a controller at 2.5 that slows it
	// down and switches it to a trajectory tagging path 2
	s := newTestSim()
	first := NewTrajectory("first").SetAttribute("path", Const(1)).MustBuild()
	second := NewTrajectory("second").SetAttribute("path", Const(2)).MustBuild()
	gen, err := s.AddGenerator("g", first, Every(1), SourceConfig{})
	require.NoError(t, err)
	controller := NewTrajectory("controller").
		SetSource("g", Every(3)).
		SetTrajectory("g", second).
		MustBuild()
	mustDataSource(t, s, "c", controller, SourceConfig{}, row(2.5))

	// WHEN running to 10
	require.NoError(t, s.Run(10))

	// THEN the arrival already scheduled at 3 keeps its time, later gaps are 3
	assert.Equal(t, 6, gen.Count())
	assert.Same(t, second, gen.Trajectory())
	byName := arrivalsByName(s.Monitor())
	assert.Equal(t, 6.0, byName["g4"].StartTime)
	assert.Equal(t, 9.0, byName["g5"].StartTime)
	v, _ := lastAttribute(s.Monitor(), "g2", "path")
	assert.Equal(t, 1.0, v)
	v, _ = lastAttribute(s.Monitor(), "g3", "path")
	assert.Equal(t, 2.0, v)
}

func TestSourceActivities_UnknownSource_FailsValidation(t *testing.T) {
	s := newTestSim()
	mustDataSource(t, s, "c", NewTrajectory("c").Activate("nope").MustBuild(), SourceConfig{}, row(0))

	assert.ErrorIs(t, s.Run(10), ErrUnknownSource)
	_, err := s.Source("nope")
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestSource_SetTrajectory_ValidatesReferences(t *testing.T) {
	s := newTestSim()
	src := mustDataSource(t, s, "d", NewTrajectory("t").Timeout(Const(1)).MustBuild(), SourceConfig{}, row(0))

	err := src.SetTrajectory(NewTrajectory("bad").Seize("missing", Const(1)).MustBuild())

	assert.ErrorIs(t, err, ErrUnknownResource)
}

func TestSource_Priority_RaisesPreemptible(t *testing.T) {
	// GIVEN a source whose preemptible threshold is below its priority
	s := newTestSim()
	var seen int
	inspect := NewTrajectory("inspect").SetAttribute("p", ValueFunc(func(a *Arrival) (float64, error) {
		seen = a.preemptible
		return float64(a.Priority()), nil
	})).MustBuild()
	mustDataSource(t, s, "d", inspect, SourceConfig{Priority: 3, Preemptible: 1}, row(0))

	require.NoError(t, s.Run(1))

	// THEN the arrival starts with preemptible equal to its priority
	assert.Equal(t, 3, seen)
	v, _ := lastAttribute(s.Monitor(), "d0", "p")
	assert.Equal(t, 3.0, v)
}

func TestSource_Reset_RestoresInitialConfiguration(t *testing.T) {
	s := newTestSim()
	first := NewTrajectory("first").Timeout(Const(1)).MustBuild()
	gen, err := s.AddGenerator("g", first, Every(1), SourceConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Run(3))
	require.NoError(t, gen.SetTrajectory(NewTrajectory("second").Timeout(Const(2)).MustBuild()))
	gen.Deactivate()

	s.Reset()

	assert.Equal(t, 0, gen.Count())
	assert.True(t, gen.Active())
	assert.Same(t, first, gen.Trajectory())
}

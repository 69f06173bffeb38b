package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize_NilMonitor_ZeroValues(t *testing.T) {
	// GIVEN no monitor
	// WHEN summarized
	summary := Summarize(nil, 10)

	// THEN all counts are zero
	assert.Equal(t, 0, summary.Arrivals)
	assert.Equal(t, 0, summary.Finished)
	assert.Empty(t, summary.Resources)
}

func TestSummarize_PopulatedMonitor_CorrectCounts(t *testing.T) {
	// GIVEN two finished arrivals and one rejected arrival
	m := NewMonitor(0)
	m.RecordArrival(ArrivalRecord{Name: "a", StartTime: 0, EndTime: 4, ActivityTime: 3, Finished: true})
	m.RecordArrival(ArrivalRecord{Name: "b", StartTime: 1, EndTime: 7, ActivityTime: 3, Finished: true})
	m.RecordArrival(ArrivalRecord{Name: "c", StartTime: 2, EndTime: 2, Finished: false})

	// WHEN summarized
	summary := Summarize(m, 10)

	// THEN counts and flow-time means match
	assert.Equal(t, 3, summary.Arrivals)
	assert.Equal(t, 2, summary.Finished)
	assert.Equal(t, 1, summary.Unfinished)
	assert.InDelta(t, 5.0, summary.MeanFlowTime, 1e-9)
	assert.InDelta(t, 3.0, summary.MeanActivityTime, 1e-9)
	assert.InDelta(t, 2.0, summary.MeanWaitingTime, 1e-9)
	assert.InDelta(t, 4.0, summary.P50FlowTime, 1e-9)
	assert.InDelta(t, 6.0, summary.P99FlowTime, 1e-9)
}

func TestSummarize_ResourceMeans_AreTimeWeighted(t *testing.T) {
	// GIVEN a resource busy from 0 to 2 and idle from 2 to 8
	m := NewMonitor(0)
	m.RecordResource(ResourceRecord{Resource: "r", Time: 0, Server: 1, Queue: 2, Capacity: 2, QueueSize: Unbounded})
	m.RecordResource(ResourceRecord{Resource: "r", Time: 2, Server: 0, Queue: 0, Capacity: 2, QueueSize: Unbounded})

	// WHEN summarized with the horizon at 8
	summary := Summarize(m, 8)

	// THEN means are weighted by holding time
	require.Len(t, summary.Resources, 1)
	rs := summary.Resources[0]
	assert.Equal(t, "r", rs.Resource)
	assert.InDelta(t, 0.25, rs.MeanServer, 1e-9)
	assert.InDelta(t, 0.5, rs.MeanQueue, 1e-9)
	assert.InDelta(t, 0.125, rs.Utilization, 1e-9)
	assert.Equal(t, 2, rs.MaxQueue)
	assert.Equal(t, 1, rs.MaxServer)
}

func TestSummarize_ResourceMeans_AveragedAcrossReplications(t *testing.T) {
	// GIVEN two replications of the same resource, one always busy, one always idle
	a := NewMonitor(0)
	a.RecordResource(ResourceRecord{Resource: "r", Time: 0, Server: 1, Capacity: 1})
	b := NewMonitor(1)
	b.RecordResource(ResourceRecord{Resource: "r", Time: 0, Server: 0, Capacity: 1})

	// WHEN the merged monitor is summarized
	summary := Summarize(Merge(a, b), 10)

	// THEN the mean server is the average of the replications
	require.Len(t, summary.Resources, 1)
	assert.InDelta(t, 0.5, summary.Resources[0].MeanServer, 1e-9)
}

func TestSummarize_SnapshotsAtHorizon_UseFinalState(t *testing.T) {
	m := NewMonitor(0)
	m.RecordResource(ResourceRecord{Resource: "r", Time: 5, Server: 1, Capacity: Unbounded})

	summary := Summarize(m, 5)

	require.Len(t, summary.Resources, 1)
	assert.Equal(t, 1.0, summary.Resources[0].MeanServer)
	assert.Equal(t, 0.0, summary.Resources[0].Utilization)
}

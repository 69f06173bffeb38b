// Package trace provides the monitor of a simulation run: append-only tables
// of arrival, resource and attribute records, plus CSV export and summaries.
// This package does not import sim/; it holds plain data types.
package trace

import "math"

// Unbounded marks an infinite resource capacity or queue size.
const Unbounded = math.MaxInt

// ArrivalRecord captures one arrival that left the system, either by
// reaching the end of its trajectory (Finished) or by being rejected or
// reneging (not Finished).
type ArrivalRecord struct {
	Replication  int
	Name         string
	StartTime    float64
	EndTime      float64
	ActivityTime float64 // time spent in timeouts
	Finished     bool
}

// FlowTime is the time the arrival spent in the system.
func (r ArrivalRecord) FlowTime() float64 { return r.EndTime - r.StartTime }

// WaitingTime is flow time not spent in timeouts.
func (r ArrivalRecord) WaitingTime() float64 { return r.FlowTime() - r.ActivityTime }

// ArrivalResourceRecord captures the span an arrival spent on one resource,
// from the seize request until the last unit was released.
type ArrivalResourceRecord struct {
	Replication  int
	Name         string
	Resource     string
	StartTime    float64
	EndTime      float64
	ActivityTime float64
}

// ResourceRecord is a snapshot of a resource after a state change.
type ResourceRecord struct {
	Replication int
	Resource    string
	Time        float64
	Server      int
	Queue       int
	Capacity    int // Unbounded when infinite
	QueueSize   int // Unbounded when infinite
}

// AttributeRecord captures one attribute write. Global attributes have an
// empty Name.
type AttributeRecord struct {
	Replication int
	Time        float64
	Name        string
	Key         string
	Value       float64
}

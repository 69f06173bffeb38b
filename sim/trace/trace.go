package trace

import "slices"

// Level controls which records a source's arrivals contribute to the monitor.
type Level string

const (
	// LevelNone records nothing for the arrivals.
	LevelNone Level = "none"
	// LevelArrivals records arrival and per-resource rows.
	LevelArrivals Level = "arrivals"
	// LevelAll also records attribute writes.
	LevelAll Level = "all"
)

// validLevels maps accepted level strings.
var validLevels = map[Level]bool{
	LevelNone:     true,
	LevelArrivals: true,
	LevelAll:      true,
	"":            true, // empty defaults to all
}

// IsValidLevel returns true if the given string is a recognized monitor level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// RecordsArrivals reports whether arrival rows are kept at this level.
func (l Level) RecordsArrivals() bool { return l != LevelNone }

// RecordsAttributes reports whether attribute rows are kept at this level.
func (l Level) RecordsAttributes() bool { return l == LevelAll || l == "" }

// Monitor collects the records of one simulation run. Tables are append-only
// and, because the kernel writes them as events execute, ordered by time.
//
// Thread-safety: NOT thread-safe. Each replication owns its monitor.
type Monitor struct {
	replication      int
	arrivals         []ArrivalRecord
	arrivalResources []ArrivalResourceRecord
	resources        []ResourceRecord
	attributes       []AttributeRecord
}

// NewMonitor creates an empty monitor tagged with a replication index.
func NewMonitor(replication int) *Monitor {
	return &Monitor{replication: replication}
}

// Replication returns the replication index stamped on every record.
func (m *Monitor) Replication() int { return m.replication }

// SetReplication changes the replication index and restamps the records
// written so far.
func (m *Monitor) SetReplication(i int) {
	m.replication = i
	for k := range m.arrivals {
		m.arrivals[k].Replication = i
	}
	for k := range m.arrivalResources {
		m.arrivalResources[k].Replication = i
	}
	for k := range m.resources {
		m.resources[k].Replication = i
	}
	for k := range m.attributes {
		m.attributes[k].Replication = i
	}
}

// RecordArrival appends an arrival row.
func (m *Monitor) RecordArrival(r ArrivalRecord) {
	r.Replication = m.replication
	m.arrivals = append(m.arrivals, r)
}

// RecordArrivalResource appends a per-resource arrival row.
func (m *Monitor) RecordArrivalResource(r ArrivalResourceRecord) {
	r.Replication = m.replication
	m.arrivalResources = append(m.arrivalResources, r)
}

// RecordResource appends a resource snapshot.
func (m *Monitor) RecordResource(r ResourceRecord) {
	r.Replication = m.replication
	m.resources = append(m.resources, r)
}

// RecordAttribute appends an attribute write.
func (m *Monitor) RecordAttribute(r AttributeRecord) {
	r.Replication = m.replication
	m.attributes = append(m.attributes, r)
}

// Arrivals returns a copy of the arrivals table.
func (m *Monitor) Arrivals() []ArrivalRecord { return slices.Clone(m.arrivals) }

// ArrivalResources returns a copy of the per-resource arrivals table.
func (m *Monitor) ArrivalResources() []ArrivalResourceRecord {
	return slices.Clone(m.arrivalResources)
}

// Resources returns a copy of the resources table.
func (m *Monitor) Resources() []ResourceRecord { return slices.Clone(m.resources) }

// Attributes returns a copy of the attributes table.
func (m *Monitor) Attributes() []AttributeRecord { return slices.Clone(m.attributes) }

// Reset drops every record, keeping the replication index.
func (m *Monitor) Reset() {
	m.arrivals = nil
	m.arrivalResources = nil
	m.resources = nil
	m.attributes = nil
}

// Merge concatenates the tables of several monitors, in argument order.
// Records keep their own replication index.
func Merge(monitors ...*Monitor) *Monitor {
	out := &Monitor{}
	for _, m := range monitors {
		if m == nil {
			continue
		}
		out.arrivals = append(out.arrivals, m.arrivals...)
		out.arrivalResources = append(out.arrivalResources, m.arrivalResources...)
		out.resources = append(out.resources, m.resources...)
		out.attributes = append(out.attributes, m.attributes...)
	}
	return out
}

package trace

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// CSV column headers for the monitor tables.
var (
	arrivalColumns         = []string{"replication", "name", "start_time", "end_time", "activity_time", "finished"}
	arrivalResourceColumns = []string{"replication", "name", "resource", "start_time", "end_time", "activity_time"}
	resourceColumns        = []string{"replication", "resource", "time", "server", "queue", "capacity", "queue_size"}
	attributeColumns       = []string{"replication", "time", "name", "key", "value"}
)

// Floats use the shortest exact representation so that identical runs
// export byte-identical files.
func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

func formatLimit(v int) string {
	if v == Unbounded {
		return "Inf"
	}
	return strconv.Itoa(v)
}

// WriteArrivalsCSV writes the arrivals table.
func (m *Monitor) WriteArrivalsCSV(w io.Writer) error {
	rows := make([][]string, 0, len(m.arrivals))
	for _, r := range m.arrivals {
		rows = append(rows, []string{
			strconv.Itoa(r.Replication), r.Name, formatFloat(r.StartTime), formatFloat(r.EndTime),
			formatFloat(r.ActivityTime), strconv.FormatBool(r.Finished),
		})
	}
	return writeCSV(w, arrivalColumns, rows)
}

// WriteArrivalResourcesCSV writes the per-resource arrivals table.
func (m *Monitor) WriteArrivalResourcesCSV(w io.Writer) error {
	rows := make([][]string, 0, len(m.arrivalResources))
	for _, r := range m.arrivalResources {
		rows = append(rows, []string{
			strconv.Itoa(r.Replication), r.Name, r.Resource, formatFloat(r.StartTime),
			formatFloat(r.EndTime), formatFloat(r.ActivityTime),
		})
	}
	return writeCSV(w, arrivalResourceColumns, rows)
}

// WriteResourcesCSV writes the resources table.
func (m *Monitor) WriteResourcesCSV(w io.Writer) error {
	rows := make([][]string, 0, len(m.resources))
	for _, r := range m.resources {
		rows = append(rows, []string{
			strconv.Itoa(r.Replication), r.Resource, formatFloat(r.Time), strconv.Itoa(r.Server),
			strconv.Itoa(r.Queue), formatLimit(r.Capacity), formatLimit(r.QueueSize),
		})
	}
	return writeCSV(w, resourceColumns, rows)
}

// WriteAttributesCSV writes the attributes table.
func (m *Monitor) WriteAttributesCSV(w io.Writer) error {
	rows := make([][]string, 0, len(m.attributes))
	for _, r := range m.attributes {
		rows = append(rows, []string{
			strconv.Itoa(r.Replication), formatFloat(r.Time), r.Name, r.Key, formatFloat(r.Value),
		})
	}
	return writeCSV(w, attributeColumns, rows)
}

// ExportCSV writes the four monitor tables into dir as arrivals.csv,
// arrival_resources.csv, resources.csv and attributes.csv.
func (m *Monitor) ExportCSV(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}
	files := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"arrivals.csv", m.WriteArrivalsCSV},
		{"arrival_resources.csv", m.WriteArrivalResourcesCSV},
		{"resources.csv", m.WriteResourcesCSV},
		{"attributes.csv", m.WriteAttributesCSV},
	}
	for _, f := range files {
		if err := writeFile(filepath.Join(dir, f.name), f.write); err != nil {
			return err
		}
	}
	return nil
}

func writeFile(path string, write func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := write(file); err != nil {
		_ = file.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return file.Close()
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	return cw.Error()
}

package workload

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/inference-sim/dessim/sim"
)

// TimeColumn is the CSV column holding the absolute arrival time.
const TimeColumn = "time"

// LoadRows reads data source rows from CSV. The header must contain a
// "time" column; every other column becomes an attribute. Empty cells
// leave the attribute unset for that row.
func LoadRows(r io.Reader) ([]sim.Row, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("rows: empty file")
		}
		return nil, fmt.Errorf("rows: reading header: %w", err)
	}
	timeIdx := -1
	for i, col := range header {
		if col == TimeColumn {
			timeIdx = i
		}
	}
	if timeIdx < 0 {
		return nil, fmt.Errorf("rows: missing %q column in header %v", TimeColumn, header)
	}

	var rows []sim.Row
	for line := 2; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("rows: line %d: %w", line, err)
		}
		t, err := strconv.ParseFloat(rec[timeIdx], 64)
		if err != nil {
			return nil, fmt.Errorf("rows: line %d: time %q: %w", line, rec[timeIdx], err)
		}
		row := sim.Row{Time: t, Attributes: make(map[string]float64, len(rec)-1)}
		for i, cell := range rec {
			if i == timeIdx || cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("rows: line %d: column %s: %w", line, header[i], err)
			}
			row.Attributes[header[i]] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

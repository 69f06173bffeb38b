// Package workload turns YAML scenarios into simulators: duration
// distributions, arrival processes, trajectory steps and CSV data sources.
package workload

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/inference-sim/dessim/sim"
	"github.com/inference-sim/dessim/sim/trace"
)

// Scenario is a complete simulation model: resources, signals, global
// attributes, trajectories, sources and managers.
// Loaded from YAML via LoadScenario(path).
type Scenario struct {
	Version string  `yaml:"version"`
	Seed    int64   `yaml:"seed"`
	Until   float64 `yaml:"until,omitempty"` // 0 = run until the event queue drains

	Resources    []ResourceSpec     `yaml:"resources,omitempty"`
	Signals      []string           `yaml:"signals,omitempty"`
	Globals      map[string]float64 `yaml:"globals,omitempty"`
	Trajectories []TrajectorySpec   `yaml:"trajectories"`
	Sources      []SourceSpec       `yaml:"sources"`
	Managers     []ManagerSpec      `yaml:"managers,omitempty"`

	// dir resolves relative data source files.
	dir string
}

// ResourceSpec declares a resource. Capacity defaults to 1 and QueueSize
// to unbounded.
type ResourceSpec struct {
	Name       string `yaml:"name"`
	Capacity   *Limit `yaml:"capacity,omitempty"`
	QueueSize  *Limit `yaml:"queue_size,omitempty"`
	Preemptive bool   `yaml:"preemptive,omitempty"`
}

// TrajectorySpec is a named list of steps. Later trajectories may refer to
// earlier ones by name (join, set_trajectory).
type TrajectorySpec struct {
	Name  string     `yaml:"name"`
	Steps []StepSpec `yaml:"steps"`
}

// SourceSpec declares a generator (Arrival set) or a data source (Rows or
// File set).
type SourceSpec struct {
	Name        string       `yaml:"name"`
	Trajectory  string       `yaml:"trajectory"`
	Arrival     *ArrivalSpec `yaml:"arrival,omitempty"`
	StartAt     float64      `yaml:"start_at,omitempty"`
	Rows        []RowSpec    `yaml:"rows,omitempty"`
	File        string       `yaml:"file,omitempty"`
	Priority    int          `yaml:"priority,omitempty"`
	Preemptible int          `yaml:"preemptible,omitempty"`
	Restart     bool         `yaml:"restart,omitempty"`
	Monitor     string       `yaml:"monitor,omitempty"`
}

// RowSpec is one inline data source row.
type RowSpec struct {
	Time       float64            `yaml:"time"`
	Attributes map[string]float64 `yaml:"attributes,omitempty"`
}

// ManagerSpec drives a resource parameter with a step schedule.
type ManagerSpec struct {
	Name     string    `yaml:"name"`
	Resource string    `yaml:"resource"`
	Param    string    `yaml:"param"`
	Times    []float64 `yaml:"times"`
	Values   []Limit   `yaml:"values"`
	Period   float64   `yaml:"period,omitempty"`
}

// Limit is a capacity or queue size: a non-negative integer or "inf".
type Limit int

// UnmarshalYAML accepts integers and the spellings inf, .inf and unbounded.
func (l *Limit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		switch strings.ToLower(node.Value) {
		case "inf", ".inf", "+inf", "+.inf", "unbounded":
			*l = Limit(sim.Infinity)
			return nil
		}
	}
	var n int
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("line %d: limit must be an integer or inf", node.Line)
	}
	if n < 0 {
		return fmt.Errorf("line %d: limit must be non-negative, got %d", node.Line, n)
	}
	*l = Limit(n)
	return nil
}

// ValueSpec is a numeric step parameter: a plain number, an attribute
// reference ({attribute: key}) or a distribution ({type: ..., params: ...}).
type ValueSpec struct {
	Const     *float64
	Attribute string
	Dist      *DistSpec
}

// UnmarshalYAML decodes the three accepted shapes. Unknown mapping keys are
// rejected like everywhere else in a scenario.
func (v *ValueSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var f float64
		if err := node.Decode(&f); err != nil {
			return fmt.Errorf("line %d: value %q is not a number", node.Line, node.Value)
		}
		v.Const = &f
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: value must be a number or a mapping", node.Line)
	}
	for i := 0; i < len(node.Content); i += 2 {
		switch key := node.Content[i].Value; key {
		case "attribute", "type", "params":
		default:
			return fmt.Errorf("line %d: field %s not found in value", node.Content[i].Line, key)
		}
	}
	var raw struct {
		Attribute string             `yaml:"attribute"`
		Type      string             `yaml:"type"`
		Params    map[string]float64 `yaml:"params"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch {
	case raw.Attribute != "" && raw.Type == "" && raw.Params == nil:
		v.Attribute = raw.Attribute
	case raw.Attribute == "" && raw.Type != "":
		v.Dist = &DistSpec{Type: raw.Type, Params: raw.Params}
	default:
		return fmt.Errorf("line %d: value needs either attribute or type", node.Line)
	}
	return nil
}

// Valid value registries.
var (
	validVersions = map[string]bool{"": true, "1": true}
	validParams   = map[string]bool{string(sim.ParamCapacity): true, string(sim.ParamQueueSize): true}
	validMods     = map[string]bool{"": true, "set": true, "add": true, "mul": true}
)

// LoadScenario reads and parses a YAML scenario file.
// Uses strict parsing: unrecognized keys (typos) are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	sc.dir = filepath.Dir(path)
	return sc, nil
}

// ParseScenario parses a scenario from YAML bytes. Relative data source
// files resolve against the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parsing scenario: %w", err)
	}
	return &sc, nil
}

// Horizon returns the run horizon: Until, or +Inf when unset.
func (sc *Scenario) Horizon() float64 {
	if sc.Until <= 0 {
		return math.Inf(1)
	}
	return sc.Until
}

// Validate checks the fields that do not need a simulator. Name resolution
// (resources, signals, sources referenced by steps) happens in Build.
func (sc *Scenario) Validate() error {
	if !validVersions[sc.Version] {
		return fmt.Errorf("unknown scenario version %q; valid: 1", sc.Version)
	}
	if math.IsNaN(sc.Until) || sc.Until < 0 {
		return fmt.Errorf("until must be non-negative, got %f", sc.Until)
	}
	if len(sc.Sources) == 0 {
		return fmt.Errorf("at least one source required")
	}
	seen := make(map[string]bool)
	for i, t := range sc.Trajectories {
		prefix := fmt.Sprintf("trajectories[%d]", i)
		if t.Name == "" {
			return fmt.Errorf("%s: name required", prefix)
		}
		if seen[t.Name] {
			return fmt.Errorf("%s: duplicate trajectory %q", prefix, t.Name)
		}
		seen[t.Name] = true
		if err := validateSteps(prefix, t.Steps); err != nil {
			return err
		}
	}
	for i := range sc.Sources {
		if err := validateSource(&sc.Sources[i], i, seen); err != nil {
			return err
		}
	}
	for i, m := range sc.Managers {
		if !validParams[m.Param] {
			return fmt.Errorf("managers[%d]: unknown param %q; valid: capacity, queue_size", i, m.Param)
		}
	}
	return nil
}

func validateSource(s *SourceSpec, idx int, trajectories map[string]bool) error {
	prefix := fmt.Sprintf("sources[%d]", idx)
	if s.Name == "" {
		return fmt.Errorf("%s: name required", prefix)
	}
	if !trajectories[s.Trajectory] {
		return fmt.Errorf("%s: unknown trajectory %q", prefix, s.Trajectory)
	}
	if !trace.IsValidLevel(s.Monitor) {
		return fmt.Errorf("%s: unknown monitor level %q; valid: all, arrivals, none", prefix, s.Monitor)
	}
	kinds := 0
	if s.Arrival != nil {
		kinds++
	}
	if s.Rows != nil {
		kinds++
	}
	if s.File != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%s: exactly one of arrival, rows or file required", prefix)
	}
	if s.Arrival == nil && s.StartAt != 0 {
		return fmt.Errorf("%s: start_at applies to generators only", prefix)
	}
	return nil
}

func validateSteps(prefix string, steps []StepSpec) error {
	for i := range steps {
		p := fmt.Sprintf("%s.steps[%d]", prefix, i)
		name, err := steps[i].kind()
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		if err := steps[i].validate(p + "." + name); err != nil {
			return err
		}
	}
	return nil
}

func validateDistSpec(prefix string, d *DistSpec) error {
	for name, val := range d.Params {
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return fmt.Errorf("%s.params.%s must be a finite number, got %f", prefix, name, val)
		}
	}
	return nil
}

func validateFinitePositive(name string, val float64) error {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return fmt.Errorf("%s must be a finite number, got %f", name, val)
	}
	if val <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, val)
	}
	return nil
}

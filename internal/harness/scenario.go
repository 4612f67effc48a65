package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ioccore/internal/record"
)

// Scenario is one harness run.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	Description string `yaml:"description,omitempty"`

	// Database is an inline CUE record database.
	Database string `yaml:"database,omitempty"`

	// DatabaseDir is a directory of CUE files, relative to the scenario
	// file. Exactly one of Database and DatabaseDir is set.
	DatabaseDir string `yaml:"database_dir,omitempty"`

	// Channels are the external channels, keyed by name.
	Channels map[string]ChannelSpec `yaml:"channels,omitempty"`

	// CheckInterval overrides the link tracker period ("250ms", "1s").
	CheckInterval string `yaml:"check_interval,omitempty"`

	// RunID is stamped on the event log. Defaults to testutil.DefaultRunID.
	RunID string `yaml:"run_id,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ChannelSpec is the initial state of an external channel.
type ChannelSpec struct {
	Value     float64 `yaml:"value"`
	Connected bool    `yaml:"connected"`
}

// Step is one action. Exactly one field is set.
type Step struct {
	Put        *PutStep    `yaml:"put,omitempty"`
	Process    string      `yaml:"process,omitempty"`
	Scan       string      `yaml:"scan,omitempty"`
	Advance    string      `yaml:"advance,omitempty"`
	Connect    string      `yaml:"connect,omitempty"`
	Disconnect string      `yaml:"disconnect,omitempty"`
	Set        *SetStep    `yaml:"set,omitempty"`
	Expect     *ExpectStep `yaml:"expect,omitempty"`
	Sample     *SampleStep `yaml:"sample,omitempty"`
}

// PutStep writes a record field.
type PutStep struct {
	Record string `yaml:"record"`
	Field  string `yaml:"field"`
	Value  any    `yaml:"value"`
}

// SetStep publishes a new value on an external channel.
type SetStep struct {
	Channel string  `yaml:"channel"`
	Value   float64 `yaml:"value"`
}

// ExpectStep checks a field value at that point of the run.
type ExpectStep struct {
	Record string `yaml:"record"`
	Field  string `yaml:"field"`
	Value  any    `yaml:"value"`
}

// SampleStep captures field values into the result snapshot.
type SampleStep struct {
	Record string   `yaml:"record"`
	Fields []string `yaml:"fields"`
}

// Assertion checks the finished run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Record string `yaml:"record,omitempty"`
	Field  string `yaml:"field,omitempty"`

	// Value, if set, must match the posted value (trace_contains).
	Value any `yaml:"value,omitempty"`

	// Count is the number of posts expected (trace_count).
	Count int `yaml:"count,omitempty"`

	// Fields are "record.FIELD" names in expected post order
	// (trace_order).
	Fields []string `yaml:"fields,omitempty"`

	// Channel and Values check the puts on an external channel
	// (channel_puts).
	Channel string    `yaml:"channel,omitempty"`
	Values  []float64 `yaml:"values,omitempty"`

	// Expect maps field names to final values (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertChannelPuts   = "channel_puts"
	AssertFinalState    = "final_state"
)

// LoadScenario reads a scenario file. Unknown keys are rejected and a
// relative database_dir is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.DatabaseDir != "" && !filepath.IsAbs(s.DatabaseDir) {
		s.DatabaseDir = filepath.Join(filepath.Dir(path), s.DatabaseDir)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if (s.Database == "") == (s.DatabaseDir == "") {
		return errors.New("exactly one of database and database_dir is required")
	}
	if s.CheckInterval != "" {
		d, err := time.ParseDuration(s.CheckInterval)
		if err != nil || d <= 0 {
			return fmt.Errorf("check_interval %q is not a positive duration", s.CheckInterval)
		}
	}
	if len(s.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i]); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, st *Step) error {
	n := 0
	for _, set := range []bool{
		st.Put != nil, st.Process != "", st.Scan != "", st.Advance != "",
		st.Connect != "", st.Disconnect != "", st.Set != nil, st.Expect != nil, st.Sample != nil,
	} {
		if set {
			n++
		}
	}
	if n != 1 {
		return fmt.Errorf("steps[%d]: exactly one action is required, got %d", i, n)
	}
	switch {
	case st.Put != nil:
		if st.Put.Record == "" || st.Put.Field == "" {
			return fmt.Errorf("steps[%d]: put needs record and field", i)
		}
	case st.Scan != "":
		if _, ok := record.ParsePeriod(st.Scan); !ok {
			return fmt.Errorf("steps[%d]: scan %q is not a periodic scan", i, st.Scan)
		}
	case st.Advance != "":
		d, err := time.ParseDuration(st.Advance)
		if err != nil || d < 0 {
			return fmt.Errorf("steps[%d]: advance %q is not a duration", i, st.Advance)
		}
	case st.Set != nil:
		if st.Set.Channel == "" {
			return fmt.Errorf("steps[%d]: set needs a channel", i)
		}
	case st.Expect != nil:
		if st.Expect.Record == "" || st.Expect.Field == "" {
			return fmt.Errorf("steps[%d]: expect needs record and field", i)
		}
	case st.Sample != nil:
		if st.Sample.Record == "" || len(st.Sample.Fields) == 0 {
			return fmt.Errorf("steps[%d]: sample needs record and fields", i)
		}
	}
	return nil
}

func validateAssertion(i int, a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Record == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: record and field are required for trace_contains", i)
		}
	case AssertTraceOrder:
		if len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: fields list is required for trace_order", i)
		}
	case AssertTraceCount:
		if a.Record == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: record and field are required for trace_count", i)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", i)
		}
	case AssertChannelPuts:
		if a.Channel == "" {
			return fmt.Errorf("assertions[%d]: channel is required for channel_puts", i)
		}
	case AssertFinalState:
		if a.Record == "" {
			return fmt.Errorf("assertions[%d]: record is required for final_state", i)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", i)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}

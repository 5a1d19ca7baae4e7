package harness

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/codec"
	"github.com/roach88/fieldsync/internal/field"
)

// Scenario defines a scripted sync scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// StartMS is the manual clock's start in Unix milliseconds.
	// Zero starts at 2024-01-01T00:00:00Z.
	StartMS int64 `yaml:"start_ms,omitempty"`

	// Config overrides the service's limits.
	Config *ServiceConfig `yaml:"config,omitempty"`

	// Flow contains submissions and clock advances, executed in order.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final canonical state.
	Assertions []Assertion `yaml:"assertions"`
}

// ServiceConfig overrides sync service limits. Zero fields keep the
// service default.
type ServiceConfig struct {
	RateLimit        int   `yaml:"rate_limit,omitempty"`
	RateWindowMS     int64 `yaml:"rate_window_ms,omitempty"`
	ConflictWindowMS int64 `yaml:"conflict_window_ms,omitempty"`
}

// FlowStep is either a submission (Device set) or a clock advance
// (AdvanceMS set).
type FlowStep struct {
	// Device is the submitting device.
	Device string `yaml:"device,omitempty"`

	// Clock is the delta's vector clock.
	Clock map[string]int64 `yaml:"clock,omitempty"`

	// Changes are the delta's cell changes.
	Changes []ChangeStep `yaml:"changes,omitempty"`

	// Packed submits the changes as codec records.
	Packed bool `yaml:"packed,omitempty"`

	// Payload is a raw hex codec payload submitted instead of Changes.
	// Implies Packed.
	Payload string `yaml:"payload,omitempty"`

	// Repeat submits the same delta this many times. Zero means once.
	Repeat int `yaml:"repeat,omitempty"`

	// AdvanceMS moves the manual clock forward.
	AdvanceMS int64 `yaml:"advance_ms,omitempty"`

	// Expect is checked against every repetition. Nil skips checking.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ChangeStep is one cell change in a flow step.
type ChangeStep struct {
	X     int     `yaml:"x"`
	Y     int     `yaml:"y"`
	Value float64 `yaml:"value"`
	TS    int64   `yaml:"ts"`
}

// ExpectClause specifies the expected submission result. Unset fields
// are not checked.
type ExpectClause struct {
	Success      *bool            `yaml:"success,omitempty"`
	Error        string           `yaml:"error,omitempty"`
	Applied      *int             `yaml:"applied,omitempty"`
	Conflicts    *int             `yaml:"conflicts,omitempty"`
	RetryAfterMS int64            `yaml:"retry_after_ms,omitempty"`
	GlobalClock  map[string]int64 `yaml:"global_clock,omitempty"`
}

// Assertion validates the final canonical state.
type Assertion struct {
	// Type is one of cell, global_clock, conflict_count, total_writes.
	Type string `yaml:"type"`

	// Cell is the "x,y" coordinate (cell).
	Cell string `yaml:"cell,omitempty"`

	// Value is the expected cell value (cell).
	Value *float64 `yaml:"value,omitempty"`

	// LastWriter is the expected last writer (cell).
	LastWriter string `yaml:"last_writer,omitempty"`

	// Absent asserts the cell was never written (cell).
	Absent bool `yaml:"absent,omitempty"`

	// Clock is the expected canonical clock (global_clock).
	Clock map[string]int64 `yaml:"clock,omitempty"`

	// Count is the expected number (conflict_count, total_writes).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertCell          = "cell"
	AssertGlobalClock   = "global_clock"
	AssertConflictCount = "conflict_count"
	AssertTotalWrites   = "total_writes"
)

func (s FlowStep) packed() bool {
	return s.Packed || s.Payload != ""
}

func (s FlowStep) changes() []field.Change {
	out := make([]field.Change, len(s.Changes))
	for i, c := range s.Changes {
		out[i] = field.Change{X: c.X, Y: c.Y, Value: c.Value, Timestamp: c.TS}
	}
	return out
}

// payload returns the step's codec payload.
func (s FlowStep) payload() ([]byte, error) {
	if s.Payload != "" {
		return hex.DecodeString(s.Payload)
	}
	return codec.EncodeChanges(s.changes())
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	if c := s.Config; c != nil {
		if c.RateLimit < 0 || c.RateWindowMS < 0 || c.ConflictWindowMS < 0 {
			return fmt.Errorf("config values must be non-negative")
		}
	}

	for i, step := range s.Flow {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateStep validates a single flow step.
func validateStep(index int, s *FlowStep) error {
	switch {
	case s.Device == "" && s.AdvanceMS == 0:
		return fmt.Errorf("flow[%d]: device or advance_ms is required", index)
	case s.Device != "" && s.AdvanceMS != 0:
		return fmt.Errorf("flow[%d]: device and advance_ms are mutually exclusive", index)
	case s.AdvanceMS < 0:
		return fmt.Errorf("flow[%d]: advance_ms must be positive", index)
	case s.Device == "":
		return nil
	}

	if s.Repeat < 0 {
		return fmt.Errorf("flow[%d]: repeat must be non-negative", index)
	}
	if s.Payload != "" {
		if len(s.Changes) > 0 {
			return fmt.Errorf("flow[%d]: payload and changes are mutually exclusive", index)
		}
		if _, err := hex.DecodeString(s.Payload); err != nil {
			return fmt.Errorf("flow[%d]: payload is not hex: %w", index, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCell:
		if a.Cell == "" {
			return fmt.Errorf("assertions[%d]: cell is required for cell", index)
		}
		if _, err := field.ParseCoord(a.Cell); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
		if !a.Absent && a.Value == nil && a.LastWriter == "" {
			return fmt.Errorf("assertions[%d]: value, last_writer or absent is required for cell", index)
		}
	case AssertGlobalClock:
		if a.Clock == nil {
			return fmt.Errorf("assertions[%d]: clock is required for global_clock", index)
		}
	case AssertConflictCount, AssertTotalWrites:
		if a.Count == nil {
			return fmt.Errorf("assertions[%d]: count is required for %s", index, a.Type)
		}
		if *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

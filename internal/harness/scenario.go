package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a scripted sync session between one device and the remote
// store. Steps play remote writes by other devices, local mutations and
// sync rounds; assertions check the converged state afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schemas lists extra CUE schema files registered next to the built-in
	// kinds. Paths are relative to the scenario file.
	Schemas []string `yaml:"schemas,omitempty"`

	// Kinds limits the kinds the client syncs. Empty means all registered kinds.
	Kinds []string `yaml:"kinds,omitempty"`

	// Now fixes the remote clock (RFC 3339). Timestamp versions count up
	// from it one microsecond per commit. Defaults to DefaultNow.
	Now string `yaml:"now,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// DefaultNow is the remote clock of scenarios that do not set one.
const DefaultNow = "2025-01-01T00:00:00Z"

// Step is one action of a scenario.
type Step struct {
	// Do names the action; see the Step* constants.
	Do string `yaml:"do"`

	// Kind is the entity kind the step acts on.
	Kind string `yaml:"kind,omitempty"`

	// Key identifies a record (remote_delete).
	Key string `yaml:"key,omitempty"`

	// Mutation is insert, update or delete (mutate).
	Mutation string `yaml:"mutation,omitempty"`

	// Payload holds wire values of the mutated fields (mutate).
	Payload map[string]any `yaml:"payload,omitempty"`

	// Rows are wire records written by another device (remote_put).
	Rows []map[string]any `yaml:"rows,omitempty"`

	// Errors are injected into the next remote calls: "transient" or
	// "permanent" (fail_next).
	Errors []string `yaml:"errors,omitempty"`

	// Expect optionally checks the step outcome.
	Expect *StepExpect `yaml:"expect,omitempty"`
}

// StepExpect checks the outcome of one step.
type StepExpect struct {
	// Error is a substring of the expected error. Empty expects success.
	Error string `yaml:"error,omitempty"`

	// Counts are exact values of the step's outcome counters, e.g.
	// accepted, conflicted, invalid, delivered, failed, resolved.
	Counts map[string]int `yaml:"counts,omitempty"`
}

// Step actions.
const (
	StepRemotePut    = "remote_put"
	StepRemoteDelete = "remote_delete"
	StepMutate       = "mutate"
	StepSync         = "sync"
	StepFailNext     = "fail_next"
	StepRetry        = "retry"
	StepResolve      = "resolve"
)

var validSteps = map[string]bool{
	StepRemotePut:    true,
	StepRemoteDelete: true,
	StepMutate:       true,
	StepSync:         true,
	StepFailNext:     true,
	StepRetry:        true,
	StepResolve:      true,
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Kind and Key identify a record (local, remote, status).
	Kind string `yaml:"kind,omitempty"`
	Key  string `yaml:"key,omitempty"`

	// Absent expects the record not to exist (local, remote).
	Absent bool `yaml:"absent,omitempty"`

	// State is the expected sync state (local) or status (status).
	State string `yaml:"state,omitempty"`

	// Fields holds expected wire values. Subset match.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Pending and Failed are expected outbox counts (outbox).
	Pending *int `yaml:"pending,omitempty"`
	Failed  *int `yaml:"failed,omitempty"`
}

// Assertion types.
const (
	AssertLocal  = "local"
	AssertRemote = "remote"
	AssertOutbox = "outbox"
	AssertStatus = "status"
)

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected to catch typos. Schema paths are resolved
// relative to the scenario file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, p := range scenario.Schemas {
		if !filepath.IsAbs(p) {
			scenario.Schemas[i] = filepath.Join(base, p)
		}
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
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Now != "" {
		if _, err := time.Parse(time.RFC3339, s.Now); err != nil {
			return fmt.Errorf("now: %w", err)
		}
	}

	for _, p := range s.Schemas {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("schema file not found: %s", p)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	if !validSteps[s.Do] {
		return fmt.Errorf("steps[%d]: unknown action %q", index, s.Do)
	}

	switch s.Do {
	case StepRemotePut:
		if s.Kind == "" || len(s.Rows) == 0 {
			return fmt.Errorf("steps[%d]: kind and rows are required for remote_put", index)
		}
	case StepRemoteDelete:
		if s.Kind == "" || s.Key == "" {
			return fmt.Errorf("steps[%d]: kind and key are required for remote_delete", index)
		}
	case StepMutate:
		if s.Kind == "" || s.Mutation == "" {
			return fmt.Errorf("steps[%d]: kind and mutation are required for mutate", index)
		}
	case StepFailNext:
		if s.Kind == "" || len(s.Errors) == 0 {
			return fmt.Errorf("steps[%d]: kind and errors are required for fail_next", index)
		}
		for _, e := range s.Errors {
			if e != "transient" && e != "permanent" {
				return fmt.Errorf("steps[%d]: error must be transient or permanent, got %q", index, e)
			}
		}
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertLocal, AssertRemote:
		if a.Kind == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: kind and key are required for %s", index, a.Type)
		}
		if a.Absent && (len(a.Fields) > 0 || a.State != "") {
			return fmt.Errorf("assertions[%d]: absent excludes fields and state", index)
		}
	case AssertOutbox:
		if a.Pending == nil && a.Failed == nil {
			return fmt.Errorf("assertions[%d]: pending or failed is required for outbox", index)
		}
	case AssertStatus:
		if a.Kind == "" || a.State == "" {
			return fmt.Errorf("assertions[%d]: kind and state are required for status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

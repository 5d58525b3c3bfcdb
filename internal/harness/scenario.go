package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a deterministic sequence
// of engine events and assertions on the resulting merged view.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps is the event sequence to drive through the engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final view and status history.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one scenario event. Exactly one field must be set.
type Step struct {
	Submit    *SubmitStep    `yaml:"submit,omitempty"`
	Resolve   *ResolveStep   `yaml:"resolve,omitempty"`
	Fail      *FailStep      `yaml:"fail,omitempty"`
	Poll      *PollStep      `yaml:"poll,omitempty"`
	PollError *PollErrorStep `yaml:"poll_error,omitempty"`
	Retry     *RetryStep     `yaml:"retry,omitempty"`
	Discard   *DiscardStep   `yaml:"discard,omitempty"`
}

// SubmitStep submits a mutation. The submit call stays in flight until a
// later resolve or fail step settles it.
type SubmitStep struct {
	// ID is the correlation id the engine will assign (fixed generator).
	ID string `yaml:"id"`

	// Target is the logical resource being mutated.
	Target string `yaml:"target"`

	// Payload is the mutation payload.
	Payload map[string]any `yaml:"payload"`

	// Supersede declares supersede intent for a confirmed-pending target.
	Supersede bool `yaml:"supersede,omitempty"`

	// ExpectError, if "invalid_state", expects the submit to be rejected.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// ResolveStep settles an in-flight submit call successfully.
type ResolveStep struct {
	ID       string         `yaml:"id"`
	ServerID string         `yaml:"server_id"`
	Data     map[string]any `yaml:"data"`
}

// FailStep settles an in-flight submit call with a rejection.
type FailStep struct {
	ID      string `yaml:"id"`
	Message string `yaml:"message"`
}

// PollStep delivers a full canonical snapshot.
type PollStep struct {
	Items []map[string]any `yaml:"items"`
}

// PollErrorStep delivers a poll rejection (the cycle is skipped).
type PollErrorStep struct {
	Message string `yaml:"message"`
}

// RetryStep retries a failed mutation.
type RetryStep struct {
	// ID is the failed correlation id to retry.
	ID string `yaml:"id"`

	// As is the correlation id the retry will be assigned.
	As string `yaml:"as"`

	// ExpectError, if "invalid_state", expects the retry to be rejected.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// DiscardStep discards a failed mutation.
type DiscardStep struct {
	ID          string `yaml:"id"`
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Assertion validates the final view or status history.
type Assertion struct {
	// Type specifies the assertion type. See the Assert* constants.
	Type string `yaml:"type"`

	// Count is the expected entry count (view_count).
	Count int `yaml:"count,omitempty"`

	// Item contains expected entry fields, subset-matched (view_contains).
	Item map[string]any `yaml:"item,omitempty"`

	// Order is the expected sequence of entry identities (view_order).
	// Each element matches an entry's server id or correlation id.
	Order []string `yaml:"order,omitempty"`

	// ID is the correlation id under test (status_history).
	ID string `yaml:"id,omitempty"`

	// Statuses is the expected status sequence (status_history).
	Statuses []string `yaml:"statuses,omitempty"`
}

// Assertion type constants.
const (
	AssertViewCount     = "view_count"
	AssertViewContains  = "view_contains"
	AssertViewOrder     = "view_order"
	AssertStatusHistory = "status_history"
	AssertNoDuplicates  = "no_duplicates"
)

// LoadScenario reads, schema-checks, and parses a scenario YAML file.
// Returns an error if the file doesn't exist, fails the CUE schema, is
// malformed, contains unknown fields (typos), or is missing required
// fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	if err := ValidateScenarioBytes(path, data); err != nil {
		return nil, err
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:".
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

// validateScenario checks required fields and step shape.
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

	ids := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, ids); err != nil {
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

// validateStep checks that exactly one step kind is set and its required
// fields are present. ids accumulates declared correlation ids so later
// steps can reference them.
func validateStep(index int, step Step, ids map[string]bool) error {
	set := 0
	if step.Submit != nil {
		set++
	}
	if step.Resolve != nil {
		set++
	}
	if step.Fail != nil {
		set++
	}
	if step.Poll != nil {
		set++
	}
	if step.PollError != nil {
		set++
	}
	if step.Retry != nil {
		set++
	}
	if step.Discard != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("steps[%d]: exactly one step kind is required, got %d", index, set)
	}

	switch {
	case step.Submit != nil:
		if step.Submit.ID == "" {
			return fmt.Errorf("steps[%d].submit: id is required", index)
		}
		if step.Submit.Target == "" {
			return fmt.Errorf("steps[%d].submit: target is required", index)
		}
		if step.Submit.Payload == nil {
			return fmt.Errorf("steps[%d].submit: payload is required (use empty map if no fields)", index)
		}
		if ids[step.Submit.ID] {
			return fmt.Errorf("steps[%d].submit: duplicate id %q", index, step.Submit.ID)
		}
		ids[step.Submit.ID] = true

	case step.Resolve != nil:
		if step.Resolve.ID == "" || step.Resolve.ServerID == "" {
			return fmt.Errorf("steps[%d].resolve: id and server_id are required", index)
		}
		if !ids[step.Resolve.ID] {
			return fmt.Errorf("steps[%d].resolve: unknown id %q", index, step.Resolve.ID)
		}

	case step.Fail != nil:
		if step.Fail.ID == "" || step.Fail.Message == "" {
			return fmt.Errorf("steps[%d].fail: id and message are required", index)
		}
		if !ids[step.Fail.ID] {
			return fmt.Errorf("steps[%d].fail: unknown id %q", index, step.Fail.ID)
		}

	case step.Poll != nil:
		if step.Poll.Items == nil {
			return fmt.Errorf("steps[%d].poll: items is required (use [] for an empty snapshot)", index)
		}

	case step.PollError != nil:
		if step.PollError.Message == "" {
			return fmt.Errorf("steps[%d].poll_error: message is required", index)
		}

	case step.Retry != nil:
		if step.Retry.ID == "" {
			return fmt.Errorf("steps[%d].retry: id is required", index)
		}
		if !ids[step.Retry.ID] {
			return fmt.Errorf("steps[%d].retry: unknown id %q", index, step.Retry.ID)
		}
		if step.Retry.ExpectError == "" {
			if step.Retry.As == "" {
				return fmt.Errorf("steps[%d].retry: as is required", index)
			}
			if ids[step.Retry.As] {
				return fmt.Errorf("steps[%d].retry: duplicate id %q", index, step.Retry.As)
			}
			ids[step.Retry.As] = true
		}

	case step.Discard != nil:
		if step.Discard.ID == "" {
			return fmt.Errorf("steps[%d].discard: id is required", index)
		}
		if !ids[step.Discard.ID] {
			return fmt.Errorf("steps[%d].discard: unknown id %q", index, step.Discard.ID)
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertViewCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for view_count", index)
		}
	case AssertViewContains:
		if len(a.Item) == 0 {
			return fmt.Errorf("assertions[%d]: item is required for view_contains", index)
		}
	case AssertViewOrder:
		if len(a.Order) == 0 {
			return fmt.Errorf("assertions[%d]: order list is required for view_order", index)
		}
	case AssertStatusHistory:
		if a.ID == "" {
			return fmt.Errorf("assertions[%d]: id is required for status_history", index)
		}
		if len(a.Statuses) == 0 {
			return fmt.Errorf("assertions[%d]: statuses list is required for status_history", index)
		}
	case AssertNoDuplicates:
		// No fields.
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resultWithView builds a result whose final view is the given items.
func resultWithView(items ...Item) *Result {
	r := NewResult()
	r.Trace = []TraceEvent{{Step: 1, Kind: "poll", View: items}}
	return r
}

func TestRunAssertions_ViewCount(t *testing.T) {
	scenario := &Scenario{Assertions: []Assertion{{Type: AssertViewCount, Count: 1}}}

	pass := resultWithView(Item{"server_id": "m1"})
	runAssertions(scenario, pass)
	assert.True(t, pass.Pass)

	fail := resultWithView()
	runAssertions(scenario, fail)
	assert.False(t, fail.Pass)
	require.Len(t, fail.Errors, 1)
	assert.Contains(t, fail.Errors[0], "view_count")
}

func TestRunAssertions_ViewContains_SubsetMatch(t *testing.T) {
	result := resultWithView(Item{
		"server_id":  "m1",
		"confirmed":  true,
		"data":       map[string]any{"text": "hello", "version": 2},
		"optimistic": false,
	})

	scenario := &Scenario{Assertions: []Assertion{
		{Type: AssertViewContains, Item: map[string]any{"server_id": "m1"}},
		{Type: AssertViewContains, Item: map[string]any{
			"data": map[string]any{"text": "hello"},
		}},
	}}
	runAssertions(scenario, result)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunAssertions_ViewContains_NumericNormalization(t *testing.T) {
	// YAML decodes to int, engine outcomes may carry int64. Both match.
	result := resultWithView(Item{"data": map[string]any{"version": int64(2)}})

	scenario := &Scenario{Assertions: []Assertion{
		{Type: AssertViewContains, Item: map[string]any{
			"data": map[string]any{"version": 2},
		}},
	}}
	runAssertions(scenario, result)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRunAssertions_ViewContains_NoMatch(t *testing.T) {
	result := resultWithView(Item{"server_id": "m1"})

	scenario := &Scenario{Assertions: []Assertion{
		{Type: AssertViewContains, Item: map[string]any{"server_id": "m2"}},
	}}
	runAssertions(scenario, result)
	assert.False(t, result.Pass)
}

func TestRunAssertions_ViewOrder(t *testing.T) {
	result := resultWithView(
		Item{"server_id": "m1"},
		Item{"server_id": "m2", "correlation_id": "c9"},
		Item{"correlation_id": "c1"},
	)

	// Identity is the server id when present, else the correlation id.
	pass := &Scenario{Assertions: []Assertion{
		{Type: AssertViewOrder, Order: []string{"m1", "m2", "c1"}},
	}}
	runAssertions(pass, result)
	assert.True(t, result.Pass, "errors: %v", result.Errors)

	wrong := resultWithView(Item{"server_id": "m1"}, Item{"correlation_id": "c1"})
	fail := &Scenario{Assertions: []Assertion{
		{Type: AssertViewOrder, Order: []string{"c1", "m1"}},
	}}
	runAssertions(fail, wrong)
	assert.False(t, wrong.Pass)
}

func TestRunAssertions_StatusHistory(t *testing.T) {
	result := resultWithView()
	result.Statuses["c1"] = []string{"pending", "confirmed"}

	pass := &Scenario{Assertions: []Assertion{
		{Type: AssertStatusHistory, ID: "c1", Statuses: []string{"pending", "confirmed"}},
	}}
	runAssertions(pass, result)
	assert.True(t, result.Pass)

	fail := &Scenario{Assertions: []Assertion{
		{Type: AssertStatusHistory, ID: "c1", Statuses: []string{"pending", "failed"}},
	}}
	runAssertions(fail, result)
	assert.False(t, result.Pass)
}

func TestRunAssertions_NoDuplicates(t *testing.T) {
	clean := resultWithView(
		Item{"server_id": "m1"},
		Item{"correlation_id": "c1"},
	)
	scenario := &Scenario{Assertions: []Assertion{{Type: AssertNoDuplicates}}}
	runAssertions(scenario, clean)
	assert.True(t, clean.Pass)

	duped := resultWithView(
		Item{"server_id": "m1"},
		Item{"server_id": "m1"},
	)
	runAssertions(scenario, duped)
	assert.False(t, duped.Pass)
	require.Len(t, duped.Errors, 1)
	assert.Contains(t, duped.Errors[0], "m1")
}

func TestRunAssertions_UnknownType(t *testing.T) {
	result := resultWithView()
	scenario := &Scenario{Assertions: []Assertion{{Type: "bogus"}}}
	runAssertions(scenario, result)
	assert.False(t, result.Pass)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: "view_count", Expected: "1 entries", Actual: "0 entries: []"}
	msg := err.Error()
	assert.Contains(t, msg, "assertion failed: view_count")
	assert.Contains(t, msg, "expected: 1 entries")
	assert.Contains(t, msg, "actual: 0 entries")
}

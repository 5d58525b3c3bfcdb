package harness

import (
	"fmt"
	"strings"
)

// AssertionError describes one failed assertion with enough context to
// debug the failure without re-running the scenario.
type AssertionError struct {
	Type     string // assertion type for categorization
	Expected string // human-readable expected outcome
	Actual   string // human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  actual: %s", e.Actual)
	return buf.String()
}

// runAssertions evaluates all scenario assertions against the result's
// final view and status history, recording failures on the result.
func runAssertions(scenario *Scenario, result *Result) {
	finalView := result.FinalView()

	for _, a := range scenario.Assertions {
		var err error
		switch a.Type {
		case AssertViewCount:
			err = assertViewCount(finalView, a)
		case AssertViewContains:
			err = assertViewContains(finalView, a)
		case AssertViewOrder:
			err = assertViewOrder(finalView, a)
		case AssertStatusHistory:
			err = assertStatusHistory(result.Statuses, a)
		case AssertNoDuplicates:
			err = assertNoDuplicates(finalView)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			result.AddError(err.Error())
		}
	}
}

func assertViewCount(view []Item, a Assertion) error {
	if len(view) != a.Count {
		return &AssertionError{
			Type:     AssertViewCount,
			Expected: fmt.Sprintf("%d entries", a.Count),
			Actual:   fmt.Sprintf("%d entries: %v", len(view), view),
		}
	}
	return nil
}

func assertViewContains(view []Item, a Assertion) error {
	for _, entry := range view {
		if matchSubset(entry, a.Item) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertViewContains,
		Expected: fmt.Sprintf("an entry matching %v", a.Item),
		Actual:   fmt.Sprintf("%v", view),
	}
}

func assertViewOrder(view []Item, a Assertion) error {
	actual := make([]string, len(view))
	for i, entry := range view {
		actual[i] = entryIdentity(entry)
	}
	if len(actual) != len(a.Order) {
		return orderError(a.Order, actual)
	}
	for i := range actual {
		if actual[i] != a.Order[i] {
			return orderError(a.Order, actual)
		}
	}
	return nil
}

func orderError(expected, actual []string) error {
	return &AssertionError{
		Type:     AssertViewOrder,
		Expected: strings.Join(expected, ", "),
		Actual:   strings.Join(actual, ", "),
	}
}

func assertStatusHistory(statuses map[string][]string, a Assertion) error {
	actual := statuses[a.ID]
	match := len(actual) == len(a.Statuses)
	if match {
		for i := range actual {
			if actual[i] != a.Statuses[i] {
				match = false
				break
			}
		}
	}
	if !match {
		return &AssertionError{
			Type:     AssertStatusHistory,
			Expected: fmt.Sprintf("%s: %s", a.ID, strings.Join(a.Statuses, " -> ")),
			Actual:   fmt.Sprintf("%s: %s", a.ID, strings.Join(actual, " -> ")),
		}
	}
	return nil
}

// assertNoDuplicates enforces the merged view invariant: no correlation id
// and no server id is represented by more than one visible entry.
func assertNoDuplicates(view []Item) error {
	seen := make(map[string]int)
	for _, entry := range view {
		if id, ok := entry["correlation_id"].(string); ok && id != "" {
			seen["correlation_id:"+id]++
		}
		if id, ok := entry["server_id"].(string); ok && id != "" {
			seen["server_id:"+id]++
		}
	}
	for key, count := range seen {
		if count > 1 {
			return &AssertionError{
				Type:     AssertNoDuplicates,
				Expected: "every identity visible at most once",
				Actual:   fmt.Sprintf("%s appears %d times", key, count),
			}
		}
	}
	return nil
}

// entryIdentity returns the identity used by view_order: the server id
// when the entry has one, else the correlation id.
func entryIdentity(entry Item) string {
	if id, ok := entry["server_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := entry["correlation_id"].(string); ok {
		return id
	}
	return ""
}

// matchSubset reports whether every expected field matches the actual
// entry. Nested maps match recursively; numbers compare across the types
// yaml and json decoding produce.
func matchSubset(actual Item, expected map[string]any) bool {
	for key, want := range expected {
		got, ok := actual[key]
		if !ok {
			return false
		}
		if !valueEqual(got, want) {
			return false
		}
	}
	return true
}

func valueEqual(got, want any) bool {
	if wm, ok := want.(map[string]any); ok {
		gm, ok := got.(map[string]any)
		if !ok {
			return false
		}
		return matchSubset(gm, wm)
	}
	if gn, gok := normalizeNumber(got); gok {
		wn, wok := normalizeNumber(want)
		return wok && gn == wn
	}
	return got == want
}

// normalizeNumber flattens the numeric types seen after yaml/json decoding.
func normalizeNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

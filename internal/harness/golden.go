package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

// toCanonicalMap flattens a result's trace into plain maps so it can go
// through MarshalCanonical, which only handles primitives, maps, and slices.
func toCanonicalMap(scenarioName string, result *Result) map[string]any {
	traceList := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		eventMap := map[string]any{
			"step": ev.Step,
			"kind": ev.Kind,
		}
		if ev.Ref != "" {
			eventMap["ref"] = ev.Ref
		}
		if ev.Error != "" {
			eventMap["error"] = ev.Error
		}
		view := make([]any, len(ev.View))
		for j, item := range ev.View {
			view[j] = map[string]any(item)
		}
		eventMap["view"] = view
		traceList[i] = eventMap
	}

	return map[string]any{
		"scenario_name": scenarioName,
		"trace":         traceList,
	}
}

// RunWithGolden executes a scenario and compares its trace against the
// golden file testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns an error if the scenario itself fails to execute; a trace
// mismatch fails the test through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-obtained result's trace against the
// golden file for scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	traceJSON, err := MarshalCanonical(toCanonicalMap(scenarioName, result))
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, traceJSON)

	return nil
}

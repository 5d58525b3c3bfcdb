// Package harness provides conformance testing for the reconciliation
// engine.
//
// The harness runs the real engine against a scripted transport: scenario
// steps decide when each submit call resolves and what every poll returns,
// so interleavings that are racy in production (late completions, stale
// polls, retries mid-flight) become deterministic test input.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	steps:
//	  - submit: { id: c1, target: chat, payload: { content: "hi" } }
//	  - poll: { items: [] }
//	  - resolve: { id: c1, server_id: m42, data: { content: "hi" } }
//	  - fail: { id: c1, message: "network error" }
//	  - retry: { id: c1, as: c2 }
//	  - discard: { id: c1 }
//	  - poll_error: { message: "timeout" }
//	assertions:
//	  - type: view_count
//	    count: 1
//	  - type: view_contains
//	    item: { server_id: m42 }
//
// Step ids are the correlation ids the engine will generate, in submission
// order (submit steps first come first, then retry "as" ids). A fixed
// generator hands them out, which keeps traces byte-identical across runs.
//
// # Assertion Types
//
// Assertions run against the final merged view and the recorded status
// history:
//
//   - view_count: the final view has exactly N entries
//   - view_contains: some entry matches the given fields (subset match)
//   - view_order: entry identities appear in exactly this order
//   - status_history: a correlation id went through exactly these statuses
//   - no_duplicates: no correlation id or server id appears twice
//
// # Deterministic Testing
//
// Every engine event triggers exactly one view recompute, and the engine's
// observer hook reports each recompute to the harness, which waits for it
// before executing the next step. The trace - one view snapshot per step -
// is therefore a pure function of the scenario, suitable for golden file
// comparison (see RunWithGolden).
package harness

package harness

import "github.com/crewcall/reconcile/internal/engine"

// TraceEvent is one step's outcome: the step kind, the record it touched,
// and the merged view snapshot after the engine processed it.
type TraceEvent struct {
	Step int    `json:"step"`
	Kind string `json:"kind"`

	// Ref is the correlation id (or server id) the step addressed.
	Ref string `json:"ref,omitempty"`

	// Error is the engine's rejection, for steps expected to fail.
	Error string `json:"error,omitempty"`

	// View is the merged view after the step, summarized for comparison.
	View []Item `json:"view"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: all assertions held.
	Pass bool `json:"pass"`

	// Trace contains one event per scenario step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages. Empty if Pass.
	Errors []string `json:"errors,omitempty"`

	// Statuses maps correlation id to its observed status sequence.
	Statuses map[string][]string `json:"statuses,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Trace:    []TraceEvent{},
		Statuses: make(map[string][]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// FinalView returns the merged view after the last step.
func (r *Result) FinalView() []Item {
	if len(r.Trace) == 0 {
		return nil
	}
	return r.Trace[len(r.Trace)-1].View
}

// summarizeView flattens a merged view into comparison-friendly maps.
// Exactly one data source per entry: canonical, local, or payload.
func summarizeView(view engine.MergedView[Item, Item]) []Item {
	out := make([]Item, 0, len(view.Items))
	for _, it := range view.Items {
		m := Item{}
		if it.CorrelationID != "" {
			m["correlation_id"] = it.CorrelationID
		}
		if it.ServerID != "" {
			m["server_id"] = it.ServerID
		}
		switch {
		case it.Canonical != nil:
			m["data"] = *it.Canonical
		case it.Local != nil:
			m["data"] = *it.Local
		case it.Payload != nil:
			m["data"] = *it.Payload
		}
		if it.Optimistic {
			m["optimistic"] = true
		}
		if it.Confirmed {
			m["confirmed"] = true
		}
		if it.Failed {
			m["failed"] = true
			m["failure"] = it.FailureMessage
		}
		out = append(out, m)
	}
	return out
}

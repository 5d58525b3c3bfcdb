package harness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewcall/reconcile/internal/engine"
)

// stepTimeout bounds every wait inside a scenario run. Steps settle in
// microseconds when the scenario is well-formed; the timeout only turns a
// broken scenario into an error instead of a hang.
const stepTimeout = 5 * time.Second

// Run executes a scenario against a real engine wired to a scripted
// transport and returns the result.
//
// Execution flow:
//  1. Collect the correlation ids the scenario declares and load them
//     into a fixed generator, so the engine assigns exactly those ids.
//  2. Start the engine loop; register status watchers for every id.
//  3. Drive the steps. After each step, wait for the engine's observer
//     to report the recompute, and snapshot the view into the trace.
//  4. Evaluate assertions against the final view and status history.
func Run(scenario *Scenario) (*Result, error) {
	ids := declaredIDs(scenario)
	tokens := engine.NewFixedGenerator(ids...)
	transport := NewScriptedTransport()

	views := make(chan engine.MergedView[Item, Item], len(scenario.Steps)+4)

	eng, err := engine.New(engine.Config[Item, Item]{
		Submit: transport.Submit,
		Poll:   transport.Poll,
		Hooks:  scenarioHooks(),
		Tokens: tokens,
		Observer: func(v engine.MergedView[Item, Item]) {
			views <- v
		},
	})
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}

	result := NewResult()
	var statusMu sync.Mutex
	for _, id := range ids {
		id := id
		eng.OnStatusChange(id, func(s engine.Status) {
			statusMu.Lock()
			result.Statuses[id] = append(result.Statuses[id], string(s))
			statusMu.Unlock()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = eng.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	calls := make(map[string]*SubmitCall)

	for i, step := range scenario.Steps {
		ev, err := executeStep(ctx, eng, transport, calls, i+1, step)
		if err != nil {
			return nil, err
		}
		view, err := awaitView(views)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		ev.View = summarizeView(view)
		result.Trace = append(result.Trace, ev)
	}

	statusMu.Lock()
	defer statusMu.Unlock()
	runAssertions(scenario, result)
	return result, nil
}

// declaredIDs returns the correlation ids the engine will be asked to
// generate, in generation order: submit ids first-come-first, retry "as"
// ids when their step runs.
func declaredIDs(scenario *Scenario) []string {
	var ids []string
	for _, step := range scenario.Steps {
		switch {
		case step.Submit != nil && step.Submit.ExpectError == "":
			ids = append(ids, step.Submit.ID)
		case step.Retry != nil && step.Retry.ExpectError == "":
			ids = append(ids, step.Retry.As)
		}
	}
	return ids
}

// scenarioHooks maps the reserved Item keys onto the engine's identity and
// freshness hooks.
func scenarioHooks() engine.Hooks[Item, Item] {
	return engine.Hooks[Item, Item]{
		ServerID: func(it Item) string {
			s, _ := it["server_id"].(string)
			return s
		},
		CorrelationOf: func(it Item) string {
			s, _ := it["correlation_id"].(string)
			return s
		},
		Freshness: itemVersion,
	}
}

// itemVersion reads the "version" freshness token, tolerating the numeric
// types yaml and json decoding produce.
func itemVersion(it Item) int64 {
	switch v := it["version"].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// executeStep drives one scenario step through the engine and returns its
// trace event (view filled in by the caller).
func executeStep(
	ctx context.Context,
	eng *engine.Engine[Item, Item],
	transport *ScriptedTransport,
	calls map[string]*SubmitCall,
	stepNum int,
	step Step,
) (TraceEvent, error) {
	switch {
	case step.Submit != nil:
		st := step.Submit
		ev := TraceEvent{Step: stepNum, Kind: "submit", Ref: st.ID}
		var opts []engine.SubmitOption
		if st.Supersede {
			opts = append(opts, engine.WithSupersede())
		}
		id, err := eng.SubmitMutation(ctx, st.Target, st.Payload, opts...)
		if err != nil {
			if st.ExpectError == "" {
				return ev, fmt.Errorf("step %d: submit %s: %w", stepNum, st.ID, err)
			}
			if !engine.IsInvalidState(err) {
				return ev, fmt.Errorf("step %d: submit %s: expected InvalidStateError, got: %w", stepNum, st.ID, err)
			}
			ev.Error = err.Error()
			return ev, nil
		}
		if st.ExpectError != "" {
			return ev, fmt.Errorf("step %d: submit %s: expected rejection, got id %s", stepNum, st.ID, id)
		}
		if id != st.ID {
			return ev, fmt.Errorf("step %d: submit: engine assigned %s, scenario declared %s", stepNum, id, st.ID)
		}
		call, err := transport.AwaitCall(stepTimeout)
		if err != nil {
			return ev, fmt.Errorf("step %d: submit %s: %w", stepNum, st.ID, err)
		}
		calls[id] = call
		return ev, nil

	case step.Resolve != nil:
		st := step.Resolve
		ev := TraceEvent{Step: stepNum, Kind: "resolve", Ref: st.ID}
		call, ok := calls[st.ID]
		if !ok {
			return ev, fmt.Errorf("step %d: resolve: no in-flight submit for %s", stepNum, st.ID)
		}
		call.Resolve(st.ServerID, st.Data)
		return ev, nil

	case step.Fail != nil:
		st := step.Fail
		ev := TraceEvent{Step: stepNum, Kind: "fail", Ref: st.ID}
		call, ok := calls[st.ID]
		if !ok {
			return ev, fmt.Errorf("step %d: fail: no in-flight submit for %s", stepNum, st.ID)
		}
		call.Fail(st.Message)
		return ev, nil

	case step.Poll != nil:
		ev := TraceEvent{Step: stepNum, Kind: "poll"}
		items := make([]Item, len(step.Poll.Items))
		for i, m := range step.Poll.Items {
			items[i] = Item(m)
		}
		transport.QueuePoll(items)
		if err := eng.PollNow(ctx); err != nil {
			return ev, fmt.Errorf("step %d: poll: %w", stepNum, err)
		}
		return ev, nil

	case step.PollError != nil:
		ev := TraceEvent{Step: stepNum, Kind: "poll_error"}
		transport.QueuePollError(step.PollError.Message)
		if err := eng.PollNow(ctx); err != nil {
			return ev, fmt.Errorf("step %d: poll_error: %w", stepNum, err)
		}
		return ev, nil

	case step.Retry != nil:
		st := step.Retry
		ev := TraceEvent{Step: stepNum, Kind: "retry", Ref: st.ID}
		id, err := eng.Retry(ctx, st.ID)
		if err != nil {
			if st.ExpectError == "" {
				return ev, fmt.Errorf("step %d: retry %s: %w", stepNum, st.ID, err)
			}
			if !engine.IsInvalidState(err) {
				return ev, fmt.Errorf("step %d: retry %s: expected InvalidStateError, got: %w", stepNum, st.ID, err)
			}
			ev.Error = err.Error()
			return ev, nil
		}
		if st.ExpectError != "" {
			return ev, fmt.Errorf("step %d: retry %s: expected rejection, got id %s", stepNum, st.ID, id)
		}
		if id != st.As {
			return ev, fmt.Errorf("step %d: retry: engine assigned %s, scenario declared %s", stepNum, id, st.As)
		}
		call, err := transport.AwaitCall(stepTimeout)
		if err != nil {
			return ev, fmt.Errorf("step %d: retry %s: %w", stepNum, st.ID, err)
		}
		calls[id] = call
		return ev, nil

	case step.Discard != nil:
		st := step.Discard
		ev := TraceEvent{Step: stepNum, Kind: "discard", Ref: st.ID}
		err := eng.Discard(ctx, st.ID)
		if err != nil {
			if st.ExpectError == "" {
				return ev, fmt.Errorf("step %d: discard %s: %w", stepNum, st.ID, err)
			}
			if !engine.IsInvalidState(err) {
				return ev, fmt.Errorf("step %d: discard %s: expected InvalidStateError, got: %w", stepNum, st.ID, err)
			}
			ev.Error = err.Error()
			return ev, nil
		}
		if st.ExpectError != "" {
			return ev, fmt.Errorf("step %d: discard %s: expected rejection", stepNum, st.ID)
		}
		return ev, nil

	default:
		return TraceEvent{}, fmt.Errorf("step %d: empty step", stepNum)
	}
}

// awaitView waits for the engine's observer to report the next recompute.
func awaitView(views <-chan engine.MergedView[Item, Item]) (engine.MergedView[Item, Item], error) {
	select {
	case v := <-views:
		return v, nil
	case <-time.After(stepTimeout):
		return engine.MergedView[Item, Item]{}, fmt.Errorf("no view recompute within %s", stepTimeout)
	}
}

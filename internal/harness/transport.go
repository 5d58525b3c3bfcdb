package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/crewcall/reconcile/internal/engine"
)

// Item is the payload and canonical item type the harness instantiates the
// engine with. Scenario YAML maps decode straight into it. Reserved keys:
// "server_id" (canonical identity), "correlation_id" (server echo),
// "version" (freshness token).
type Item = map[string]any

// ScriptedTransport implements the engine's opaque submit and poll calls
// under scenario control. Each submit call parks until the scenario settles
// it; each poll pops the next queued response.
type ScriptedTransport struct {
	mu    sync.Mutex
	polls []pollResponse
	calls chan *SubmitCall
}

type pollResponse struct {
	items []Item
	err   error
}

// SubmitCall is one parked submit invocation awaiting settlement.
type SubmitCall struct {
	// Payload is what the engine passed to the submit call.
	Payload Item

	result chan settlement
}

type settlement struct {
	outcome engine.Outcome[Item]
	err     error
}

// NewScriptedTransport creates an empty scripted transport.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{
		calls: make(chan *SubmitCall, 16),
	}
}

// Submit parks until the scenario resolves or fails this call.
// Wire as Config.Submit.
func (t *ScriptedTransport) Submit(ctx context.Context, payload Item) (engine.Outcome[Item], error) {
	call := &SubmitCall{
		Payload: payload,
		result:  make(chan settlement, 1),
	}
	t.calls <- call

	select {
	case s := <-call.result:
		return s.outcome, s.err
	case <-ctx.Done():
		return engine.Outcome[Item]{}, ctx.Err()
	}
}

// Poll pops the next queued response. Wire as Config.Poll.
// An unscripted poll is a harness bug and fails loudly.
func (t *ScriptedTransport) Poll(ctx context.Context) ([]Item, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.polls) == 0 {
		return nil, fmt.Errorf("scripted transport: no poll response queued")
	}
	resp := t.polls[0]
	t.polls = t.polls[1:]
	return resp.items, resp.err
}

// QueuePoll queues a snapshot for the next poll.
func (t *ScriptedTransport) QueuePoll(items []Item) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polls = append(t.polls, pollResponse{items: items})
}

// QueuePollError queues a rejection for the next poll.
func (t *ScriptedTransport) QueuePollError(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polls = append(t.polls, pollResponse{err: errors.New(message)})
}

// AwaitCall returns the next parked submit call, in dispatch order.
// Times out rather than hanging a broken scenario.
func (t *ScriptedTransport) AwaitCall(timeout time.Duration) (*SubmitCall, error) {
	select {
	case call := <-t.calls:
		return call, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("scripted transport: no submit call within %s", timeout)
	}
}

// Resolve settles the call successfully with a server-assigned identity.
func (c *SubmitCall) Resolve(serverID string, data Item) {
	c.result <- settlement{outcome: engine.Outcome[Item]{ServerID: serverID, Data: data}}
}

// Fail settles the call with a rejection.
func (c *SubmitCall) Fail(message string) {
	c.result <- settlement{err: errors.New(message)}
}

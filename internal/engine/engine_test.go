package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewcall/reconcile/internal/testutil"
)

const testWait = 2 * time.Second

// pendingSubmit is one parked submit call a test settles explicitly.
type pendingSubmit struct {
	payload chatMsg
	reply   chan submitReply
}

type submitReply struct {
	outcome Outcome[chatItem]
	err     error
}

func (p *pendingSubmit) resolve(serverID string, data chatItem) {
	p.reply <- submitReply{outcome: Outcome[chatItem]{ServerID: serverID, Data: data}}
}

func (p *pendingSubmit) fail(msg string) {
	p.reply <- submitReply{err: errors.New(msg)}
}

// fixture wires an engine to channel-controlled transport funcs and runs
// the loop until the test ends.
type fixture struct {
	t       *testing.T
	eng     *Engine[chatMsg, chatItem]
	submits chan *pendingSubmit
	polls   chan pollReply
	views   chan MergedView[chatMsg, chatItem]
	cancel  context.CancelFunc
	done    chan struct{}
}

type pollReply struct {
	items []chatItem
	err   error
}

func newFixture(t *testing.T, ids []string, mutate func(*Config[chatMsg, chatItem])) *fixture {
	t.Helper()

	f := &fixture{
		t:       t,
		submits: make(chan *pendingSubmit, 16),
		polls:   make(chan pollReply, 16),
		views:   make(chan MergedView[chatMsg, chatItem], 64),
		done:    make(chan struct{}),
	}

	cfg := Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, payload chatMsg) (Outcome[chatItem], error) {
			ps := &pendingSubmit{payload: payload, reply: make(chan submitReply, 1)}
			f.submits <- ps
			select {
			case r := <-ps.reply:
				return r.outcome, r.err
			case <-ctx.Done():
				return Outcome[chatItem]{}, ctx.Err()
			}
		},
		Poll: func(ctx context.Context) ([]chatItem, error) {
			select {
			case r := <-f.polls:
				return r.items, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		Hooks:  chatHooks(),
		Tokens: NewFixedGenerator(ids...),
		Observer: func(v MergedView[chatMsg, chatItem]) {
			f.views <- v
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	eng, err := New(cfg)
	require.NoError(t, err)
	f.eng = eng

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	return f
}

// view pops the next recompute's view. Every processed event produces
// exactly one.
func (f *fixture) view() MergedView[chatMsg, chatItem] {
	f.t.Helper()
	select {
	case v := <-f.views:
		return v
	case <-time.After(testWait):
		f.t.Fatal("no view recompute")
		return MergedView[chatMsg, chatItem]{}
	}
}

// submitCall pops the next parked submit call.
func (f *fixture) submitCall() *pendingSubmit {
	f.t.Helper()
	select {
	case ps := <-f.submits:
		return ps
	case <-time.After(testWait):
		f.t.Fatal("no submit call dispatched")
		return nil
	}
}

func TestEngine_SubmitLifecycle_HappyPath(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)
	ctx := context.Background()

	statuses := testutil.NewRecorder[Status]()
	f.eng.OnStatusChange("c1", statuses.Record)

	id, err := f.eng.SubmitMutation(ctx, "chat", chatMsg{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "c1", id)

	// Optimistic placeholder is visible before the submit call resolves.
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.True(t, v.Items[0].Optimistic)
	require.NotNil(t, v.Items[0].Payload)
	assert.Equal(t, "hello", v.Items[0].Payload.Text)

	ps := f.submitCall()
	assert.Equal(t, "hello", ps.payload.Text)
	ps.resolve("m1", chatItem{ID: "m1", Version: 1, Text: "hello"})

	v = f.view()
	require.Len(t, v.Items, 1)
	assert.True(t, v.Items[0].Confirmed)
	assert.Equal(t, "m1", v.Items[0].ServerID)

	// Canonical snapshot satisfies the record: placeholder replaced, record
	// destroyed.
	f.polls <- pollReply{items: []chatItem{{ID: "m1", Version: 1, Text: "hello"}}}
	require.NoError(t, f.eng.PollNow(ctx))

	v = f.view()
	require.Len(t, v.Items, 1)
	assert.NotNil(t, v.Items[0].Canonical)
	assert.Empty(t, v.Items[0].CorrelationID)
	assert.Empty(t, f.eng.ExportRecords())

	assert.Equal(t, []Status{StatusPending, StatusConfirmed}, statuses.Values())
}

func TestEngine_SubmitFailure_ThenRetry(t *testing.T) {
	f := newFixture(t, []string{"c1", "c2"}, nil)
	ctx := context.Background()

	id, err := f.eng.SubmitMutation(ctx, "chat", chatMsg{Text: "hello"})
	require.NoError(t, err)
	f.view()

	f.submitCall().fail("network unreachable")
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.True(t, v.Items[0].Failed)
	assert.Equal(t, "network unreachable", v.Items[0].FailureMessage)

	newID, err := f.eng.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "c2", newID)

	v = f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "c2", v.Items[0].CorrelationID)
	assert.False(t, v.Items[0].Failed)

	// Old id is retired permanently.
	_, err = f.eng.Retry(ctx, id)
	assert.True(t, IsInvalidState(err))
	f.view() // rejected command still recomputes once

	// Payload resubmitted verbatim; same visual ordering key.
	ps := f.submitCall()
	assert.Equal(t, "hello", ps.payload.Text)
	ps.resolve("m1", chatItem{ID: "m1", Text: "hello"})
	v = f.view()
	assert.True(t, v.Items[0].Confirmed)

	recs := f.eng.ExportRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, 2, recs[0].Attempts)
	assert.Equal(t, "c1", recs[0].Supersedes)
}

func TestEngine_Retry_NonFailed_InvalidState(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)
	ctx := context.Background()

	id, err := f.eng.SubmitMutation(ctx, "chat", chatMsg{Text: "hi"})
	require.NoError(t, err)
	f.view()

	_, err = f.eng.Retry(ctx, id)
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	f.view() // rejected command still recomputes once

	_, err = f.eng.Retry(ctx, "nope")
	assert.True(t, IsInvalidState(err))
}

func TestEngine_Discard_RemovesFailedOnly(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)
	ctx := context.Background()

	id, err := f.eng.SubmitMutation(ctx, "chat", chatMsg{Text: "hi"})
	require.NoError(t, err)
	f.view()

	// Pending cannot be discarded.
	err = f.eng.Discard(ctx, id)
	assert.True(t, IsInvalidState(err))
	f.view()

	f.submitCall().fail("boom")
	f.view()

	require.NoError(t, f.eng.Discard(ctx, id))
	v := f.view()
	assert.Empty(t, v.Items)
	assert.Empty(t, f.eng.ExportRecords())
}

func TestEngine_Supersede_PendingChain(t *testing.T) {
	f := newFixture(t, []string{"c1", "c2"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v1"})
	require.NoError(t, err)
	f.view()
	first := f.submitCall()

	// Second submit on the same target supersedes the pending first.
	_, err = f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v2"})
	require.NoError(t, err)
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "c2", v.Items[0].CorrelationID)
	assert.Equal(t, "v2", v.Items[0].Payload.Text)

	// The first attempt's late success is dropped by identity, not order.
	first.resolve("b1", chatItem{ID: "b1", Text: "v1"})
	v = f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "c2", v.Items[0].CorrelationID)

	second := f.submitCall()
	second.resolve("b2", chatItem{ID: "b2", Text: "v2"})
	v = f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "b2", v.Items[0].ServerID)

	recs := f.eng.ExportRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "c1", recs[0].Supersedes)
}

func TestEngine_Supersede_ConfirmedNeedsIntent(t *testing.T) {
	f := newFixture(t, []string{"c1", "c2"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v1"})
	require.NoError(t, err)
	f.view()
	f.submitCall().resolve("b1", chatItem{ID: "b1", Version: 1, Text: "v1"})
	f.view()

	// Confirmed but not yet canonical: plain submit is a contract violation.
	_, err = f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v2"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	f.view()

	// Declared intent chains past the confirmed record.
	id, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v2"}, WithSupersede())
	require.NoError(t, err)
	assert.Equal(t, "c2", id)
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "c2", v.Items[0].CorrelationID)
}

func TestEngine_Supersede_FailedPrior_LeavesNoRecord(t *testing.T) {
	f := newFixture(t, []string{"c1", "c2"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v1"})
	require.NoError(t, err)
	f.view()
	f.submitCall().fail("413 too large")
	f.view()

	// Superseding a failed prior retires it from the store outright: its
	// completion already landed, so no later event would remove it.
	_, err = f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v2"})
	require.NoError(t, err)
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.Equal(t, "c2", v.Items[0].CorrelationID)

	recs := f.eng.ExportRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "c2", recs[0].CorrelationID)
	assert.Equal(t, "c1", recs[0].Supersedes)
}

func TestEngine_Supersede_ConfirmedPrior_LeavesNoRecord(t *testing.T) {
	f := newFixture(t, []string{"c1", "c2"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v1"})
	require.NoError(t, err)
	f.view()
	f.submitCall().resolve("b1", chatItem{ID: "b1", Version: 1, Text: "v1"})
	f.view()

	_, err = f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "v2"}, WithSupersede())
	require.NoError(t, err)
	f.view()

	recs := f.eng.ExportRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, "c2", recs[0].CorrelationID)
	assert.Equal(t, "c1", recs[0].Supersedes)
}

func TestEngine_CancelReleasesQueuedCallers(t *testing.T) {
	eng, err := New(Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, payload chatMsg) (Outcome[chatItem], error) {
			<-ctx.Done()
			return Outcome[chatItem]{}, ctx.Err()
		},
		Hooks: chatHooks(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()

	// Callers race the cancellation with non-cancellable contexts. Every
	// one of them must still return: commands enqueued before the queue
	// closes but never processed are answered ErrStopped by the loop's
	// shutdown drain.
	const callers = 8
	const perCaller = 16
	results := make(chan error, callers*perCaller)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				_, err := eng.SubmitMutation(context.Background(), "chat", chatMsg{Text: "x"})
				results <- err
			}
		}()
	}
	cancel()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(testWait):
		t.Fatal("a caller is still blocked after the run context was cancelled")
	}
	<-done

	close(results)
	for err := range results {
		if err != nil {
			assert.ErrorIs(t, err, ErrStopped)
		}
	}
}

func TestEngine_PollFailure_KeepsSnapshot(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	f.polls <- pollReply{items: []chatItem{{ID: "m1", Text: "hello"}}}
	require.NoError(t, f.eng.PollNow(ctx))
	v := f.view()
	require.Len(t, v.Items, 1)

	f.polls <- pollReply{err: errors.New("server unavailable")}
	require.NoError(t, f.eng.PollNow(ctx))
	v = f.view()
	require.Len(t, v.Items, 1, "failed poll must not clear the snapshot")
	assert.Equal(t, "m1", v.Items[0].ServerID)
}

func TestEngine_PollOnConfirm(t *testing.T) {
	f := newFixture(t, []string{"c1"}, func(cfg *Config[chatMsg, chatItem]) {
		cfg.PollOnConfirm = true
	})
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "avatar", chatMsg{Text: "img"})
	require.NoError(t, err)
	f.view()

	// Confirmation triggers the reconciling poll without a PollNow call.
	f.polls <- pollReply{items: []chatItem{{ID: "a1", Version: 2, Text: "img"}}}
	f.submitCall().resolve("a1", chatItem{ID: "a1", Version: 2, Text: "img"})

	f.view() // confirmation recompute
	v := f.view()
	require.Len(t, v.Items, 1)
	assert.NotNil(t, v.Items[0].Canonical)
	assert.Empty(t, f.eng.ExportRecords())
}

func TestEngine_StaleOverwriteSkipped(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "banner", chatMsg{Text: "new"})
	require.NoError(t, err)
	f.view()
	f.submitCall().resolve("b1", chatItem{ID: "b1", Version: 5, Text: "new"})
	f.view()

	// Slow poll delivers the pre-update copy of b1.
	f.polls <- pollReply{items: []chatItem{{ID: "b1", Version: 4, Text: "old"}}}
	require.NoError(t, f.eng.PollNow(ctx))
	v := f.view()
	require.Len(t, v.Items, 1)
	require.NotNil(t, v.Items[0].Local)
	assert.Equal(t, "new", v.Items[0].Local.Text)
	require.Len(t, f.eng.ExportRecords(), 1, "record survives until a fresh poll")

	// The next poll has caught up.
	f.polls <- pollReply{items: []chatItem{{ID: "b1", Version: 5, Text: "new"}}}
	require.NoError(t, f.eng.PollNow(ctx))
	v = f.view()
	require.Len(t, v.Items, 1)
	assert.NotNil(t, v.Items[0].Canonical)
	assert.Empty(t, f.eng.ExportRecords())
}

func TestEngine_Stopped_ReturnsErrStopped(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)

	f.eng.Stop()
	<-f.done

	_, err := f.eng.SubmitMutation(context.Background(), "chat", chatMsg{Text: "hi"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngine_RunTwice_Errors(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.eng.Run(context.Background())
	assert.Error(t, err)
}

func TestEngine_Updates_Coalesce(t *testing.T) {
	f := newFixture(t, []string{"c1"}, nil)
	ctx := context.Background()

	_, err := f.eng.SubmitMutation(ctx, "chat", chatMsg{Text: "hi"})
	require.NoError(t, err)
	f.view()

	select {
	case <-f.eng.Updates():
	case <-time.After(testWait):
		t.Fatal("no update signal")
	}

	v := f.eng.MergedView()
	require.Len(t, v.Items, 1)
}

func TestEngine_ConfigValidation(t *testing.T) {
	_, err := New(Config[chatMsg, chatItem]{})
	assert.Error(t, err)

	_, err = New(Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, p chatMsg) (Outcome[chatItem], error) {
			return Outcome[chatItem]{}, nil
		},
	})
	assert.Error(t, err, "Hooks.ServerID is required")

	_, err = New(Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, p chatMsg) (Outcome[chatItem], error) {
			return Outcome[chatItem]{}, nil
		},
		Hooks:         chatHooks(),
		PollOnConfirm: true,
	})
	assert.Error(t, err, "PollOnConfirm requires Poll")
}

func TestEngine_PollNow_WithoutPoll_Errors(t *testing.T) {
	eng, err := New(Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, p chatMsg) (Outcome[chatItem], error) {
			return Outcome[chatItem]{}, nil
		},
		Hooks: chatHooks(),
	})
	require.NoError(t, err)

	assert.Error(t, eng.PollNow(context.Background()))
}

func TestEngine_RestoreRecords(t *testing.T) {
	records := []Record[chatMsg, chatItem]{
		{
			CorrelationID: "c1",
			Target:        "chat",
			Payload:       chatMsg{Text: "interrupted"},
			Status:        StatusPending,
			CreatedAt:     7,
			Attempts:      1,
		},
		{
			CorrelationID: "c2",
			Target:        "chat",
			Payload:       chatMsg{Text: "failed before"},
			Status:        StatusFailed,
			CreatedAt:     9,
			Attempts:      2,
		},
	}

	clock := NewClock()
	f := &fixture{
		t:       t,
		submits: make(chan *pendingSubmit, 16),
		views:   make(chan MergedView[chatMsg, chatItem], 64),
		done:    make(chan struct{}),
	}
	eng, err := New(Config[chatMsg, chatItem]{
		Submit: func(ctx context.Context, payload chatMsg) (Outcome[chatItem], error) {
			ps := &pendingSubmit{payload: payload, reply: make(chan submitReply, 1)}
			f.submits <- ps
			r := <-ps.reply
			return r.outcome, r.err
		},
		Hooks:  chatHooks(),
		Tokens: NewFixedGenerator("c3"),
		Clock:  clock,
		Observer: func(v MergedView[chatMsg, chatItem]) {
			f.views <- v
		},
	})
	require.NoError(t, err)
	f.eng = eng

	require.NoError(t, eng.RestoreRecords(records))

	// Restored pendings become failed: their submit calls died with the old
	// session.
	recs := eng.ExportRecords()
	require.Len(t, recs, 2)
	assert.Equal(t, StatusFailed, recs[0].Status)
	assert.NotEmpty(t, recs[0].FailureMessage)
	assert.Equal(t, StatusFailed, recs[1].Status)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer close(f.done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	// New ordering keys continue past the restored maximum.
	id, err := eng.SubmitMutation(ctx, "chat", chatMsg{Text: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "c3", id)
	f.view()

	fresh, ok := findRecord(eng.ExportRecords(), "c3")
	require.True(t, ok)
	assert.Greater(t, fresh.CreatedAt, int64(9))
}

func TestEngine_RestoreRecords_AfterStart_Errors(t *testing.T) {
	f := newFixture(t, nil, nil)
	err := f.eng.RestoreRecords(nil)
	assert.Error(t, err)
}

func findRecord(recs []Record[chatMsg, chatItem], id string) (Record[chatMsg, chatItem], bool) {
	for _, r := range recs {
		if r.CorrelationID == id {
			return r, true
		}
	}
	return Record[chatMsg, chatItem]{}, false
}

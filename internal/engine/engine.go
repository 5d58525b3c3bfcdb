package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/crewcall/reconcile/internal/metrics"
)

// SubmitFunc is the opaque transport call that persists one mutation.
// It may suspend on network I/O; rejection makes the record failed.
type SubmitFunc[P, T any] func(ctx context.Context, payload P) (Outcome[T], error)

// PollFunc is the opaque transport call that fetches the full canonical
// collection. Rejection means "no update this cycle", never a fatal error.
type PollFunc[T any] func(ctx context.Context) ([]T, error)

// Config assembles an engine for one logical mutable resource (one chat,
// one profile image slot). Submit and Hooks.ServerID are required.
type Config[P, T any] struct {
	// Submit persists one mutation. Required.
	Submit SubmitFunc[P, T]

	// Poll fetches the canonical snapshot. Required when polling is used
	// (Poller, PollNow, PollOnConfirm); optional otherwise.
	Poll PollFunc[T]

	// Hooks supply identity and freshness extraction for merging.
	Hooks Hooks[P, T]

	// Tokens generates correlation ids. Defaults to UUIDv7Generator.
	Tokens CorrelationGenerator

	// Clock stamps record ordering keys. Defaults to a fresh Clock.
	Clock *Clock

	// PollOnConfirm triggers a single poll after each confirmed mutation,
	// to reconcile the authoritative value promptly (the upload instance).
	PollOnConfirm bool

	// Metrics is an optional counter set. Nil disables counting.
	Metrics *metrics.Set

	// Observer, if set, is invoked on the loop goroutine with the new
	// merged view after every recompute. It must not call back into the
	// engine synchronously.
	Observer func(MergedView[P, T])
}

// Engine is the single-writer optimistic mutation and reconciliation loop.
//
// The engine processes events (caller commands and async completions) in
// FIFO order on one goroutine, transitions record state, and recomputes the
// merged view after every state-affecting event - never on a timer.
//
// Thread-safety model:
//   - SubmitMutation / Retry / Discard / PollNow: safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//   - MergedView() / Updates() / OnStatusChange(): safe from any goroutine
//
// All record mutation and snapshot replacement happens in the Run loop
// goroutine; the injected Submit and Poll calls are the only operations
// that suspend.
type Engine[P, T any] struct {
	cfg   Config[P, T]
	store *RecordStore[P, T]
	queue *eventQueue[P, T]

	// snapshot is loop-owned: replaced wholesale on each successful poll.
	snapshot []T

	view    atomic.Pointer[MergedView[P, T]]
	updates chan struct{}

	watchMu  sync.Mutex
	watchers map[string][]func(Status)

	started atomic.Bool
	runCtx  context.Context // set at Run start; loop-read only
}

// New validates the config and creates an engine. The engine does nothing
// until Run is called.
func New[P, T any](cfg Config[P, T]) (*Engine[P, T], error) {
	if cfg.Submit == nil {
		return nil, fmt.Errorf("engine config: Submit is required")
	}
	if cfg.Hooks.ServerID == nil {
		return nil, fmt.Errorf("engine config: Hooks.ServerID is required")
	}
	if cfg.PollOnConfirm && cfg.Poll == nil {
		return nil, fmt.Errorf("engine config: PollOnConfirm requires Poll")
	}
	if cfg.Tokens == nil {
		cfg.Tokens = UUIDv7Generator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = NewClock()
	}

	e := &Engine[P, T]{
		cfg:      cfg,
		store:    NewRecordStore[P, T](),
		queue:    newEventQueue[P, T](),
		updates:  make(chan struct{}, 1),
		watchers: make(map[string][]func(Status)),
	}
	e.view.Store(&MergedView[P, T]{})
	return e, nil
}

// Run starts the single-writer event loop.
// Blocks until the context is cancelled or Stop() is called.
//
// Must be called from exactly one goroutine, exactly once. All record
// transitions, snapshot replacement, and merging happen here.
func (e *Engine[P, T]) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already started")
	}
	e.runCtx = ctx
	slog.Info("reconcile engine starting")

	for {
		ev, ok := e.queue.TryDequeue()
		if ok {
			e.processEvent(ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("reconcile engine stopping: context cancelled")
			e.queue.Close()
			e.drainPending()
			return ctx.Err()

		case <-e.queue.Wait():
			// Signal received, or signal channel closed by Close().
			if e.queue.Len() == 0 {
				slog.Info("reconcile engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop gracefully shuts down the engine.
// Closes the event queue, which causes Run() to return after draining.
func (e *Engine[P, T]) Stop() {
	e.queue.Close()
}

// drainPending releases callers whose commands were enqueued but will
// never be processed. The queue is closed at this point, so no new
// events can arrive behind the drain. Async completions are dropped.
func (e *Engine[P, T]) drainPending() {
	for {
		ev, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		if ev.kind == eventCommand {
			ev.cmd.reply <- commandReply{err: ErrStopped}
		}
	}
}

// SubmitOption configures one SubmitMutation call.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	supersede bool
}

// WithSupersede declares intent to replace the target's previous mutation
// even if it is already confirmed and merely awaiting canonical
// confirmation. Without it, such a submit is an InvalidStateError.
func WithSupersede() SubmitOption {
	return func(o *submitOptions) { o.supersede = true }
}

// SubmitMutation creates a pending record for the payload, renders it
// optimistically, and dispatches the submit call. Returns the new
// correlation id.
//
// A prior unresolved (pending or failed) record on the same target is
// superseded automatically: its eventual result will be ignored.
func (e *Engine[P, T]) SubmitMutation(ctx context.Context, target string, payload P, opts ...SubmitOption) (string, error) {
	var so submitOptions
	for _, opt := range opts {
		opt(&so)
	}
	cmd := &command[P, T]{
		kind:      cmdSubmit,
		target:    target,
		payload:   payload,
		supersede: so.supersede,
		reply:     make(chan commandReply, 1),
	}
	return e.send(ctx, cmd)
}

// Retry resubmits a failed mutation with its original payload, unchanged.
// The old correlation id is retired permanently; the new record keeps the
// old ordering key so the placeholder stays in its visual slot. Returns
// the new correlation id.
//
// Returns an InvalidStateError if the record is not failed.
func (e *Engine[P, T]) Retry(ctx context.Context, correlationID string) (string, error) {
	cmd := &command[P, T]{
		kind:          cmdRetry,
		correlationID: correlationID,
		reply:         make(chan commandReply, 1),
	}
	return e.send(ctx, cmd)
}

// Discard removes a failed mutation the user chose not to retry.
// Returns an InvalidStateError if the record is not failed.
func (e *Engine[P, T]) Discard(ctx context.Context, correlationID string) error {
	cmd := &command[P, T]{
		kind:          cmdDiscard,
		correlationID: correlationID,
		reply:         make(chan commandReply, 1),
	}
	_, err := e.send(ctx, cmd)
	return err
}

// PollNow triggers one canonical fetch immediately, outside any interval.
// The result is applied by the loop like any scheduled poll.
func (e *Engine[P, T]) PollNow(ctx context.Context) error {
	if e.cfg.Poll == nil {
		return fmt.Errorf("engine config: Poll is not set")
	}
	e.dispatchPoll(ctx)
	return nil
}

// MergedView returns the most recently computed merged view.
// Safe from any goroutine; the returned value is never mutated.
func (e *Engine[P, T]) MergedView() MergedView[P, T] {
	return *e.view.Load()
}

// Updates returns a coalescing signal channel that fires after recomputes.
// Pair with MergedView() to re-render on change.
func (e *Engine[P, T]) Updates() <-chan struct{} {
	return e.updates
}

// OnStatusChange registers a callback for one correlation id's state
// transitions (spinner, error badge). Callbacks run on the loop goroutine
// and must not call back into the engine synchronously.
func (e *Engine[P, T]) OnStatusChange(correlationID string, fn func(Status)) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	e.watchers[correlationID] = append(e.watchers[correlationID], fn)
}

// ExportRecords returns a copy of all mutation records, for session
// snapshotting. See the snapshot package.
func (e *Engine[P, T]) ExportRecords() []Record[P, T] {
	return e.store.List()
}

// RestoreRecords seeds the store from a previous session's export. Only
// legal before Run. Records restored as pending become failed - their
// submit calls died with the old session - so they surface as retryable.
func (e *Engine[P, T]) RestoreRecords(records []Record[P, T]) error {
	if e.started.Load() {
		return fmt.Errorf("restore: engine already started")
	}
	var maxSeq int64
	for _, rec := range records {
		if rec.Status == StatusPending {
			rec.Status = StatusFailed
			rec.FailureMessage = "interrupted: session ended before the server replied"
		}
		if rec.CreatedAt > maxSeq {
			maxSeq = rec.CreatedAt
		}
		e.store.Upsert(rec)
	}
	if maxSeq > e.cfg.Clock.Current() {
		e.cfg.Clock = NewClockAt(maxSeq)
	}
	e.recompute()
	return nil
}

// commandKind distinguishes caller-issued operations.
type commandKind int

const (
	cmdSubmit commandKind = iota + 1
	cmdRetry
	cmdDiscard
)

// command carries one caller operation through the queue, with a buffered
// reply channel so an abandoned caller never blocks the loop.
type command[P, T any] struct {
	kind          commandKind
	target        string
	payload       P
	supersede     bool
	correlationID string
	reply         chan commandReply
}

type commandReply struct {
	correlationID string
	err           error
}

// send enqueues a command and waits for the loop's reply.
func (e *Engine[P, T]) send(ctx context.Context, cmd *command[P, T]) (string, error) {
	if !e.queue.Enqueue(event[P, T]{kind: eventCommand, cmd: cmd}) {
		return "", ErrStopped
	}
	select {
	case r := <-cmd.reply:
		return r.correlationID, r.err
	case <-ctx.Done():
		// The command still executes; only the reply is abandoned.
		return "", ctx.Err()
	}
}

// processEvent applies one event, recomputes the view exactly once, then
// releases any waiting caller. Replying after the recompute guarantees a
// returned SubmitMutation call can already observe its optimistic item.
func (e *Engine[P, T]) processEvent(ev event[P, T]) {
	var reply *commandReply
	var replyTo chan commandReply

	switch ev.kind {
	case eventCommand:
		r := e.applyCommand(ev.cmd)
		reply, replyTo = &r, ev.cmd.reply
	case eventSubmitResolved:
		e.applySubmitResult(ev.submit)
	case eventPollResolved:
		e.applyPollResult(ev.poll)
	default:
		slog.Error("unknown event kind", "kind", ev.kind)
	}

	e.recompute()

	if reply != nil {
		replyTo <- *reply
	}
}

func (e *Engine[P, T]) applyCommand(cmd *command[P, T]) commandReply {
	switch cmd.kind {
	case cmdSubmit:
		id, err := e.applySubmit(cmd)
		return commandReply{correlationID: id, err: err}
	case cmdRetry:
		id, err := e.applyRetry(cmd.correlationID)
		return commandReply{correlationID: id, err: err}
	case cmdDiscard:
		return commandReply{err: e.applyDiscard(cmd.correlationID)}
	default:
		return commandReply{err: fmt.Errorf("unknown command kind: %d", cmd.kind)}
	}
}

// applySubmit implements the submitter state machine entry: supersede
// chaining, pending record creation, and submit dispatch.
func (e *Engine[P, T]) applySubmit(cmd *command[P, T]) (string, error) {
	var supersedes string
	if prior, ok := e.latestActive(cmd.target); ok {
		if prior.Status == StatusConfirmed && !cmd.supersede {
			return "", &InvalidStateError{
				Op:            "submit",
				CorrelationID: prior.CorrelationID,
				Target:        cmd.target,
				Status:        prior.Status,
				Message:       "target has a confirmed mutation awaiting canonical confirmation; use WithSupersede",
			}
		}
		if prior.Status == StatusPending {
			// The in-flight completion removes the record when it lands.
			prior.Superseded = true
			e.store.Upsert(prior)
		} else {
			// Already settled: no completion is coming to clean it up.
			e.store.Remove(prior.CorrelationID)
			e.dropWatchers(prior.CorrelationID)
		}
		supersedes = prior.CorrelationID
		slog.Debug("mutation superseded",
			"correlation_id", prior.CorrelationID,
			"target", cmd.target,
		)
	}

	id := e.cfg.Tokens.Generate()
	rec := Record[P, T]{
		CorrelationID: id,
		Target:        cmd.target,
		Payload:       cmd.payload,
		Status:        StatusPending,
		CreatedAt:     e.cfg.Clock.Next(),
		Supersedes:    supersedes,
		Attempts:      1,
	}
	e.store.Upsert(rec)
	e.cfg.Metrics.IncSubmitted()
	e.notifyStatus(id, StatusPending)

	slog.Debug("mutation submitted",
		"correlation_id", id,
		"target", cmd.target,
		"seq", rec.CreatedAt,
	)

	e.dispatchSubmit(id, cmd.payload)
	return id, nil
}

// applyRetry retires a failed record's correlation id and resubmits its
// payload under a fresh id in the same visual slot.
func (e *Engine[P, T]) applyRetry(correlationID string) (string, error) {
	rec, ok := e.store.Get(correlationID)
	if !ok {
		return "", &InvalidStateError{
			Op:            "retry",
			CorrelationID: correlationID,
			Message:       "unknown correlation id",
		}
	}
	if rec.Status != StatusFailed {
		return "", &InvalidStateError{
			Op:            "retry",
			CorrelationID: correlationID,
			Target:        rec.Target,
			Status:        rec.Status,
			Message:       "only failed mutations can be retried",
		}
	}

	e.store.Remove(correlationID)

	id := e.cfg.Tokens.Generate()
	next := Record[P, T]{
		CorrelationID: id,
		Target:        rec.Target,
		Payload:       rec.Payload,
		Status:        StatusPending,
		CreatedAt:     rec.CreatedAt, // same visual slot
		Supersedes:    correlationID,
		Attempts:      rec.Attempts + 1,
	}
	e.store.Upsert(next)
	e.cfg.Metrics.IncRetried()
	e.cfg.Metrics.IncSubmitted()
	e.notifyStatus(id, StatusPending)

	slog.Info("mutation retried",
		"correlation_id", id,
		"retired_id", correlationID,
		"target", rec.Target,
		"attempts", next.Attempts,
	)

	e.dispatchSubmit(id, rec.Payload)
	return id, nil
}

func (e *Engine[P, T]) applyDiscard(correlationID string) error {
	rec, ok := e.store.Get(correlationID)
	if !ok {
		return &InvalidStateError{
			Op:            "discard",
			CorrelationID: correlationID,
			Message:       "unknown correlation id",
		}
	}
	if rec.Status != StatusFailed {
		return &InvalidStateError{
			Op:            "discard",
			CorrelationID: correlationID,
			Target:        rec.Target,
			Status:        rec.Status,
			Message:       "only failed mutations can be discarded",
		}
	}
	e.store.Remove(correlationID)
	e.dropWatchers(correlationID)
	slog.Debug("mutation discarded", "correlation_id", correlationID, "target", rec.Target)
	return nil
}

// applySubmitResult honors or drops one submit resolution. Identity, not
// arrival order, decides: a missing or superseded record means a newer
// attempt owns the target and this result is discarded.
func (e *Engine[P, T]) applySubmitResult(res *submitResult[T]) {
	rec, ok := e.store.Get(res.correlationID)
	if !ok {
		slog.Debug("dropping completion for retired mutation", "correlation_id", res.correlationID)
		return
	}
	if rec.Superseded {
		slog.Debug("dropping completion for superseded mutation", "correlation_id", res.correlationID)
		e.store.Remove(res.correlationID)
		e.dropWatchers(res.correlationID)
		return
	}

	if res.err != nil {
		rec.Status = StatusFailed
		rec.FailureMessage = res.err.Error()
		e.store.Upsert(rec)
		e.cfg.Metrics.IncFailed()
		e.notifyStatus(rec.CorrelationID, StatusFailed)
		slog.Warn("mutation failed",
			"correlation_id", rec.CorrelationID,
			"target", rec.Target,
			"error", res.err,
		)
		return
	}

	rec.Status = StatusConfirmed
	rec.ServerID = res.outcome.ServerID
	oc := res.outcome
	rec.Outcome = &oc
	if e.cfg.Hooks.Freshness != nil {
		rec.OutcomeFreshness = e.cfg.Hooks.Freshness(oc.Data)
	}
	e.store.Upsert(rec)
	e.cfg.Metrics.IncConfirmed()
	e.notifyStatus(rec.CorrelationID, StatusConfirmed)
	slog.Debug("mutation confirmed",
		"correlation_id", rec.CorrelationID,
		"target", rec.Target,
		"server_id", rec.ServerID,
	)

	if e.cfg.PollOnConfirm {
		e.dispatchPoll(e.runCtx)
	}
}

// applyPollResult replaces the canonical snapshot wholesale, or skips the
// cycle on failure - existing state stays visible either way.
func (e *Engine[P, T]) applyPollResult(res *pollResult[T]) {
	if res.err != nil {
		e.cfg.Metrics.IncPollFailed()
		slog.Warn("poll failed; keeping previous snapshot", "error", res.err)
		return
	}
	e.snapshot = res.items
	e.cfg.Metrics.IncPolled()
	slog.Debug("canonical snapshot applied", "items", len(res.items))
}

// latestActive returns the most recent non-superseded record for a target.
func (e *Engine[P, T]) latestActive(target string) (Record[P, T], bool) {
	var found Record[P, T]
	var ok bool
	for _, rec := range e.store.List() {
		if rec.Superseded || rec.Target != target {
			continue
		}
		found, ok = rec, true
	}
	return found, ok
}

// recompute merges snapshot and records into a fresh view, removes records
// the snapshot has satisfied, publishes the view, and notifies observers.
func (e *Engine[P, T]) recompute() {
	view := Merge(e.snapshot, e.store.List(), e.cfg.Hooks)

	for _, id := range view.Resolved {
		e.store.Remove(id)
		e.dropWatchers(id)
		slog.Debug("mutation satisfied by canonical snapshot", "correlation_id", id)
	}
	for _, id := range view.StaleSkips {
		e.cfg.Metrics.IncStaleSkipped()
		slog.Debug("stale canonical value skipped", "correlation_id", id)
	}

	e.view.Store(&view)
	if e.cfg.Observer != nil {
		e.cfg.Observer(view)
	}
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// dispatchSubmit runs the opaque submit call off-loop and feeds the result
// back through the queue.
func (e *Engine[P, T]) dispatchSubmit(correlationID string, payload P) {
	ctx := e.runCtx
	go func() {
		outcome, err := e.cfg.Submit(ctx, payload)
		e.queue.Enqueue(event[P, T]{
			kind:   eventSubmitResolved,
			submit: &submitResult[T]{correlationID: correlationID, outcome: outcome, err: err},
		})
	}()
}

// dispatchPoll runs the opaque poll call off-loop and feeds the snapshot
// back through the queue.
func (e *Engine[P, T]) dispatchPoll(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		items, err := e.cfg.Poll(ctx)
		e.queue.Enqueue(event[P, T]{
			kind: eventPollResolved,
			poll: &pollResult[T]{items: items, err: err},
		})
	}()
}

// notifyStatus invokes status watchers for one correlation id, on the
// loop goroutine.
func (e *Engine[P, T]) notifyStatus(correlationID string, status Status) {
	e.watchMu.Lock()
	fns := e.watchers[correlationID]
	e.watchMu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

func (e *Engine[P, T]) dropWatchers(correlationID string) {
	e.watchMu.Lock()
	delete(e.watchers, correlationID)
	e.watchMu.Unlock()
}

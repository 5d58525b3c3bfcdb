package engine

import "sync"

// eventKind distinguishes between event kinds on the engine queue.
type eventKind int

const (
	// eventCommand is a caller-issued operation (submit, retry, discard)
	// carrying a reply channel.
	eventCommand eventKind = iota + 1
	// eventSubmitResolved is the resolution of an in-flight submit call.
	eventSubmitResolved
	// eventPollResolved is the resolution of a canonical poll.
	eventPollResolved
)

// event wraps commands and async completions for the engine queue.
type event[P, T any] struct {
	kind   eventKind
	cmd    *command[P, T]
	submit *submitResult[T]
	poll   *pollResult[T]
}

// submitResult carries the outcome of one submit call back to the loop.
// The correlation id, not arrival order, decides whether it is honored.
type submitResult[T any] struct {
	correlationID string
	outcome       Outcome[T]
	err           error
}

// pollResult carries one canonical snapshot (or a poll failure) back to
// the loop. Snapshots are full replacements, never incremental patches.
type pollResult[T any] struct {
	items []T
	err   error
}

// eventQueue is a thread-safe FIFO queue for engine events.
//
// The queue is unbounded so async completions never block the goroutines
// delivering them. Thread-safety covers external enqueuing (submit and
// poll goroutines, API callers) while the engine's Run loop dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type eventQueue[P, T any] struct {
	mu     sync.Mutex
	events []event[P, T]
	closed bool
	signal chan struct{} // signals event availability (buffered, size 1)
}

// newEventQueue creates an empty event queue.
func newEventQueue[P, T any]() *eventQueue[P, T] {
	return &eventQueue[P, T]{
		events: make([]event[P, T], 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *eventQueue[P, T]) Enqueue(e event[P, T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking signal - buffer of 1 coalesces multiple signals.
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (event{}, false) if the queue is empty.
func (q *eventQueue[P, T]) TryDequeue() (event[P, T], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return event[P, T]{}, false
	}

	e := q.events[0]

	// Nil out the slot so the array doesn't retain the event's pointers
	// until reallocation.
	q.events[0] = event[P, T]{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel closes when the queue closes, waking all waiters.
func (q *eventQueue[P, T]) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue[P, T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued.
func (q *eventQueue[P, T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

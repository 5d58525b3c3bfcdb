package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue[chatMsg, chatItem]()

	for _, id := range []string{"a", "b", "c"} {
		ok := q.Enqueue(event[chatMsg, chatItem]{
			kind:   eventSubmitResolved,
			submit: &submitResult[chatItem]{correlationID: id},
		})
		require.True(t, ok)
	}

	for _, want := range []string{"a", "b", "c"} {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, want, e.submit.correlationID)
	}

	_, ok := q.TryDequeue()
	assert.False(t, ok)
}

func TestEventQueue_Len(t *testing.T) {
	q := newEventQueue[chatMsg, chatItem]()
	assert.Equal(t, 0, q.Len())

	q.Enqueue(event[chatMsg, chatItem]{kind: eventPollResolved, poll: &pollResult[chatItem]{}})
	assert.Equal(t, 1, q.Len())

	q.TryDequeue()
	assert.Equal(t, 0, q.Len())
}

func TestEventQueue_Wait_SignalsOnEnqueue(t *testing.T) {
	q := newEventQueue[chatMsg, chatItem]()

	done := make(chan struct{})
	go func() {
		<-q.Wait()
		close(done)
	}()

	q.Enqueue(event[chatMsg, chatItem]{kind: eventPollResolved, poll: &pollResult[chatItem]{}})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter not signalled")
	}
}

func TestEventQueue_Close_RejectsAndWakes(t *testing.T) {
	q := newEventQueue[chatMsg, chatItem]()

	q.Close()
	q.Close() // idempotent

	ok := q.Enqueue(event[chatMsg, chatItem]{kind: eventPollResolved, poll: &pollResult[chatItem]{}})
	assert.False(t, ok)

	// Closed signal channel wakes all waiters immediately.
	select {
	case <-q.Wait():
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Close")
	}
}

package engine

import "sync/atomic"

// Clock is a monotonic logical clock for record ordering keys.
//
// Every submitted mutation is stamped with a strictly increasing sequence
// number from this clock. Logical sequence numbers, not wall-clock times,
// order the merged view: they are immune to clock skew and make replayed
// histories deterministic.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations),
// though the engine's single-writer loop is normally the only caller of
// Next().
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used when restoring a snapshotted session to resume past the highest
// restored ordering key.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}

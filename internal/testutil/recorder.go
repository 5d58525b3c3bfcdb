package testutil

import "sync"

// Recorder collects status transitions emitted by engine callbacks.
//
// Generic over the status type so this package stays import-free of the
// engine (engine's own tests use it too).
//
// Thread-safety: all methods are safe for concurrent use via internal mutex.
type Recorder[S ~string] struct {
	mu     sync.Mutex
	values []S
}

// NewRecorder creates an empty recorder.
func NewRecorder[S ~string]() *Recorder[S] {
	return &Recorder[S]{}
}

// Record appends one value. Pass the method value directly as a callback:
//
//	eng.OnStatusChange(id, rec.Record)
func (r *Recorder[S]) Record(v S) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

// Values returns a copy of everything recorded so far.
func (r *Recorder[S]) Values() []S {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]S, len(r.values))
	copy(out, r.values)
	return out
}

// Strings returns the recorded values as plain strings, for assertions
// against scenario status histories.
func (r *Recorder[S]) Strings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.values))
	for i, v := range r.values {
		out[i] = string(v)
	}
	return out
}

// Reset clears the recorder for reuse.
func (r *Recorder[S]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = nil
}

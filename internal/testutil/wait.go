package testutil

import (
	"testing"
	"time"
)

// WaitFor polls cond until it returns true or the timeout elapses.
// Fails the test on timeout. Use for loop-goroutine effects that have no
// channel to wait on directly.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out after %s waiting for: %s", timeout, msg)
}

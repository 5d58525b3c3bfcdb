package engine

import (
	"errors"
	"fmt"
)

// ErrStopped is returned by engine operations after Stop() or after the
// Run context is cancelled.
var ErrStopped = errors.New("engine stopped")

// InvalidStateError reports a contract violation by the caller: retrying
// or discarding a record that is not failed, or submitting to a target
// whose previous mutation is confirmed but not yet canonical without
// declaring supersede intent.
//
// This is a programmer error, not a runtime condition. It propagates to
// the caller instead of being recorded on the mutation.
type InvalidStateError struct {
	// Op is the operation that was attempted ("submit", "retry", "discard").
	Op string

	// CorrelationID identifies the offending record, if known.
	CorrelationID string

	// Target is the logical target involved, if known.
	Target string

	// Status is the record's actual status at the time of the call.
	Status Status

	// Message is a human-readable description.
	Message string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	if e.CorrelationID != "" {
		return fmt.Sprintf("%s: %s (correlation_id=%s, status=%s)", e.Op, e.Message, e.CorrelationID, e.Status)
	}
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (target=%s)", e.Op, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// IsInvalidState returns true if the error is an InvalidStateError.
// Uses errors.As to handle wrapped errors.
func IsInvalidState(err error) bool {
	var ise *InvalidStateError
	return errors.As(err, &ise)
}

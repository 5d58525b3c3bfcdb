package engine

// Status is the lifecycle state of a mutation record.
//
// A record is created as StatusPending, moves to StatusConfirmed or
// StatusFailed exactly once when the submit call resolves, and is removed
// from the store when the canonical snapshot satisfies it (confirmed) or
// when the user retries or discards it (failed).
type Status string

const (
	// StatusPending means the submit call has been dispatched and has not
	// resolved yet. The merged view shows an optimistic placeholder.
	StatusPending Status = "pending"

	// StatusConfirmed means the server accepted the mutation and assigned
	// a canonical identity. The placeholder remains visible until a poll
	// snapshot contains the matching canonical item.
	StatusConfirmed Status = "confirmed"

	// StatusFailed means the submit call rejected. The placeholder remains
	// visible with a retry affordance; the payload is preserved unchanged.
	StatusFailed Status = "failed"
)

// Outcome is the server's reply to a successful submit call.
type Outcome[T any] struct {
	// ServerID is the canonical identity the server assigned.
	ServerID string `json:"server_id"`

	// Data is the server's echo of the persisted item.
	Data T `json:"data"`
}

// Record is one optimistic mutation attempt against a logical target.
//
// The correlation id is client-generated and stable for the lifetime of one
// attempt. A retry retires the old id permanently and creates a new record
// that inherits CreatedAt, so the placeholder keeps its visual slot.
//
// Records are value types: the store hands out copies, and only the engine's
// single-writer loop writes them back. Outcome is set once at confirmation
// and never mutated afterwards, so sharing the pointer across copies is safe.
type Record[P, T any] struct {
	// CorrelationID matches this attempt to its eventual server result,
	// independent of transport ordering. Never reused.
	CorrelationID string

	// Target names the logical resource being mutated (one chat, one
	// profile image slot). Supersede chaining is per-target.
	Target string

	// Payload is the data being mutated. Opaque to the engine; preserved
	// verbatim for retry.
	Payload P

	// Status is the state machine position. See Status constants.
	Status Status

	// ServerID is set when the server assigns a canonical identity.
	// Empty while pending or failed.
	ServerID string

	// CreatedAt is the logical ordering key (engine clock sequence).
	// Stable across retries.
	CreatedAt int64

	// Supersedes is the correlation id of the earlier attempt on the same
	// target that this record replaced, if any.
	Supersedes string

	// Superseded marks this record as replaced by a newer attempt. A
	// superseded record is invisible to the merger and its eventual
	// completion is dropped on arrival.
	Superseded bool

	// Attempts counts submit attempts across the retry chain.
	Attempts int

	// FailureMessage is the human-readable message from the last submit
	// rejection. Empty unless failed.
	FailureMessage string

	// Outcome is the server reply, set at confirmation.
	Outcome *Outcome[T]

	// OutcomeFreshness is the freshness token of Outcome.Data, captured at
	// confirmation via the Freshness hook. Used by the merger to refuse
	// stale canonical overwrites.
	OutcomeFreshness int64
}

package engine

// Hooks supply the caller-specific identity and freshness logic the merger
// needs to match canonical items against mutation records.
type Hooks[P, T any] struct {
	// ServerID extracts the canonical identity from an item. Required.
	ServerID func(item T) string

	// CorrelationOf extracts a client correlation id echoed by the server,
	// if the backend echoes one. Optional. Return "" when absent.
	CorrelationOf func(item T) string

	// Correlate is a caller-supplied equality heuristic (same target plus
	// timestamp window, for example) used when the server neither assigned
	// an id yet nor echoes correlation ids. Optional.
	Correlate func(item T, rec Record[P, T]) bool

	// Freshness extracts a monotonically comparable freshness token
	// (version, ETag ordinal, timestamp) from a canonical item. Optional;
	// without it the freshness guard is disabled and canonical always wins.
	Freshness func(item T) int64
}

// ViewItem is one visible entry of the merged view.
//
// Exactly one of Canonical, Local, Payload is set:
//   - Canonical: the entry is backed by the snapshot.
//   - Local: a confirmed submit result shown instead of the canonical value
//     (snapshot hasn't caught up, or its copy is stale).
//   - Payload: a pending or failed placeholder built from the original
//     mutation payload.
type ViewItem[P, T any] struct {
	// CorrelationID is set for entries sourced from a mutation record.
	CorrelationID string

	// ServerID is set for canonical entries and for confirmed records
	// whose server identity is already known.
	ServerID string

	Canonical *T
	Local     *T
	Payload   *P

	// Optimistic marks placeholders not yet backed by the snapshot.
	Optimistic bool

	// Confirmed marks entries whose mutation the server has accepted but
	// whose canonical item the snapshot doesn't correctly reflect yet.
	Confirmed bool

	// Failed marks a failed placeholder awaiting retry or discard.
	Failed bool

	// FailureMessage carries the submit rejection message when Failed.
	FailureMessage string

	// OrderKey is the record's CreatedAt for placeholder entries, 0 for
	// canonical entries (which keep snapshot order).
	OrderKey int64
}

// MergedView is the reconciled view: the canonical snapshot in its own
// order, followed by unresolved placeholders in creation order.
//
// Invariant: no correlation id appears twice, and no logical item is
// represented by both a placeholder and its canonical counterpart.
type MergedView[P, T any] struct {
	Items []ViewItem[P, T]

	// Resolved lists correlation ids the snapshot now satisfies. The view
	// already excludes their placeholders; the owner of the record store
	// should remove them.
	Resolved []string

	// StaleSkips lists correlation ids whose canonical copy was discarded
	// by the freshness guard because the locally-confirmed value is newer.
	StaleSkips []string
}

// Merge combines the latest canonical snapshot with outstanding mutation
// records into the view the UI renders.
//
// Pure and deterministic: it never mutates its inputs, and identical inputs
// yield identical output. Records must be ordered by CreatedAt (RecordStore
// List order).
//
// Algorithm:
//  1. The snapshot is the base ordered list.
//  2. A confirmed record whose server id appears in the snapshot is
//     resolved - unless the snapshot's copy carries a strictly older
//     freshness token than the one applied locally, in which case the
//     local value is kept and the canonical copy skipped (a slow poll
//     must not clobber a just-completed update).
//  3. Confirmed records the snapshot doesn't contain yet keep their
//     placeholder - dropping early would flicker the item out of the list
//     until the next poll.
//  4. Pending and failed records are appended as optimistic placeholders
//     unless the snapshot already covers them (server id echo or the
//     caller's correlation heuristic). A covered failed record is resolved:
//     the server persisted it even though the submit call rejected.
//  5. Superseded records are invisible.
func Merge[P, T any](snapshot []T, records []Record[P, T], hooks Hooks[P, T]) MergedView[P, T] {
	var view MergedView[P, T]

	// Confirmed records by server id, for snapshot matching.
	confirmed := make(map[string]Record[P, T])
	for _, rec := range records {
		if rec.Superseded {
			continue
		}
		if rec.Status == StatusConfirmed && rec.ServerID != "" {
			confirmed[rec.ServerID] = rec
		}
	}

	// covered marks pending/failed records the snapshot already represents.
	covered := make(map[string]bool)
	seenServer := make(map[string]bool)

	for i := range snapshot {
		item := snapshot[i]
		sid := hooks.ServerID(item)
		seenServer[sid] = true

		if rec, ok := confirmed[sid]; ok {
			if hooks.Freshness != nil && rec.Outcome != nil && hooks.Freshness(item) < rec.OutcomeFreshness {
				// Freshness guard: the snapshot's copy predates the value
				// applied at confirmation. Keep the local value in the
				// canonical slot until a newer poll catches up.
				local := rec.Outcome.Data
				view.Items = append(view.Items, ViewItem[P, T]{
					CorrelationID: rec.CorrelationID,
					ServerID:      sid,
					Local:         &local,
					Confirmed:     true,
					OrderKey:      rec.CreatedAt,
				})
				view.StaleSkips = append(view.StaleSkips, rec.CorrelationID)
				continue
			}
			view.Resolved = append(view.Resolved, rec.CorrelationID)
		}

		for _, rec := range records {
			if rec.Superseded || rec.Status == StatusConfirmed || covered[rec.CorrelationID] {
				continue
			}
			if correlated(item, rec, hooks) {
				covered[rec.CorrelationID] = true
				if rec.Status == StatusFailed {
					view.Resolved = append(view.Resolved, rec.CorrelationID)
				}
			}
		}

		it := item
		view.Items = append(view.Items, ViewItem[P, T]{ServerID: sid, Canonical: &it})
	}

	for _, rec := range records {
		if rec.Superseded {
			continue
		}
		switch rec.Status {
		case StatusConfirmed:
			if rec.ServerID != "" && seenServer[rec.ServerID] {
				continue // resolved or stale-guarded above
			}
			vi := ViewItem[P, T]{
				CorrelationID: rec.CorrelationID,
				ServerID:      rec.ServerID,
				Optimistic:    true,
				Confirmed:     true,
				OrderKey:      rec.CreatedAt,
			}
			if rec.Outcome != nil {
				local := rec.Outcome.Data
				vi.Local = &local
			} else {
				p := rec.Payload
				vi.Payload = &p
			}
			view.Items = append(view.Items, vi)

		case StatusPending, StatusFailed:
			if covered[rec.CorrelationID] {
				continue
			}
			p := rec.Payload
			vi := ViewItem[P, T]{
				CorrelationID: rec.CorrelationID,
				Payload:       &p,
				Optimistic:    true,
				OrderKey:      rec.CreatedAt,
			}
			if rec.Status == StatusFailed {
				vi.Failed = true
				vi.FailureMessage = rec.FailureMessage
			}
			view.Items = append(view.Items, vi)
		}
	}

	return view
}

// correlated reports whether a canonical item represents a pending or
// failed record, by server echo first, then the caller's heuristic.
func correlated[P, T any](item T, rec Record[P, T], hooks Hooks[P, T]) bool {
	if hooks.CorrelationOf != nil && hooks.CorrelationOf(item) == rec.CorrelationID {
		return true
	}
	if hooks.Correlate != nil && hooks.Correlate(item, rec) {
		return true
	}
	return false
}

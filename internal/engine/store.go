package engine

import (
	"sort"
	"sync"
)

// RecordStore holds in-flight and recently-resolved mutation records, keyed
// by correlation id.
//
// Ownership model: the engine's Run loop is the only writer. Any goroutine
// may read. The store hands out value copies, never interior pointers, so
// readers can't observe partial writes.
//
// Storage is in-memory only. Persistence across sessions is the caller's
// responsibility via List/restore (see the snapshot package).
type RecordStore[P, T any] struct {
	mu      sync.Mutex
	records map[string]Record[P, T]
	order   []string // correlation ids in insertion order, for stable sorting
}

// NewRecordStore creates an empty record store.
func NewRecordStore[P, T any]() *RecordStore[P, T] {
	return &RecordStore[P, T]{
		records: make(map[string]Record[P, T]),
	}
}

// Upsert inserts or replaces the record keyed by its correlation id.
func (s *RecordStore[P, T]) Upsert(rec Record[P, T]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.CorrelationID]; !exists {
		s.order = append(s.order, rec.CorrelationID)
	}
	s.records[rec.CorrelationID] = rec
}

// Get returns a copy of the record for the given correlation id.
func (s *RecordStore[P, T]) Get(correlationID string) (Record[P, T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[correlationID]
	return rec, ok
}

// List returns copies of all records ordered by CreatedAt.
//
// Ties (a retry inherits its predecessor's CreatedAt) are broken by
// insertion order, so the order is deterministic for identical histories.
func (s *RecordStore[P, T]) List() []Record[P, T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record[P, T], 0, len(s.records))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Remove deletes the record for the given correlation id.
// Removing an absent id is a no-op.
func (s *RecordStore[P, T]) Remove(correlationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[correlationID]; !ok {
		return
	}
	delete(s.records, correlationID)
	for i, id := range s.order {
		if id == correlationID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of stored records.
func (s *RecordStore[P, T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

package audit

import (
	"context"
	"sync"
)

// InMemoryStore keeps exception records in memory. It backs unit tests and
// deployments that have not configured postgres.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []ExceptionRecord
}

// NewInMemoryStore constructs an empty in-memory exception store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, rec ExceptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *InMemoryStore) ListRecent(_ context.Context, limit int) ([]ExceptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	// Newest first.
	out := make([]ExceptionRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

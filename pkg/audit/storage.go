package audit

import (
	"context"
	"sync"
)

// MemoryStorage is an in-memory Storage implementation for tests and
// development.
type MemoryStorage struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

// Append persists one entry.
func (s *MemoryStorage) Append(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.entries = append(s.entries, &cp)
	return nil
}

// Entries returns matching entries, newest first.
func (s *MemoryStorage) Entries(ctx context.Context, q Query) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if q.CallerID != 0 && e.CallerID != q.CallerID {
			continue
		}
		if q.Command != "" && e.Command != q.Command {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of stored entries.
func (s *MemoryStorage) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// Close is a no-op; entries remain queryable after shutdown.
func (s *MemoryStorage) Close() error {
	return nil
}

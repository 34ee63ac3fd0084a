// Package cache provides a TTL-bounded key/value store for expensive
// backend read results. Expiry is evaluated lazily at read time and
// misses are never cached.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Store is a concurrency-safe TTL cache. The zero value is not usable;
// construct with New.
type Store[V any] struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]entry[V]

	hits   int64
	misses int64
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a cache holding at most maxSize entries. When full, Put
// sweeps expired entries and evicts arbitrary ones if still over
// capacity.
func New[V any](maxSize int) *Store[V] {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Store[V]{
		maxSize: maxSize,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if present and unexpired.
// Expired entries are removed on access.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.misses++
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		s.misses++
		var zero V
		return zero, false
	}
	s.hits++
	return e.value, true
}

// Put stores value under key for ttl.
func (s *Store[V]) Put(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.maxSize {
		s.evict()
	}
	s.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Invalidate removes key. Called by the dispatcher immediately after any
// backend mutation affecting that key, before the audit entry is written.
func (s *Store[V]) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// InvalidatePrefix removes every entry whose key starts with prefix.
// Used to drop list pages after a mutation.
func (s *Store[V]) InvalidatePrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

// Len returns the number of entries, expired ones included.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns cumulative hit and miss counts.
func (s *Store[V]) Stats() (hits, misses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

// evict drops expired entries, then arbitrary ones until under capacity.
// Must hold lock.
func (s *Store[V]) evict() {
	now := time.Now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	for k := range s.entries {
		if len(s.entries) < s.maxSize {
			break
		}
		delete(s.entries, k)
	}
}

package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Expired entries are removed lazily
// on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means permanent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value stored under ns and key.
func (s *MemoryStore) Get(_ context.Context, ns Namespace, key string) ([]byte, bool, error) {
	flat, err := FlatKey(ns, key)
	if err != nil {
		return nil, false, err
	}

	s.mu.RLock()
	entry, ok := s.entries[flat]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[flat]; ok && cur.expiresAt.Equal(entry.expiresAt) {
			delete(s.entries, flat)
		}
		s.mu.Unlock()
		return nil, false, nil
	}

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

// Put stores value. A ttl <= 0 keeps the value until it is deleted.
func (s *MemoryStore) Put(_ context.Context, ns Namespace, key string, value []byte, ttl time.Duration) error {
	flat, err := FlatKey(ns, key)
	if err != nil {
		return err
	}

	entry := memoryEntry{value: make([]byte, len(value))}
	copy(entry.value, value)
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[flat] = entry
	s.mu.Unlock()
	return nil
}

// Delete removes the value. Deleting a missing key is not an error.
func (s *MemoryStore) Delete(_ context.Context, ns Namespace, key string) error {
	flat, err := FlatKey(ns, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, flat)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries, including expired ones not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

var _ Store = (*MemoryStore)(nil)

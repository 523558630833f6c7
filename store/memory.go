package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and in single-instance
// deployments that do not need cross-process accounting. Expired entries are
// dropped on read.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	data      *BudgetStateData
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock injects a time source for expiry tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) get(scopeKey string) (*BudgetStateData, bool) {
	entry, ok := s.entries[scopeKey]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && !s.clock().Before(entry.expiresAt) {
		delete(s.entries, scopeKey)
		return nil, false
	}
	return entry.data, true
}

func (s *MemoryStore) Get(_ context.Context, scopeKey string) (*BudgetStateData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.get(scopeKey)
	if !ok {
		return nil, ErrNotFound
	}
	return data.Clone(), nil
}

func (s *MemoryStore) CompareAndSet(_ context.Context, scopeKey string, expectedVersion int64, data *BudgetStateData, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	currentVersion := int64(0)
	if current, ok := s.get(scopeKey); ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return ErrCASConflict
	}
	next := data.Clone()
	next.Version = expectedVersion + 1
	s.entries[scopeKey] = memoryEntry{data: next, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) SetWithTTL(_ context.Context, scopeKey string, data *BudgetStateData, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[scopeKey] = memoryEntry{data: data.Clone(), expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) ListKeys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.entries {
		if _, ok := s.get(k); !ok {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) Healthy() bool { return true }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)

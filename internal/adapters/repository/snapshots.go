package repository

import (
	"context"
	"slices"
	"sync"
	"time"
)

const defaultRetention = 24 * time.Hour

type snapshot struct {
	data    []byte
	updated time.Time
}

// MemorySnapshotStore implements SnapshotStore in memory.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	items     map[string]snapshot
	retention time.Duration
	now       func() time.Time
}

// NewMemorySnapshotStore creates an empty store.
func NewMemorySnapshotStore(opts ...Option) *MemorySnapshotStore {
	s := &MemorySnapshotStore{
		items:     make(map[string]snapshot),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put implements SnapshotStore.
func (s *MemorySnapshotStore) Put(_ context.Context, requestID string, data []byte) error {
	s.mu.Lock()
	s.items[requestID] = snapshot{data: slices.Clone(data), updated: s.now()}
	s.mu.Unlock()
	return nil
}

// Get implements SnapshotStore.
func (s *MemorySnapshotStore) Get(_ context.Context, requestID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.items[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(snap.data), nil
}

// Delete implements SnapshotStore.
func (s *MemorySnapshotStore) Delete(_ context.Context, requestID string) error {
	s.mu.Lock()
	delete(s.items, requestID)
	s.mu.Unlock()
	return nil
}

// Count implements SnapshotStore.
func (s *MemorySnapshotStore) Count(_ context.Context) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Sweep drops snapshots older than the retention and returns how many.
func (s *MemorySnapshotStore) Sweep(_ context.Context) int {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, snap := range s.items {
		if snap.updated.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	return n
}

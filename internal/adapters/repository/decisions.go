package repository

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// prepare validates rec and fills the id and timestamp.
func prepare(rec protocol.DecisionRecord, now time.Time) (protocol.DecisionRecord, error) {
	if rec.ParticipantID == "" {
		return rec, fmt.Errorf("%w: empty participant id", ErrInvalidRecord)
	}
	if rec.UserAction == "" {
		return rec, fmt.Errorf("%w: empty user action", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC()
	return rec, nil
}

// MemoryDecisionStore implements DecisionStore in memory.
type MemoryDecisionStore struct {
	mu   sync.RWMutex
	logs map[string][]protocol.DecisionRecord
}

// NewMemoryDecisionStore creates an empty store.
func NewMemoryDecisionStore() *MemoryDecisionStore {
	return &MemoryDecisionStore{logs: make(map[string][]protocol.DecisionRecord)}
}

// Append implements DecisionStore.
func (s *MemoryDecisionStore) Append(_ context.Context, rec protocol.DecisionRecord) (protocol.DecisionRecord, error) {
	rec, err := prepare(rec, time.Now())
	if err != nil {
		return rec, err
	}
	s.mu.Lock()
	log := s.logs[rec.ParticipantID]
	// Keep the log ordered by timestamp; equal timestamps keep append order.
	i := sort.Search(len(log), func(i int) bool { return log[i].Timestamp.After(rec.Timestamp) })
	s.logs[rec.ParticipantID] = slices.Insert(log, i, rec)
	s.mu.Unlock()
	return rec, nil
}

// Recent implements DecisionStore.
func (s *MemoryDecisionStore) Recent(_ context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error) {
	if limit <= 0 {
		return nil, ErrInvalidLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.logs[participantID]
	n := min(limit, len(log))
	out := make([]protocol.DecisionRecord, 0, n)
	for i := len(log) - 1; i >= len(log)-n; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

// Close implements DecisionStore.
func (s *MemoryDecisionStore) Close() error { return nil }

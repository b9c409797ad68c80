// Package repository holds the persistence adapters: per-participant decision
// history and coordinator state snapshots.
package repository

import (
	"context"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// DecisionStore is one participant process's append-only decision log.
// Records are never shared across participants.
type DecisionStore interface {
	// Append adds rec, assigning an id and timestamp when missing.
	Append(ctx context.Context, rec protocol.DecisionRecord) (protocol.DecisionRecord, error)
	// Recent returns up to limit records for participantID, newest first.
	Recent(ctx context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error)
	// Close releases underlying resources.
	Close() error
}

// SnapshotStore keeps the latest encoded coordinator state per request.
type SnapshotStore interface {
	Put(ctx context.Context, requestID string, data []byte) error
	// Get returns ErrNotFound for unknown requests.
	Get(ctx context.Context, requestID string) ([]byte, error)
	Delete(ctx context.Context, requestID string) error
	Count(ctx context.Context) int
}

package repository

import "time"

// Option applies a configuration option to the MemorySnapshotStore.
type Option func(*MemorySnapshotStore)

// WithRetention drops snapshots not updated for d when Sweep runs.
func WithRetention(d time.Duration) Option {
	return func(s *MemorySnapshotStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *MemorySnapshotStore) {
		if now != nil {
			s.now = now
		}
	}
}

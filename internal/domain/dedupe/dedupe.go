// Package dedupe tracks in-flight scheduling requests so the same request id
// is never run twice at the same time, and lets a running request be
// cancelled by id.
package dedupe

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrInFlight is returned when the id is already being processed.
	ErrInFlight = errors.New("request already in flight")
	// ErrFull is returned when the tracker is at capacity.
	ErrFull = errors.New("too many requests in flight")
)

// Tracker records in-flight request ids.
type Tracker interface {
	// Acquire records id. It fails with ErrInFlight when id is already
	// recorded and ErrFull when the tracker is at capacity.
	Acquire(ctx context.Context, id string) error

	// Bind derives the context the request runs under. Cancel(id) cancels
	// it, including when Cancel was called before Bind.
	Bind(ctx context.Context, id string) (context.Context, context.CancelFunc)

	// Cancel cancels a recorded request. It reports whether id was found.
	Cancel(id string) bool

	// Release forgets id; a finished id may be acquired again.
	Release(ctx context.Context, id string)

	Size() int64
}

type entry struct {
	cancel    context.CancelFunc
	cancelled bool
}

// inMemoryTracker implements Tracker with a map guarded by a mutex.
// For bounded mode (maxSize > 0) Acquire refuses ids past the limit.
type inMemoryTracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	maxSize int
	size    atomic.Int64
}

// NewInMemoryTracker creates a tracker with configuration options.
func NewInMemoryTracker(opts ...Option) Tracker {
	t := &inMemoryTracker{}
	for _, opt := range opts {
		opt(t)
	}
	t.entries = make(map[string]*entry)
	return t
}

func (t *inMemoryTracker) Acquire(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return ErrInFlight
	}
	if t.maxSize > 0 && len(t.entries) >= t.maxSize {
		return ErrFull
	}
	t.entries[id] = &entry{}
	t.size.Add(1)
	return nil
}

func (t *inMemoryTracker) Bind(ctx context.Context, id string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || e.cancelled {
		cancel()
		return ctx, cancel
	}
	e.cancel = cancel
	return ctx, cancel
}

func (t *inMemoryTracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	e.cancelled = true
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

func (t *inMemoryTracker) Release(_ context.Context, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
	}
	delete(t.entries, id)
	t.size.Add(-1)
}

// Size returns the number of in-flight requests.
func (t *inMemoryTracker) Size() int64 {
	return t.size.Load()
}

package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// ErrNotPending is returned when no choice is awaited for a request.
var ErrNotPending = errors.New("no pending escalation")

// Pending is what the initiator sees for an escalated request: tokens and
// aggregate scores, never slots.
type Pending struct {
	RequestID string            `json:"request_id"`
	Initiator string            `json:"initiator"`
	Reason    protocol.Reason   `json:"reason"`
	Options   []protocol.Option `json:"options"`
	// Suggestions lists participants whose scorer asked for escalation.
	Suggestions []protocol.Suggestion `json:"suggestions,omitempty"`
	Tokens      protocol.TokenList    `json:"-"`
	Since       time.Time             `json:"since"`
}

// Choice is the initiator's answer.
type Choice struct {
	Token  protocol.Token
	Cancel bool
}

type waiter struct {
	pending Pending
	ch      chan Choice
}

// Inbox holds pending escalations keyed by request id.
type Inbox struct {
	mu      sync.Mutex
	waiters map[string]*waiter
	now     func() time.Time
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	return &Inbox{waiters: make(map[string]*waiter), now: time.Now}
}

// Await registers p and blocks until the initiator chooses, cancels, ctx is
// done or timeout elapses.
func (i *Inbox) Await(ctx context.Context, p Pending, timeout time.Duration) (protocol.Token, error) {
	w := &waiter{pending: p, ch: make(chan Choice, 1)}
	w.pending.Since = i.now()

	i.mu.Lock()
	if _, dup := i.waiters[p.RequestID]; dup {
		i.mu.Unlock()
		return "", fmt.Errorf("await choice: %w: %q already pending", protocol.ErrInvalidInput, p.RequestID)
	}
	i.waiters[p.RequestID] = w
	i.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c := <-w.ch:
		return answer(c)
	case <-ctx.Done():
		// Cancellation wins over a choice that raced it.
		i.withdraw(w)
		return "", fmt.Errorf("await choice: %w: %w", protocol.ErrCancelled, ctx.Err())
	case <-timer.C:
		if !i.withdraw(w) {
			// Choose accepted an answer before the wait was withdrawn.
			return answer(<-w.ch)
		}
		return "", fmt.Errorf("await choice: %w after %s", protocol.ErrEscalationTimeout, timeout)
	}
}

func answer(c Choice) (protocol.Token, error) {
	if c.Cancel {
		return "", fmt.Errorf("await choice: %w by initiator", protocol.ErrCancelled)
	}
	return c.Token, nil
}

// withdraw removes w so no later Choose can reach it. It reports false when
// Choose already took w.
func (i *Inbox) withdraw(w *waiter) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.waiters[w.pending.RequestID] != w {
		return false
	}
	delete(i.waiters, w.pending.RequestID)
	return true
}

// Choose answers a pending escalation. Only the initiator may choose, and
// only a token from the request's token list.
func (i *Inbox) Choose(requestID, participantID string, c Choice) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	w, ok := i.waiters[requestID]
	if !ok {
		return fmt.Errorf("choose %q: %w", requestID, ErrNotPending)
	}
	if participantID != w.pending.Initiator {
		return fmt.Errorf("choose %q: %w", requestID, protocol.ErrNotEntitled)
	}
	if !c.Cancel && !w.pending.Tokens.Contains(c.Token) {
		return fmt.Errorf("choose %q: %w: unknown token", requestID, protocol.ErrInvalidInput)
	}

	w.ch <- c
	delete(i.waiters, requestID)
	return nil
}

// Get returns the pending escalation for requestID.
func (i *Inbox) Get(requestID string) (Pending, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	w, ok := i.waiters[requestID]
	if !ok {
		return Pending{}, false
	}
	return w.pending, true
}

// Len returns the number of pending escalations.
func (i *Inbox) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.waiters)
}

// List returns pending escalations for initiator, oldest first. An empty
// initiator matches nothing.
func (i *Inbox) List(initiator string) []Pending {
	if initiator == "" {
		return nil
	}
	i.mu.Lock()
	out := make([]Pending, 0, len(i.waiters))
	for _, w := range i.waiters {
		if w.pending.Initiator == initiator {
			out = append(out, w.pending)
		}
	}
	i.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].Since.Equal(out[b].Since) {
			return out[a].Since.Before(out[b].Since)
		}
		return out[a].RequestID < out[b].RequestID
	})
	return out
}

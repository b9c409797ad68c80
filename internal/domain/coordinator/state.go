package coordinator

import (
	"context"
	"maps"
	"slices"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// State is everything the coordinator knows about a request. It has no
// time-valued field: the coordinator never holds a slot.
type State struct {
	RequestID    string                       `json:"request_id" cbor:"request_id"`
	Initiator    string                       `json:"initiator" cbor:"initiator"`
	Phase        protocol.Phase               `json:"phase" cbor:"phase"`
	Tokens       protocol.TokenList           `json:"tokens" cbor:"tokens"`
	Scores       map[protocol.Token]float64   `json:"scores,omitempty" cbor:"scores,omitempty"`
	Contributors []string                     `json:"contributors,omitempty" cbor:"contributors,omitempty"`
	Excluded     []protocol.Exclusion         `json:"excluded,omitempty" cbor:"excluded,omitempty"`
	Suggestions  []protocol.Suggestion        `json:"suggestions,omitempty" cbor:"suggestions,omitempty"`
	Decision     *protocol.EscalationDecision `json:"decision,omitempty" cbor:"decision,omitempty"`
	Winner       protocol.Token               `json:"winner,omitempty" cbor:"winner,omitempty"`
	Error        string                       `json:"error,omitempty" cbor:"error,omitempty"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Tokens = slices.Clone(s.Tokens)
	s.Scores = maps.Clone(s.Scores)
	s.Contributors = slices.Clone(s.Contributors)
	s.Excluded = slices.Clone(s.Excluded)
	s.Suggestions = slices.Clone(s.Suggestions)
	if s.Decision != nil {
		d := *s.Decision
		d.Options = slices.Clone(d.Options)
		s.Decision = &d
	}
	return s
}

// Observer receives a copy of the state after every transition.
type Observer interface {
	Observe(ctx context.Context, s State)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, s State)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, s State) { f(ctx, s) }

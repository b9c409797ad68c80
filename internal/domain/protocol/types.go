// Package protocol contains the data model shared by the token service, the
// participant scorers and the coordinator.
package protocol

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Score bounds. 0 is a hard refusal, 100 is ideal.
const (
	MinScore = 0
	MaxScore = 100
)

// Role is a participant's role in a request.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleRequired  Role = "required"
	RoleOptional  Role = "optional"
)

// Participant is one calendar owner taking part in a request.
type Participant struct {
	ID     string  `json:"id"`
	Role   Role    `json:"role"`
	Weight float64 `json:"weight"`
}

// Meeting carries the metadata shown to each participant's oracle.
type Meeting struct {
	Title     string `json:"title"`
	Organizer string `json:"organizer"`
	Type      string `json:"type"`
	External  bool   `json:"external"`
}

// SchedulingRequest is immutable once created; use Clone before handing it
// to code that may retain it.
type SchedulingRequest struct {
	ID           string        `json:"id"`
	Initiator    string        `json:"initiator"`
	Participants []Participant `json:"participants"`
	Window       Window        `json:"window"`
	Meeting      Meeting       `json:"meeting"`
}

// Clone returns a deep copy.
func (r SchedulingRequest) Clone() SchedulingRequest {
	r.Participants = slices.Clone(r.Participants)
	return r
}

// Participant looks up a participant by id.
func (r SchedulingRequest) Participant(id string) (Participant, bool) {
	for _, p := range r.Participants {
		if p.ID == id {
			return p, true
		}
	}
	return Participant{}, false
}

// ParticipantIDs returns the participant ids in request order.
func (r SchedulingRequest) ParticipantIDs() []string {
	ids := make([]string, len(r.Participants))
	for i, p := range r.Participants {
		ids[i] = p.ID
	}
	return ids
}

// Validate checks the request shape. Weights must already be resolved.
func (r SchedulingRequest) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: empty request id", ErrInvalidInput)
	}
	if len(r.Participants) == 0 {
		return fmt.Errorf("%w: empty participant list", ErrInvalidInput)
	}
	seen := make(map[string]bool, len(r.Participants))
	for _, p := range r.Participants {
		if p.ID == "" {
			return fmt.Errorf("%w: empty participant id", ErrInvalidInput)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate participant %q", ErrInvalidInput, p.ID)
		}
		seen[p.ID] = true
		if p.Weight <= 0 {
			return fmt.Errorf("%w: participant %q has non-positive weight", ErrInvalidInput, p.ID)
		}
	}
	if !seen[r.Initiator] {
		return fmt.Errorf("%w: initiator %q is not a participant", ErrInvalidInput, r.Initiator)
	}
	return r.Window.Validate()
}

// Token is an opaque slot identifier: 32 lowercase hex characters.
type Token string

// TokenLen is the length of a token's hex encoding.
const TokenLen = 32

// Valid reports whether t has the token shape.
func (t Token) Valid() bool {
	if len(t) != TokenLen {
		return false
	}
	for _, c := range t {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// TokenList holds deduplicated tokens in canonical (lexicographic) order.
// Hash order is unrelated to slot order, so ties never favour earlier slots.
// It is all the coordinator ever learns about the candidate slots.
type TokenList []Token

// NewTokenList deduplicates and sorts tokens into canonical order.
func NewTokenList(tokens []Token) TokenList {
	out := slices.Clone(tokens)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return TokenList(slices.Compact(out))
}

// Contains reports whether t is in the list.
func (l TokenList) Contains(t Token) bool {
	_, ok := slices.BinarySearch(l, t)
	return ok
}

// Index returns the canonical position of t, or -1.
func (l TokenList) Index(t Token) int {
	i, ok := slices.BinarySearch(l, t)
	if !ok {
		return -1
	}
	return i
}

// Mapping resolves tokens back to slots. Only participant scorers hold one.
type Mapping map[Token]time.Time

// Clone returns a copy of m.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ScoreVector maps tokens to integer scores in [MinScore, MaxScore]. A token
// absent from the vector counts as 0.
type ScoreVector map[Token]int

// ClampScore bounds s to the score range.
func ClampScore(s int) int {
	return max(MinScore, min(MaxScore, s))
}

// Occupancy describes what holds a slot on a participant's calendar.
type Occupancy struct {
	Title      string `json:"title" yaml:"title"`
	Type       string `json:"type" yaml:"type"`
	Importance int    `json:"importance" yaml:"importance"`
	External   bool   `json:"external" yaml:"external"`
	Movable    bool   `json:"movable" yaml:"movable"`
}

// Describe renders the occupancy for an oracle prompt.
func (o Occupancy) Describe() string {
	scope := "internal"
	if o.External {
		scope = "external"
	}
	mov := "movable"
	if !o.Movable {
		mov = "fixed"
	}
	return fmt.Sprintf("CONFLICT - %q (%s, importance %d, %s, %s)", o.Title, o.Type, o.Importance, scope, mov)
}

// CanonicalSlot is the fixed wire encoding of a slot used for hashing.
// Whole-second slots encode exactly as RFC 3339; sub-second slots keep their
// fraction so they never share a token.
func CanonicalSlot(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

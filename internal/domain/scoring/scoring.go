// Package scoring defines the scoring oracle contract: given one candidate
// slot and what occupies it on the participant's calendar, return a
// desirability score. Implementations range from a deterministic rule table
// to a language-model backend.
package scoring

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Time-of-day preferences.
const (
	PreferMorning   = "morning"
	PreferAfternoon = "afternoon"
)

// Rule table values.
const (
	freeScore          = 80
	preferredBonus     = 10
	lunchPenalty       = 10
	protectedScore     = 0
	learnedRejectScore = 5
	learnedAcceptScore = 65
	lowImportanceMax   = 4
	midImportanceMax   = 7
	lowImportanceScore = 60
	midImportanceScore = 30
	highImportance     = 10
	defaultRandomSeed  = 42
)

// Input is everything a participant's oracle sees for one slot.
type Input struct {
	ParticipantID   string
	ParticipantName string
	Meeting         protocol.Meeting
	Duration        time.Duration
	// Slot is expressed in the participant's own time zone.
	Slot           time.Time
	Occupied       bool
	Occupancy      protocol.Occupancy
	PriorDecisions []protocol.DecisionRecord
	PreferredTimes []string
}

// Describe renders the occupancy line used in prompts.
func (in Input) Describe() string {
	if !in.Occupied {
		return "FREE"
	}
	return in.Occupancy.Describe()
}

// Result is the oracle's answer. Rationale is for display only.
type Result struct {
	Score     int
	Rationale string
}

// Oracle scores one slot for one participant.
type Oracle interface {
	// Score computes a score, honoring ctx for cancellation.
	Score(ctx context.Context, in Input) (Result, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, in Input) (Result, error)

// Score implements Oracle.
func (f OracleFunc) Score(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// Option applies a configuration option to the RuleOracle.
type Option func(*RuleOracle)

// WithLatencyRange simulates an external service taking between min and max.
func WithLatencyRange(minLatency, maxLatency time.Duration) Option {
	return func(o *RuleOracle) {
		if minLatency > 0 && maxLatency > minLatency {
			o.minLatency = minLatency
			o.maxLatency = maxLatency
		}
	}
}

// RuleOracle implements Oracle with a deterministic rule table.
type RuleOracle struct {
	minLatency time.Duration
	maxLatency time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRuleOracle creates a rule oracle. Without options it answers instantly.
func NewRuleOracle(opts ...Option) *RuleOracle {
	o := &RuleOracle{
		rng: rand.New(rand.NewSource(defaultRandomSeed)), //nolint:gosec // deterministic seed for reproducible latency
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Score implements Oracle.
func (o *RuleOracle) Score(ctx context.Context, in Input) (Result, error) {
	if o.maxLatency > 0 {
		o.mu.Lock()
		latency := o.minLatency + time.Duration(o.rng.Int63n(int64(o.maxLatency-o.minLatency)))
		o.mu.Unlock()

		t := time.NewTimer(latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Result{}, fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-t.C:
		}
	} else if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("context cancelled: %w", err)
	}

	score, why := rules(in)
	return Result{Score: protocol.ClampScore(score), Rationale: why}, nil
}

func rules(in Input) (int, string) {
	if !in.Occupied {
		return freeSlot(in)
	}

	occ := in.Occupancy
	switch {
	case occ.External:
		return protectedScore, "external meetings are never rescheduled"
	case !occ.Movable:
		return protectedScore, fmt.Sprintf("%s cannot be moved", occ.Type)
	}

	protect, reschedule := learned(in.PriorDecisions)
	switch {
	case protect[occ.Type]:
		return learnedRejectScore, fmt.Sprintf("previously refused to move %s", occ.Type)
	case reschedule[occ.Type]:
		return learnedAcceptScore, fmt.Sprintf("previously agreed to move %s", occ.Type)
	case occ.Importance <= lowImportanceMax:
		return lowImportanceScore, "willing to move a low-importance event"
	case occ.Importance <= midImportanceMax:
		return midImportanceScore, "reluctant to move a medium-importance event"
	default:
		return highImportance, "protecting a high-importance event"
	}
}

func freeSlot(in Input) (int, string) {
	h := in.Slot.Hour()
	prefs := in.PreferredTimes
	if len(prefs) == 0 {
		prefs = []string{PreferMorning}
	}

	switch {
	case prefers(prefs, PreferMorning) && h >= 9 && h <= 11:
		return freeScore + preferredBonus, "free, preferred morning slot"
	case prefers(prefs, PreferAfternoon) && h >= 13 && h <= 16:
		return freeScore + preferredBonus, "free, preferred afternoon slot"
	case h >= 12 && h <= 13:
		return freeScore - lunchPenalty, "free, over lunch"
	default:
		return freeScore, "free"
	}
}

func prefers(prefs []string, want string) bool {
	for _, p := range prefs {
		if strings.EqualFold(p, want) {
			return true
		}
	}
	return false
}

// learned derives event types the participant protected or released from
// past decisions. A rejection wins over an acceptance for the same type.
func learned(records []protocol.DecisionRecord) (protect, reschedule map[string]bool) {
	protect = make(map[string]bool)
	reschedule = make(map[string]bool)
	for _, d := range records {
		if d.ConflictingType == "" {
			continue
		}
		switch d.UserAction {
		case protocol.UserRejected:
			protect[d.ConflictingType] = true
		case protocol.UserAccepted:
			reschedule[d.ConflictingType] = true
		}
	}
	return protect, reschedule
}

package protocol

import "time"

// Phase is a coordinator state.
type Phase string

const (
	PhaseCreated         Phase = "created"
	PhaseTokensRequested Phase = "tokens_requested"
	PhaseAwaitingScores  Phase = "awaiting_scores"
	PhaseAggregated      Phase = "aggregated"
	PhaseAutoResolved    Phase = "auto_resolved"
	PhaseEscalated       Phase = "escalated"
	PhaseDisclosed       Phase = "disclosed"
	PhaseCancelled       Phase = "cancelled"
	PhaseFailed          Phase = "failed"
)

// Terminal reports whether no further transition can happen.
func (p Phase) Terminal() bool {
	return p == PhaseDisclosed || p == PhaseCancelled || p == PhaseFailed
}

// Reason explains an escalation.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoQuorum         Reason = "no_quorum"
	ReasonAllSlotsRejected Reason = "all_slots_rejected"
	ReasonBelowThreshold   Reason = "below_threshold"
	ReasonTooClose         Reason = "too_close"
	// ReasonInitiatorSuggested is only used when the policy honours the
	// initiator's own suggestion.
	ReasonInitiatorSuggested Reason = "initiator_suggested"
)

// Err returns the sentinel matching r, or nil when r has none.
func (r Reason) Err() error {
	switch r {
	case ReasonNoQuorum:
		return ErrNoQuorum
	case ReasonAllSlotsRejected:
		return ErrAllSlotsRejected
	default:
		return nil
	}
}

// Ballot is a participant's answer to a vote: its scores and whether it
// would escalate on its own.
type Ballot struct {
	Scores   ScoreVector
	Escalate bool
	Reason   string
}

// Suggestion records a participant that asked for escalation.
type Suggestion struct {
	ParticipantID string `json:"participant_id" cbor:"participant_id"`
	Reason        string `json:"reason" cbor:"reason"`
}

// Option is a token offered to the initiator with its aggregate score.
type Option struct {
	Token Token   `json:"token" cbor:"token"`
	Score float64 `json:"score" cbor:"score"`
}

// EscalationDecision is the outcome of the escalation rule.
type EscalationDecision struct {
	Escalate    bool     `json:"escalate" cbor:"escalate"`
	Reason      Reason   `json:"reason,omitempty" cbor:"reason,omitempty"`
	Recommended Token    `json:"recommended,omitempty" cbor:"recommended,omitempty"`
	Options     []Option `json:"options" cbor:"options"`
}

// Exclusion records a participant left out of aggregation.
type Exclusion struct {
	ParticipantID string `json:"participant_id" cbor:"participant_id"`
	Reason        string `json:"reason" cbor:"reason"`
}

// Resolution is what Schedule returns to its caller.
type Resolution struct {
	RequestID    string             `json:"request_id"`
	Phase        Phase              `json:"phase"`
	Winner       Token              `json:"winner,omitempty"`
	Decision     EscalationDecision `json:"decision"`
	Scores       map[Token]float64  `json:"scores"`
	Contributors []string           `json:"contributors"`
	Excluded     []Exclusion        `json:"excluded"`
	Suggestions  []Suggestion       `json:"suggestions,omitempty"`
}

// Recommended scheduling actions.
const (
	ActionSchedule           = "schedule"
	ActionRescheduleExisting = "reschedule_existing"
)

// User actions on a recommendation.
const (
	UserAccepted = "accepted"
	UserRejected = "rejected"
	UserModified = "modified"
)

// DecisionRecord is one entry of a participant's private, append-only
// decision log.
type DecisionRecord struct {
	ID                string    `json:"id"`
	ParticipantID     string    `json:"participant_id"`
	Timestamp         time.Time `json:"timestamp"`
	MeetingType       string    `json:"meeting_type"`
	ConflictingType   string    `json:"conflicting_type,omitempty"`
	RecommendedAction string    `json:"recommended_action"`
	UserAction        string    `json:"user_action"`
	RecommendedSlot   time.Time `json:"recommended_slot,omitzero"`
	ChosenSlot        time.Time `json:"chosen_slot,omitzero"`
	Notes             string    `json:"notes,omitempty"`
}

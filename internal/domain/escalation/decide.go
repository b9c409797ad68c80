// Package escalation decides whether an aggregate result can be resolved
// automatically, and holds the initiator's pending manual choices when it
// cannot.
package escalation

import (
	"github.com/okian/blindslot/internal/domain/aggregate"
	"github.com/okian/blindslot/internal/domain/protocol"
)

// Default policy values.
const (
	DefaultAutoAcceptThreshold = 50
	DefaultSeparationMargin    = 10
	DefaultTopK                = 3
	DefaultMinResponses        = 1
)

// Policy holds the auto-resolution thresholds and the quorum rule.
type Policy struct {
	AutoAcceptThreshold float64
	SeparationMargin    float64
	TopK                int
	MinResponses        int
	RequireInitiator    bool
	// HonorInitiatorSuggestion escalates a result that would otherwise
	// auto-resolve when the initiator's scorer suggested escalation.
	HonorInitiatorSuggestion bool
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		AutoAcceptThreshold: DefaultAutoAcceptThreshold,
		SeparationMargin:    DefaultSeparationMargin,
		TopK:                DefaultTopK,
		MinResponses:        DefaultMinResponses,
		RequireInitiator:    true,
	}
}

// QuorumMet reports whether r has enough contributors under p.
func (p Policy) QuorumMet(r aggregate.Result) bool {
	if len(r.Contributors) < p.MinResponses {
		return false
	}
	return !p.RequireInitiator || r.InitiatorVoted
}

// Decide is deterministic and side-effect free. Rules apply in order:
// no quorum, all slots rejected, below threshold, too close and, when the
// policy honours it, the initiator's suggestion; otherwise the top token is
// auto-resolved. Options always carry the top-K entries.
func Decide(r aggregate.Result, p Policy) protocol.EscalationDecision {
	d := protocol.EscalationDecision{Options: r.TopK(p.TopK)}

	var top1, top2 float64
	if len(r.Ranked) > 0 {
		d.Recommended = r.Ranked[0].Token
		top1 = r.Ranked[0].Score
	}
	if len(r.Ranked) > 1 {
		top2 = r.Ranked[1].Score
	}

	switch {
	case !p.QuorumMet(r):
		d.Reason = protocol.ReasonNoQuorum
	case len(r.Ranked) == 0 || top1 == 0:
		d.Reason = protocol.ReasonAllSlotsRejected
	case top1 < p.AutoAcceptThreshold:
		d.Reason = protocol.ReasonBelowThreshold
	case top1-top2 < p.SeparationMargin:
		d.Reason = protocol.ReasonTooClose
	case p.HonorInitiatorSuggestion && r.InitiatorSuggested:
		d.Reason = protocol.ReasonInitiatorSuggested
	default:
		return d
	}
	d.Escalate = true
	return d
}

// Package aggregate combines participant score vectors into a role-weighted
// ranking. Aggregation is commutative over votes: arrival order never
// changes the result.
package aggregate

import (
	"sort"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// Vote is one participant's accepted score vector.
type Vote struct {
	ParticipantID string
	Weight        float64
	Initiator     bool
	Scores        protocol.ScoreVector
	// Escalate is the participant's own suggestion to escalate.
	Escalate bool
}

// Result is the weighted sum over every token present in at least one vote
// and in the request's token list.
type Result struct {
	Scores         map[protocol.Token]float64
	Ranked         []protocol.Option
	Contributors   []string
	InitiatorVoted bool
	// InitiatorSuggested is set when the initiator's vote asked for
	// escalation.
	InitiatorSuggested bool
}

// Score returns the aggregate for t; tokens nobody scored count as 0.
func (r Result) Score(t protocol.Token) float64 {
	return r.Scores[t]
}

// TopK returns up to k ranked entries.
func (r Result) TopK(k int) []protocol.Option {
	if k <= 0 || len(r.Ranked) == 0 {
		return []protocol.Option{}
	}
	k = min(k, len(r.Ranked))
	out := make([]protocol.Option, k)
	copy(out, r.Ranked[:k])
	return out
}

// Aggregate computes Σ score × weight per token. Scores are clamped to the
// protocol range and tokens outside the list are ignored. Ties rank by
// canonical token order.
func Aggregate(tokens protocol.TokenList, votes []Vote) Result {
	res := Result{
		Scores:       make(map[protocol.Token]float64),
		Contributors: make([]string, 0, len(votes)),
	}

	for _, v := range votes {
		res.Contributors = append(res.Contributors, v.ParticipantID)
		if v.Initiator {
			res.InitiatorVoted = true
			res.InitiatorSuggested = v.Escalate
		}
		for t, s := range v.Scores {
			if !tokens.Contains(t) {
				continue
			}
			res.Scores[t] += float64(protocol.ClampScore(s)) * v.Weight
		}
	}
	sort.Strings(res.Contributors)

	res.Ranked = make([]protocol.Option, 0, len(res.Scores))
	for t, s := range res.Scores {
		res.Ranked = append(res.Ranked, protocol.Option{Token: t, Score: s})
	}
	sort.Slice(res.Ranked, func(i, j int) bool {
		a, b := res.Ranked[i], res.Ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return tokens.Index(a.Token) < tokens.Index(b.Token)
	})
	return res
}

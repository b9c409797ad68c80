// Package coordinator drives one scheduling request through the protocol:
// tokens are issued, participants vote concurrently, votes are aggregated and
// either auto-resolved or escalated, and the winning token goes to the
// initiator only.
//
// The coordinator only ever sees protocol.TokenList: its issuer dependency
// returns the list and nothing else.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/blindslot/internal/domain/aggregate"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/pkg/logger"
	"github.com/okian/blindslot/pkg/metrics"
)

// Default wait bounds.
const (
	DefaultParticipantTimeout = 5 * time.Second
	DefaultEscalationTimeout  = 5 * time.Minute
)

// Exclusion reasons.
const (
	ExcludedTimeout           = "timeout"
	ExcludedOracleUnavailable = "oracle_unavailable"
	ExcludedError             = "error"
)

// TokenIssuer issues tokens for a request and hands the mapping to the
// participants out of band.
type TokenIssuer interface {
	Issue(ctx context.Context, requestID string, slots []time.Time, participants []string) (protocol.TokenList, error)
}

// Participant is the coordinator's view of a participant scorer.
type Participant interface {
	Vote(ctx context.Context, req protocol.SchedulingRequest, tokens protocol.TokenList) (protocol.Ballot, error)
	Release(requestID string)
	// Disclose and RecordOutcome are only ever called on the initiator.
	Disclose(ctx context.Context, req protocol.SchedulingRequest, winner protocol.Token) error
	RecordOutcome(ctx context.Context, req protocol.SchedulingRequest, recommended, chosen protocol.Token) error
}

// Directory resolves participant ids.
type Directory func(participantID string) (Participant, bool)

// Chooser blocks until the initiator picks one of the offered tokens.
type Chooser interface {
	Await(ctx context.Context, p escalation.Pending, timeout time.Duration) (protocol.Token, error)
}

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithPolicy sets the escalation policy.
func WithPolicy(p escalation.Policy) Option {
	return func(c *Coordinator) { c.policy = p }
}

// WithParticipantTimeout bounds each participant's vote.
func WithParticipantTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.participantTimeout = d
		}
	}
}

// WithEscalationTimeout bounds the wait for the initiator's choice.
func WithEscalationTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.escalationTimeout = d
		}
	}
}

// WithChooser sets where escalations are sent.
func WithChooser(ch Chooser) Option {
	return func(c *Coordinator) {
		if ch != nil {
			c.chooser = ch
		}
	}
}

// WithObserver sets the state observer.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// Coordinator runs requests. It is safe for concurrent use; every Schedule
// call owns its own state.
type Coordinator struct {
	issuer             TokenIssuer
	participants       Directory
	chooser            Chooser
	observer           Observer
	policy             escalation.Policy
	participantTimeout time.Duration
	escalationTimeout  time.Duration
	log                logger.Logger
}

// New creates a coordinator.
func New(issuer TokenIssuer, participants Directory, opts ...Option) *Coordinator {
	c := &Coordinator{
		issuer:             issuer,
		participants:       participants,
		chooser:            escalation.NewInbox(),
		policy:             escalation.DefaultPolicy(),
		participantTimeout: DefaultParticipantTimeout,
		escalationTimeout:  DefaultEscalationTimeout,
		log:                logger.Named("coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// run is the per-request state machine.
type run struct {
	c       *Coordinator
	req     protocol.SchedulingRequest
	state   State
	entered time.Time
}

func (r *run) transition(ctx context.Context, phase protocol.Phase) {
	now := time.Now()
	metrics.RecordPhaseLatency(string(r.state.Phase), float64(now.Sub(r.entered).Microseconds())/1000)
	r.entered = now
	r.state.Phase = phase
	r.publish(ctx)
	r.c.log.Debug(ctx, "phase",
		logger.String("request_id", r.req.ID),
		logger.String("phase", string(phase)))
}

func (r *run) publish(ctx context.Context) {
	if r.c.observer != nil {
		r.c.observer.Observe(ctx, r.state.Clone())
	}
}

func (r *run) resolution() protocol.Resolution {
	res := protocol.Resolution{
		RequestID:    r.req.ID,
		Phase:        r.state.Phase,
		Winner:       r.state.Winner,
		Scores:       r.state.Scores,
		Contributors: r.state.Contributors,
		Excluded:     r.state.Excluded,
		Suggestions:  r.state.Suggestions,
	}
	if r.state.Decision != nil {
		res.Decision = *r.state.Decision
	}
	return res
}

// end moves to a terminal phase and returns err unchanged.
func (r *run) end(ctx context.Context, err error) (protocol.Resolution, error) {
	phase := protocol.PhaseFailed
	if errors.Is(err, protocol.ErrCancelled) || errors.Is(err, context.Canceled) {
		phase = protocol.PhaseCancelled
	}
	r.state.Error = err.Error()
	// Observers still get the terminal state when ctx is already done.
	r.transition(context.WithoutCancel(ctx), phase)
	metrics.RecordRequestCompleted(string(phase))
	r.c.log.Warn(ctx, "request ended",
		logger.String("request_id", r.req.ID),
		logger.String("phase", string(phase)),
		logger.Error(err))
	return r.resolution(), err
}

// Schedule runs req to a terminal phase. Missed quorum and all-rejected
// results are escalated, not failed. A cancelled ctx ends the request with
// protocol.ErrCancelled.
func (c *Coordinator) Schedule(ctx context.Context, req protocol.SchedulingRequest) (protocol.Resolution, error) {
	req = req.Clone()
	r := &run{
		c:       c,
		req:     req,
		state:   State{RequestID: req.ID, Initiator: req.Initiator, Phase: protocol.PhaseCreated},
		entered: time.Now(),
	}
	r.publish(ctx)

	if err := req.Validate(); err != nil {
		return r.end(ctx, fmt.Errorf("schedule: %w", err))
	}
	parts := make(map[string]Participant, len(req.Participants))
	for _, p := range req.Participants {
		pp, ok := c.participants(p.ID)
		if !ok {
			return r.end(ctx, fmt.Errorf("schedule: %w: %q", protocol.ErrUnknownParticipant, p.ID))
		}
		parts[p.ID] = pp
	}

	tokens, err := c.issue(ctx, r)
	if err != nil {
		return r.end(ctx, err)
	}
	defer func() {
		for _, p := range parts {
			p.Release(req.ID)
		}
	}()

	r.state.Tokens = tokens
	r.transition(ctx, protocol.PhaseAwaitingScores)
	votes, excluded, suggestions, err := c.collect(ctx, req, tokens, parts)
	if err != nil {
		return r.end(ctx, err)
	}

	agg := aggregate.Aggregate(tokens, votes)
	decision := escalation.Decide(agg, c.policy)
	r.state.Scores = agg.Scores
	r.state.Contributors = agg.Contributors
	r.state.Excluded = excluded
	r.state.Suggestions = suggestions
	r.state.Decision = &decision
	r.transition(ctx, protocol.PhaseAggregated)

	initiator := parts[req.Initiator]
	winner := decision.Recommended
	if decision.Escalate {
		metrics.RecordEscalation(string(decision.Reason))
		r.transition(ctx, protocol.PhaseEscalated)
		c.log.Info(ctx, "request escalated",
			logger.String("request_id", req.ID),
			logger.String("reason", string(decision.Reason)),
			logger.Int("options", len(decision.Options)))

		chosen, err := c.chooser.Await(ctx, escalation.Pending{
			RequestID:   req.ID,
			Initiator:   req.Initiator,
			Reason:      decision.Reason,
			Options:     decision.Options,
			Suggestions: suggestions,
			Tokens:      tokens,
		}, c.escalationTimeout)
		if err != nil {
			if errors.Is(err, protocol.ErrCancelled) && ctx.Err() == nil {
				c.recordOutcome(ctx, initiator, req, decision.Recommended, "")
			}
			if reasonErr := decision.Reason.Err(); reasonErr != nil {
				err = fmt.Errorf("%w (escalated: %w)", err, reasonErr)
			}
			return r.end(ctx, err)
		}
		c.recordOutcome(ctx, initiator, req, decision.Recommended, chosen)
		winner = chosen
	} else {
		r.transition(ctx, protocol.PhaseAutoResolved)
	}

	if err := initiator.Disclose(ctx, req, winner); err != nil {
		return r.end(ctx, fmt.Errorf("schedule: disclose: %w", err))
	}
	r.state.Winner = winner
	r.transition(ctx, protocol.PhaseDisclosed)
	metrics.RecordRequestCompleted(string(protocol.PhaseDisclosed))
	c.log.Info(ctx, "request resolved",
		logger.String("request_id", req.ID),
		logger.Bool("escalated", decision.Escalate),
		logger.Int("contributors", len(agg.Contributors)),
		logger.Int("excluded", len(excluded)))
	return r.resolution(), nil
}

func (c *Coordinator) issue(ctx context.Context, r *run) (protocol.TokenList, error) {
	slots, err := r.req.Window.Slots()
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	r.transition(ctx, protocol.PhaseTokensRequested)
	tokens, err := c.issuer.Issue(ctx, r.req.ID, slots, r.req.ParticipantIDs())
	if err != nil {
		return nil, fmt.Errorf("schedule: issue tokens: %w", err)
	}
	return tokens, nil
}

func (c *Coordinator) recordOutcome(ctx context.Context, p Participant, req protocol.SchedulingRequest, recommended, chosen protocol.Token) {
	if err := p.RecordOutcome(ctx, req, recommended, chosen); err != nil {
		c.log.Warn(ctx, "failed to record outcome",
			logger.String("request_id", req.ID),
			logger.Error(err))
	}
}

type reply struct {
	ballot protocol.Ballot
	err    error
}

// collect fans the vote out to every participant. Failed or late
// participants are excluded. It returns as soon as ctx is done without
// waiting for outstanding calls.
func (c *Coordinator) collect(ctx context.Context, req protocol.SchedulingRequest, tokens protocol.TokenList, parts map[string]Participant) ([]aggregate.Vote, []protocol.Exclusion, []protocol.Suggestion, error) {
	var (
		mu      sync.Mutex
		replies = make(map[string]reply, len(parts))
	)

	g, gctx := errgroup.WithContext(ctx)
	for id, p := range parts {
		g.Go(func() error {
			b, err := c.vote(gctx, p, req, tokens)
			mu.Lock()
			// A later ballot from the same participant replaces the earlier one.
			replies[id] = reply{ballot: b, err: err}
			mu.Unlock()
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return nil, nil, nil, fmt.Errorf("schedule: %w: %w", protocol.ErrCancelled, ctx.Err())
	}

	votes := make([]aggregate.Vote, 0, len(parts))
	var (
		excluded    []protocol.Exclusion
		suggestions []protocol.Suggestion
	)
	for _, p := range req.Participants {
		rp := replies[p.ID]
		if rp.err != nil {
			reason := exclusionReason(rp.err)
			excluded = append(excluded, protocol.Exclusion{ParticipantID: p.ID, Reason: reason})
			metrics.RecordParticipantExcluded(reason)
			c.log.Warn(ctx, "participant excluded",
				logger.String("request_id", req.ID),
				logger.String("participant", p.ID),
				logger.String("reason", reason),
				logger.Error(rp.err))
			continue
		}
		if rp.ballot.Escalate {
			suggestions = append(suggestions, protocol.Suggestion{ParticipantID: p.ID, Reason: rp.ballot.Reason})
		}
		votes = append(votes, aggregate.Vote{
			ParticipantID: p.ID,
			Weight:        p.Weight,
			Initiator:     p.ID == req.Initiator,
			Scores:        rp.ballot.Scores,
			Escalate:      rp.ballot.Escalate,
		})
	}
	return votes, excluded, suggestions, nil
}

// vote calls one participant within the participant timeout, retrying once
// when the oracle was unavailable and the bound still allows it.
func (c *Coordinator) vote(ctx context.Context, p Participant, req protocol.SchedulingRequest, tokens protocol.TokenList) (protocol.Ballot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.participantTimeout)
	defer cancel()

	b, err := callVote(ctx, p, req, tokens)
	if err != nil && errors.Is(err, protocol.ErrOracleUnavailable) && ctx.Err() == nil {
		b, err = callVote(ctx, p, req, tokens)
	}
	return b, err
}

// callVote returns when the participant answers or ctx is done, whichever
// comes first.
func callVote(ctx context.Context, p Participant, req protocol.SchedulingRequest, tokens protocol.TokenList) (protocol.Ballot, error) {
	ch := make(chan reply, 1)
	go func() {
		b, err := p.Vote(ctx, req, tokens)
		ch <- reply{ballot: b, err: err}
	}()
	select {
	case rp := <-ch:
		return rp.ballot, rp.err
	case <-ctx.Done():
		return protocol.Ballot{}, ctx.Err()
	}
}

func exclusionReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ExcludedTimeout
	case errors.Is(err, protocol.ErrOracleUnavailable):
		return ExcludedOracleUnavailable
	default:
		return ExcludedError
	}
}

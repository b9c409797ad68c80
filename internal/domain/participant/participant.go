// Package participant implements the per-participant scorer: the only place
// where tokens meet real slot times. A Scorer receives the token mapping out
// of band, scores the tokens the coordinator asks about against its own
// calendar and history, and, for the initiator, learns the winning slot.
package participant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/blindslot/internal/adapters/calendar"
	"github.com/okian/blindslot/internal/adapters/repository"
	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/internal/domain/scoring"
	"github.com/okian/blindslot/pkg/logger"
	"github.com/okian/blindslot/pkg/metrics"
	"github.com/okian/blindslot/pkg/sealed"
)

const (
	// DefaultDecisionLimit bounds the prior decisions handed to the oracle.
	DefaultDecisionLimit = 10
	// DefaultOracleConcurrency bounds the oracle calls one vote runs at once.
	DefaultOracleConcurrency = 4

	suggestLowScore = 40
	suggestMargin   = 10
)

// ErrNoMeeting is returned when no meeting was disclosed for a request.
var ErrNoMeeting = errors.New("no meeting disclosed")

// ErrNoRecipient is returned when sealing is requested for a profile
// without an age recipient.
var ErrNoRecipient = errors.New("profile has no age recipient")

// Profile describes the calendar owner behind a scorer.
type Profile struct {
	ID             string
	Name           string
	Email          string
	Location       *time.Location
	PreferredTimes []string
	AgeRecipient   string
}

// MeetingView is the initiator's private view of a resolved request.
type MeetingView struct {
	RequestID string    `json:"request_id"`
	Title     string    `json:"title"`
	Type      string    `json:"type"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Attendees []string  `json:"attendees"`
}

// Scorer is one participant's scoring process.
type Scorer struct {
	profile  Profile
	oracle   scoring.Oracle
	calendar calendar.Store
	history  repository.DecisionStore
	delivery calendar.Deliverer
	contacts map[string]string
	limit    int
	parallel int
	log      logger.Logger

	mu       sync.Mutex
	mappings map[string]protocol.Mapping
	meetings map[string]MeetingView
}

// Option applies a configuration option to the Scorer.
type Option func(*Scorer)

// WithDeliverer enables invite delivery on Disclose.
func WithDeliverer(d calendar.Deliverer) Option {
	return func(s *Scorer) { s.delivery = d }
}

// WithDecisionLimit sets how many prior decisions feed the oracle.
func WithDecisionLimit(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.limit = n
		}
	}
}

// WithOracleConcurrency bounds how many slots are scored at once.
func WithOracleConcurrency(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.parallel = n
		}
	}
}

// WithContacts maps participant ids to invite email addresses.
func WithContacts(emails map[string]string) Option {
	return func(s *Scorer) {
		for id, e := range emails {
			s.contacts[id] = e
		}
	}
}

// NewScorer creates a scorer for profile.
func NewScorer(profile Profile, oracle scoring.Oracle, cal calendar.Store, history repository.DecisionStore, opts ...Option) *Scorer {
	if profile.Location == nil {
		profile.Location = time.UTC
	}
	s := &Scorer{
		profile:  profile,
		oracle:   oracle,
		calendar: cal,
		history:  history,
		contacts: make(map[string]string),
		limit:    DefaultDecisionLimit,
		parallel: DefaultOracleConcurrency,
		log:      logger.Named("participant"),
		mappings: make(map[string]protocol.Mapping),
		meetings: make(map[string]MeetingView),
	}
	for _, opt := range opts {
		opt(s)
	}
	if profile.Email != "" {
		s.contacts[profile.ID] = profile.Email
	}
	return s
}

// ID returns the participant id.
func (s *Scorer) ID() string { return s.profile.ID }

// Profile returns the scorer's profile.
func (s *Scorer) Profile() Profile { return s.profile }

// ReceiveMapping stores the private mapping for a request. It implements
// token.MappingReceiver.
func (s *Scorer) ReceiveMapping(ctx context.Context, requestID string, m protocol.Mapping) error {
	if requestID == "" || len(m) == 0 {
		return fmt.Errorf("receive mapping: %w", protocol.ErrInvalidInput)
	}
	s.mu.Lock()
	s.mappings[requestID] = m.Clone()
	s.mu.Unlock()
	s.log.Debug(ctx, "mapping received",
		logger.String("participant", s.profile.ID),
		logger.String("request_id", requestID),
		logger.Int("tokens", len(m)))
	return nil
}

// Release forgets the mapping of a concluded request.
func (s *Scorer) Release(requestID string) {
	s.mu.Lock()
	delete(s.mappings, requestID)
	s.mu.Unlock()
}

// Holds reports whether a mapping is held for requestID.
func (s *Scorer) Holds(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mappings[requestID]
	return ok
}

func (s *Scorer) mapping(requestID string) (protocol.Mapping, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[requestID]
	return m, ok
}

// Vote scores the tokens the coordinator asks about, using the mapping
// delivered for this request and the participant's recent decisions. The
// ballot carries the participant's own escalation suggestion.
func (s *Scorer) Vote(ctx context.Context, req protocol.SchedulingRequest, tokens protocol.TokenList) (protocol.Ballot, error) {
	m, ok := s.mapping(req.ID)
	if !ok {
		return protocol.Ballot{}, fmt.Errorf("vote %s: %w: no mapping for request", s.profile.ID, protocol.ErrInvalidInput)
	}

	asked := make(protocol.Mapping, len(tokens))
	for _, t := range tokens {
		if slot, ok := m[t]; ok {
			asked[t] = slot
		}
	}

	prior, err := s.history.Recent(ctx, s.profile.ID, s.limit)
	if err != nil {
		return protocol.Ballot{}, fmt.Errorf("vote %s: load history: %w", s.profile.ID, err)
	}

	vec, err := s.Score(ctx, req, asked, prior)
	if err != nil {
		return protocol.Ballot{}, err
	}
	metrics.RecordScoreVector()

	b := protocol.Ballot{Scores: vec}
	b.Escalate, b.Reason = Suggest(vec)
	if b.Escalate {
		s.log.Debug(ctx, "escalation suggested",
			logger.String("participant", s.profile.ID),
			logger.String("request_id", req.ID),
			logger.String("reason", b.Reason))
	}
	return b, nil
}

// Score computes a score for every entry of mapping. Slots are scored
// concurrently, at most WithOracleConcurrency at a time; the first failure
// cancels the rest.
func (s *Scorer) Score(ctx context.Context, req protocol.SchedulingRequest, mapping protocol.Mapping, prior []protocol.DecisionRecord) (protocol.ScoreVector, error) {
	d := req.Window.MeetingDuration()

	var mu sync.Mutex
	vec := make(protocol.ScoreVector, len(mapping))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for t, slot := range mapping {
		g.Go(func() error {
			score, err := s.scoreSlot(gctx, req, d, t, slot, prior)
			if err != nil {
				return err
			}
			mu.Lock()
			vec[t] = score
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("score %s: %w", s.profile.ID, ctxErr)
		}
		return nil, err
	}
	return vec, nil
}

func (s *Scorer) scoreSlot(ctx context.Context, req protocol.SchedulingRequest, d time.Duration, t protocol.Token, slot time.Time, prior []protocol.DecisionRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("score %s: %w", s.profile.ID, err)
	}
	occ, busy, err := s.calendar.Occupancy(ctx, s.profile.ID, slot, slot.Add(d))
	if err != nil {
		return 0, fmt.Errorf("score %s: calendar: %w", s.profile.ID, err)
	}

	res, err := s.oracle.Score(ctx, scoring.Input{
		ParticipantID:   s.profile.ID,
		ParticipantName: s.profile.Name,
		Meeting:         req.Meeting,
		Duration:        d,
		Slot:            slot.In(s.profile.Location),
		Occupied:        busy,
		Occupancy:       occ,
		PriorDecisions:  prior,
		PreferredTimes:  s.profile.PreferredTimes,
	})
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, protocol.ErrOracleUnavailable) {
			return 0, fmt.Errorf("score %s: %w", s.profile.ID, err)
		}
		return 0, fmt.Errorf("score %s: %w: %w", s.profile.ID, protocol.ErrOracleUnavailable, err)
	}
	score := protocol.ClampScore(res.Score)
	s.log.Debug(ctx, "slot scored",
		logger.String("participant", s.profile.ID),
		logger.String("token", string(t)),
		logger.Secret("slot", protocol.CanonicalSlot(slot)),
		logger.Int("score", score),
		logger.Secret("rationale", res.Rationale))
	return score, nil
}

// Suggest reports whether the participant would escalate on its own: every
// score is low, or the top two are too close to call.
func Suggest(vec protocol.ScoreVector) (bool, string) {
	if len(vec) == 0 {
		return true, "no slots scored"
	}
	scores := make([]int, 0, len(vec))
	for _, v := range vec {
		scores = append(scores, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(scores)))

	if scores[0] < suggestLowScore {
		return true, fmt.Sprintf("all slots score below %d", suggestLowScore)
	}
	if len(scores) > 1 && scores[0]-scores[1] < suggestMargin {
		return true, fmt.Sprintf("top two slots within %d points", suggestMargin)
	}
	return false, ""
}

// Disclose accepts the winning token. Only the initiator's scorer is ever
// called; it resolves the slot, keeps the private view and delivers invites.
func (s *Scorer) Disclose(ctx context.Context, req protocol.SchedulingRequest, winner protocol.Token) error {
	if req.Initiator != s.profile.ID {
		return fmt.Errorf("disclose to %s: %w", s.profile.ID, protocol.ErrNotEntitled)
	}
	m, ok := s.mapping(req.ID)
	if !ok {
		return fmt.Errorf("disclose %s: %w: no mapping for request", req.ID, protocol.ErrInvalidInput)
	}
	slot, ok := m[winner]
	if !ok {
		return fmt.Errorf("disclose %s: %w: winner is not a request token", req.ID, protocol.ErrInvalidInput)
	}

	view := MeetingView{
		RequestID: req.ID,
		Title:     req.Meeting.Title,
		Type:      req.Meeting.Type,
		Start:     slot,
		End:       slot.Add(req.Window.MeetingDuration()),
		Attendees: req.ParticipantIDs(),
	}
	s.mu.Lock()
	s.meetings[req.ID] = view
	s.mu.Unlock()

	s.log.Info(ctx, "meeting disclosed",
		logger.String("participant", s.profile.ID),
		logger.String("request_id", req.ID),
		logger.Secret("slot", protocol.CanonicalSlot(slot)))

	if s.delivery == nil {
		return nil
	}
	inv := calendar.Invite{
		RequestID: req.ID,
		Title:     req.Meeting.Title,
		Type:      req.Meeting.Type,
		Organizer: calendar.Attendee{ParticipantID: s.profile.ID, Email: s.contacts[s.profile.ID]},
		Start:     view.Start,
		End:       view.End,
		External:  req.Meeting.External,
	}
	for _, id := range req.ParticipantIDs() {
		if id != s.profile.ID {
			inv.Attendees = append(inv.Attendees, calendar.Attendee{ParticipantID: id, Email: s.contacts[id]})
		}
	}
	if err := s.delivery.Deliver(ctx, inv); err != nil {
		return fmt.Errorf("disclose %s: deliver invites: %w", req.ID, err)
	}
	return nil
}

// Meeting returns the private view of a disclosed request.
func (s *Scorer) Meeting(requestID string) (MeetingView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.meetings[requestID]
	if !ok {
		return MeetingView{}, fmt.Errorf("%w: %s", ErrNoMeeting, requestID)
	}
	return v, nil
}

// Sealed reports whether Meeting views are served sealed.
func (s *Scorer) Sealed() bool { return s.profile.AgeRecipient != "" }

// SealedMeeting returns the private view encrypted to the profile's age
// recipient.
func (s *Scorer) SealedMeeting(requestID string) (string, error) {
	if !s.Sealed() {
		return "", ErrNoRecipient
	}
	v, err := s.Meeting(requestID)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode meeting view: %w", err)
	}
	return sealed.Encrypt(raw, s.profile.AgeRecipient)
}

// Envelope is a participant's private view of a request: plain, or sealed
// when the profile carries an age recipient.
type Envelope struct {
	View   *MeetingView `json:"meeting,omitempty"`
	Sealed string       `json:"sealed,omitempty"`
}

// View returns the private view of requestID in the form the profile asks for.
func (s *Scorer) View(requestID string) (Envelope, error) {
	if s.Sealed() {
		ct, err := s.SealedMeeting(requestID)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Sealed: ct}, nil
	}
	v, err := s.Meeting(requestID)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{View: &v}, nil
}

// RecordOutcome appends the initiator's reaction to an escalation: chosen
// equal to recommended is an acceptance, another token a modification, an
// empty chosen token a rejection.
func (s *Scorer) RecordOutcome(ctx context.Context, req protocol.SchedulingRequest, recommended, chosen protocol.Token) error {
	m, ok := s.mapping(req.ID)
	if !ok {
		return fmt.Errorf("record outcome %s: %w: no mapping for request", req.ID, protocol.ErrInvalidInput)
	}

	rec := protocol.DecisionRecord{
		ParticipantID:     s.profile.ID,
		MeetingType:       req.Meeting.Type,
		RecommendedAction: protocol.ActionSchedule,
		RecommendedSlot:   m[recommended],
		ChosenSlot:        m[chosen],
	}
	switch {
	case chosen == "":
		rec.UserAction = protocol.UserRejected
	case chosen == recommended:
		rec.UserAction = protocol.UserAccepted
	default:
		rec.UserAction = protocol.UserModified
	}

	if slot, ok := m[recommended]; ok {
		occ, busy, err := s.calendar.Occupancy(ctx, s.profile.ID, slot, slot.Add(req.Window.MeetingDuration()))
		if err != nil {
			return fmt.Errorf("record outcome %s: calendar: %w", req.ID, err)
		}
		if busy {
			rec.ConflictingType = occ.Type
			rec.RecommendedAction = protocol.ActionRescheduleExisting
		}
	}

	if _, err := s.history.Append(ctx, rec); err != nil {
		return fmt.Errorf("record outcome %s: %w", req.ID, err)
	}
	return nil
}

// Decisions returns up to limit of the participant's decisions, newest first.
func (s *Scorer) Decisions(ctx context.Context, limit int) ([]protocol.DecisionRecord, error) {
	if limit <= 0 {
		limit = s.limit
	}
	return s.history.Recent(ctx, s.profile.ID, limit)
}

// RecordDecision appends a manually entered decision to the participant's log.
func (s *Scorer) RecordDecision(ctx context.Context, rec protocol.DecisionRecord) (protocol.DecisionRecord, error) {
	rec.ParticipantID = s.profile.ID
	return s.history.Append(ctx, rec)
}

// Package service wires the scheduling protocol into a running process and
// implements the dependencies required by the HTTP API.
package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okian/blindslot/internal/adapters/calendar"
	"github.com/okian/blindslot/internal/adapters/llm/gemini"
	eventqueue "github.com/okian/blindslot/internal/adapters/mq/queue"
	workerpool "github.com/okian/blindslot/internal/adapters/mq/worker"
	"github.com/okian/blindslot/internal/adapters/repository"
	"github.com/okian/blindslot/internal/config"
	"github.com/okian/blindslot/internal/domain/coordinator"
	"github.com/okian/blindslot/internal/domain/dedupe"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/participant"
	"github.com/okian/blindslot/internal/domain/protocol"
	"github.com/okian/blindslot/internal/domain/scoring"
	"github.com/okian/blindslot/internal/domain/token"
	"github.com/okian/blindslot/pkg/codec"
	"github.com/okian/blindslot/pkg/logger"
	"github.com/okian/blindslot/pkg/metrics"
)

const (
	janitorInterval = time.Minute
	secretSize      = 32
)

var (
	// ErrNotStarted is returned by operations that need a started service.
	ErrNotStarted = errors.New("service not started")
)

// Service implements the API dependencies for the scheduling system.
type Service struct {
	mu  sync.RWMutex
	cfg *config.Config

	// Injected or built on Start.
	oracle    scoring.Oracle
	calendar  calendar.Store
	delivery  calendar.Deliverer
	history   repository.DecisionStore
	ownsStore bool

	// Built on Start.
	scorers     map[string]*participant.Scorer
	tokens      *token.Service
	coordinator *coordinator.Coordinator
	inbox       *escalation.Inbox
	snapshots   *repository.MemorySnapshotStore
	tracker     dedupe.Tracker
	queue       *eventqueue.InMemoryQueue
	pool        *workerpool.Pool

	// parked holds a signal per running request, closed when the request
	// escalates so its worker can move on.
	parkMu  sync.Mutex
	parked  map[string]chan struct{}
	running sync.WaitGroup

	started bool
	cancel  context.CancelFunc
	stopped chan struct{}

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithOracle overrides the configured scoring oracle.
func WithOracle(o scoring.Oracle) Option {
	return func(s *Service) {
		if o != nil {
			s.oracle = o
		}
	}
}

// WithCalendar overrides the configured calendar backend. d may be nil to
// disable invite delivery.
func WithCalendar(store calendar.Store, d calendar.Deliverer) Option {
	return func(s *Service) {
		if store != nil {
			s.calendar = store
			s.delivery = d
		}
	}
}

// WithDecisionStore overrides the configured decision history backend.
func WithDecisionStore(store repository.DecisionStore) Option {
	return func(s *Service) {
		if store != nil {
			s.history = store
		}
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. A nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) *Service {
	if cfg == nil {
		cfg = config.New()
	}
	s := &Service{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the components and starts the worker pool.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Named("service")
	}
	s.logger.Info(ctx, "starting scheduling service...")

	if err := s.buildBackends(ctx); err != nil {
		return err
	}
	tokens, err := s.buildTokenService()
	if err != nil {
		return err
	}
	s.tokens = tokens

	s.scorers = make(map[string]*participant.Scorer, len(s.cfg.Participants))
	contacts := make(map[string]string, len(s.cfg.Participants))
	for _, p := range s.cfg.Participants {
		contacts[p.ID] = p.Email
	}
	for _, p := range s.cfg.Participants {
		loc := time.UTC
		if p.TimeZone != "" {
			if loc, err = time.LoadLocation(p.TimeZone); err != nil {
				return fmt.Errorf("participant %q: %w", p.ID, err)
			}
		}
		opts := []participant.Option{
			participant.WithDecisionLimit(s.cfg.DecisionLimit),
			participant.WithContacts(contacts),
			participant.WithOracleConcurrency(s.cfg.OracleConcurrency),
		}
		if s.delivery != nil {
			opts = append(opts, participant.WithDeliverer(s.delivery))
		}
		s.scorers[p.ID] = participant.NewScorer(participant.Profile{
			ID:             p.ID,
			Name:           p.Name,
			Email:          p.Email,
			Location:       loc,
			PreferredTimes: p.PreferredTimes,
			AgeRecipient:   p.AgeRecipient,
		}, s.oracle, s.calendar, s.history, opts...)
	}

	broker := token.NewBroker(s.tokens, token.DirectoryFunc(func(id string) (token.MappingReceiver, bool) {
		sc, ok := s.scorers[id]
		return sc, ok
	}))

	s.inbox = escalation.NewInbox()
	s.snapshots = repository.NewMemorySnapshotStore()
	s.tracker = dedupe.NewInMemoryTracker(dedupe.WithMaxSize(s.cfg.QueueSize + s.cfg.WorkerCount))
	s.coordinator = coordinator.New(broker, s.participant,
		coordinator.WithPolicy(escalation.Policy{
			AutoAcceptThreshold: s.cfg.AutoAcceptThreshold,
			SeparationMargin:    s.cfg.SeparationMargin,
			TopK:                s.cfg.TopK,
			MinResponses:        s.cfg.MinResponses,
			RequireInitiator:    s.cfg.RequireInitiator,

			HonorInitiatorSuggestion: s.cfg.EscalateOnInitiatorSuggestion,
		}),
		coordinator.WithParticipantTimeout(s.cfg.ParticipantTimeout()),
		coordinator.WithEscalationTimeout(s.cfg.EscalationTimeout()),
		coordinator.WithChooser(s.inbox),
		coordinator.WithObserver(coordinator.ObserverFunc(s.observe)),
	)

	s.parked = make(map[string]chan struct{})
	s.queue = eventqueue.NewInMemoryQueue(eventqueue.WithCapacity(s.cfg.QueueSize))
	s.pool = workerpool.NewPool(s.cfg.WorkerCount, s.queue, workerpool.HandlerFunc(s.handle))

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.stopped = make(chan struct{})
	s.pool.Start(runCtx)
	go s.janitor(runCtx)

	s.started = true
	s.logger.Info(ctx, "scheduling service started",
		logger.Int("workers", s.pool.Size()),
		logger.Int("queueSize", s.cfg.QueueSize),
		logger.Int("participants", len(s.scorers)),
		logger.String("tokenMode", string(s.tokens.Mode())),
		logger.String("oracle", s.cfg.Oracle),
		logger.Duration("participantTimeout", s.cfg.ParticipantTimeout()),
	)
	return nil
}

func (s *Service) buildBackends(ctx context.Context) error {
	if s.oracle == nil {
		switch s.cfg.Oracle {
		case config.OracleGemini:
			o, err := gemini.New(ctx, s.cfg.GeminiAPIKey, s.cfg.GeminiModel)
			if err != nil {
				return err
			}
			s.oracle = scoring.Instrument(config.OracleGemini, o)
		default:
			s.oracle = scoring.Instrument(config.OracleRules, scoring.NewRuleOracle(scoring.WithLatencyRange(
				time.Duration(s.cfg.OracleLatencyMinMS)*time.Millisecond,
				time.Duration(s.cfg.OracleLatencyMaxMS)*time.Millisecond,
			)))
		}
	}

	if s.calendar == nil {
		switch s.cfg.CalendarBackend {
		case config.BackendGoogle:
			svc, err := calendar.NewGoogleService(ctx, calendar.OAuthConfig{
				ClientID:     s.cfg.GoogleClientID,
				ClientSecret: s.cfg.GoogleClientSecret,
				TokenFile:    s.cfg.GoogleTokenFile,
			})
			if err != nil {
				return err
			}
			accounts := make(map[string]calendar.Account, len(s.cfg.Participants))
			for _, p := range s.cfg.Participants {
				accounts[p.ID] = calendar.Account{CalendarID: p.CalendarID, Email: p.Email}
			}
			store := calendar.NewGoogleStore(svc, accounts)
			s.calendar, s.delivery = store, store
		default:
			store := calendar.NewMemoryStore()
			if s.cfg.CalendarFixtures != "" {
				if err := store.LoadFixtureFile(s.cfg.CalendarFixtures); err != nil {
					return err
				}
			}
			s.calendar, s.delivery = store, store
		}
	}

	if s.history == nil {
		switch s.cfg.HistoryBackend {
		case config.BackendSQLite:
			store, err := repository.NewSQLiteDecisionStore(ctx, s.cfg.HistoryPath)
			if err != nil {
				return err
			}
			s.history = store
		default:
			s.history = repository.NewMemoryDecisionStore()
		}
		s.ownsStore = true
	}
	return nil
}

func (s *Service) buildTokenService() (*token.Service, error) {
	if s.cfg.TokenMode == config.TokenModePublic {
		return token.NewService(), nil
	}
	secret := []byte(s.cfg.TokenSecret)
	if len(secret) == 0 {
		secret = make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	return token.NewService(token.WithSecret(secret)), nil
}

// Stop gracefully shuts down the service. New calls fail with
// ErrNotStarted as soon as Stop begins; queued requests drain on the pool
// and requests waiting on an escalation are cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	pool, cancel, stopped := s.pool, s.cancel, s.stopped
	history, ownsStore := s.history, s.ownsStore
	s.mu.Unlock()

	s.logger.Info(ctx, "stopping scheduling service...")

	if err := pool.Shutdown(ctx); err != nil {
		s.logger.Warn(ctx, "worker pool shutdown incomplete", logger.Error(err))
	}
	cancel()

	drained := make(chan struct{})
	go func() {
		s.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn(ctx, "requests still running at shutdown", logger.Error(ctx.Err()))
	}
	<-stopped

	if ownsStore {
		if err := history.Close(); err != nil {
			s.logger.Warn(ctx, "failed to close decision store", logger.Error(err))
		}
	}
	s.logger.Info(ctx, "scheduling service stopped")
}

func (s *Service) participant(id string) (coordinator.Participant, bool) {
	sc, ok := s.scorers[id]
	if !ok {
		return nil, false
	}
	return sc, true
}

func (s *Service) scorer(id string) (*participant.Scorer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	sc, ok := s.scorers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", protocol.ErrUnknownParticipant, id)
	}
	return sc, nil
}

// observe stores every coordinator state as a deterministic CBOR snapshot
// and releases the worker of a request that escalated.
func (s *Service) observe(ctx context.Context, st coordinator.State) {
	if st.Phase == protocol.PhaseEscalated {
		s.unpark(st.RequestID, true)
	}
	raw, err := codec.Marshal(st)
	if err != nil {
		s.logger.Error(ctx, "failed to encode state", logger.String("request_id", st.RequestID), logger.Error(err))
		return
	}
	if err := s.snapshots.Put(ctx, st.RequestID, raw); err != nil {
		s.logger.Error(ctx, "failed to store state", logger.String("request_id", st.RequestID), logger.Error(err))
	}
}

// janitor drops expired snapshots until ctx is done.
func (s *Service) janitor(ctx context.Context) {
	defer close(s.stopped)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.snapshots.Sweep(ctx); n > 0 {
				s.logger.Debug(ctx, "expired snapshots removed", logger.Int("count", n))
			}
		}
	}
}

// prepare fills defaults: id, weights from roles, window step and working
// hours, organizer.
func (s *Service) prepare(req protocol.SchedulingRequest) protocol.SchedulingRequest {
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	for i, p := range req.Participants {
		if p.Role == "" {
			p.Role = protocol.RoleRequired
			if p.ID == req.Initiator {
				p.Role = protocol.RoleInitiator
			}
		}
		if p.Weight == 0 {
			p.Weight = s.cfg.RoleWeights[string(p.Role)]
		}
		req.Participants[i] = p
	}
	if req.Window.Step == 0 {
		req.Window.Step = s.cfg.SlotStep()
	}
	if req.Window.DayStart == 0 && req.Window.DayEnd == 0 {
		req.Window.DayStart, req.Window.DayEnd = s.cfg.WorkDayStart, s.cfg.WorkDayEnd
	}
	if req.Meeting.Organizer == "" {
		req.Meeting.Organizer = req.Initiator
	}
	return req
}

// Submit validates req and queues it. It returns the request id.
// Errors: protocol.ErrInvalidInput, protocol.ErrUnknownParticipant,
// dedupe.ErrInFlight, eventqueue.ErrFull (backpressure).
func (s *Service) Submit(ctx context.Context, req protocol.SchedulingRequest) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return "", ErrNotStarted
	}

	req = s.prepare(req)
	if err := req.Validate(); err != nil {
		return "", err
	}
	for _, p := range req.Participants {
		if _, ok := s.scorers[p.ID]; !ok {
			return "", fmt.Errorf("%w: %q", protocol.ErrUnknownParticipant, p.ID)
		}
	}

	if err := s.tracker.Acquire(ctx, req.ID); err != nil {
		if errors.Is(err, dedupe.ErrFull) {
			return "", fmt.Errorf("%w: %w", eventqueue.ErrFull, err)
		}
		return "", err
	}
	s.observe(ctx, coordinator.State{RequestID: req.ID, Initiator: req.Initiator, Phase: protocol.PhaseCreated})
	if err := s.queue.Enqueue(ctx, eventqueue.Job{Request: req, Submitted: time.Now()}); err != nil {
		s.tracker.Release(ctx, req.ID)
		return "", err
	}

	metrics.RecordRequestSubmitted()
	metrics.UpdateInflightRequests(int(s.tracker.Size()))
	s.logger.Debug(ctx, "request queued",
		logger.String("request_id", req.ID),
		logger.Int("participants", len(req.Participants)))
	return req.ID, nil
}

// handle runs one queued request. It returns when the request finishes or
// escalates; an escalated request keeps running off the worker until the
// initiator answers, the escalation times out or the service stops. The
// dedupe tracker's size bounds how many can wait that way.
func (s *Service) handle(ctx context.Context, j eventqueue.Job) error { //nolint:gocritic // hugeParam
	id := j.Request.ID
	runCtx, cancel := s.tracker.Bind(ctx, id)
	escalated := s.park(id)

	// claimed decides who reports the outcome: the worker, or the request
	// itself once the worker has moved on.
	var claimed atomic.Bool
	done := make(chan error, 1)

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer func() {
			cancel()
			s.unpark(id, false)
			s.tracker.Release(context.WithoutCancel(ctx), id)
			metrics.UpdateInflightRequests(int(s.tracker.Size()))
		}()

		res, err := s.coordinator.Schedule(runCtx, j.Request)
		if err != nil {
			err = fmt.Errorf("request %s ended %s: %w", id, res.Phase, err)
		}
		if claimed.CompareAndSwap(false, true) {
			done <- err
			return
		}
		if err != nil {
			s.logger.Error(ctx, "escalated request failed",
				logger.String("request_id", id),
				logger.Error(err))
		}
	}()

	select {
	case err := <-done:
		return err
	case <-escalated:
		if !claimed.CompareAndSwap(false, true) {
			return <-done
		}
		s.logger.Debug(ctx, "worker released while request awaits choice", logger.String("request_id", id))
		return nil
	}
}

// park registers the escalation signal for id.
func (s *Service) park(id string) <-chan struct{} {
	ch := make(chan struct{})
	s.parkMu.Lock()
	s.parked[id] = ch
	s.parkMu.Unlock()
	return ch
}

// unpark drops the signal for id, closing it when signal is set.
func (s *Service) unpark(id string, signal bool) {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	ch, ok := s.parked[id]
	if !ok {
		return
	}
	delete(s.parked, id)
	if signal {
		close(ch)
	}
}

// Cancel cancels a queued or running request.
func (s *Service) Cancel(_ context.Context, requestID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	if !s.tracker.Cancel(requestID) {
		return fmt.Errorf("%w: %q is not in flight", protocol.ErrUnknownRequest, requestID)
	}
	return nil
}

// Status returns the coordinator's view of a request.
func (s *Service) Status(ctx context.Context, requestID string) (coordinator.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return coordinator.State{}, ErrNotStarted
	}
	raw, err := s.snapshots.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return coordinator.State{}, fmt.Errorf("%w: %q", protocol.ErrUnknownRequest, requestID)
		}
		return coordinator.State{}, err
	}
	var st coordinator.State
	if err := codec.Unmarshal(raw, &st); err != nil {
		return coordinator.State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}

// Choose answers a pending escalation on behalf of participantID.
func (s *Service) Choose(_ context.Context, requestID, participantID string, c escalation.Choice) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return ErrNotStarted
	}
	return s.inbox.Choose(requestID, participantID, c)
}

// Pending lists escalations awaiting initiator's choice. An empty initiator
// lists nothing.
func (s *Service) Pending(initiator string) []escalation.Pending {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started || initiator == "" {
		return nil
	}
	return s.inbox.List(initiator)
}

// Meeting returns participantID's private view of requestID.
func (s *Service) Meeting(_ context.Context, participantID, requestID string) (participant.Envelope, error) {
	sc, err := s.scorer(participantID)
	if err != nil {
		return participant.Envelope{}, err
	}
	return sc.View(requestID)
}

// Decisions returns participantID's recent decisions, newest first.
func (s *Service) Decisions(ctx context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error) {
	sc, err := s.scorer(participantID)
	if err != nil {
		return nil, err
	}
	return sc.Decisions(ctx, limit)
}

// RecordDecision appends a decision to participantID's log.
func (s *Service) RecordDecision(ctx context.Context, participantID string, rec protocol.DecisionRecord) (protocol.DecisionRecord, error) {
	sc, err := s.scorer(participantID)
	if err != nil {
		return protocol.DecisionRecord{}, err
	}
	return sc.RecordDecision(ctx, rec)
}

// Participants returns the hosted participant ids, sorted.
func (s *Service) Participants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.scorers))
	for id := range s.scorers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":     s.started,
		"workerCount": s.cfg.WorkerCount,
		"queueSize":   s.cfg.QueueSize,
		"tokenMode":   s.cfg.TokenMode,
		"oracle":      s.cfg.Oracle,
	}
	if s.started {
		ctx := context.Background()
		queueLen := s.queue.Len(ctx)
		stats["queueLength"] = queueLen
		stats["inFlight"] = s.tracker.Size()
		stats["pendingEscalations"] = s.inbox.Len()
		stats["snapshots"] = s.snapshots.Count(ctx)
		stats["participants"] = len(s.scorers)

		metrics.UpdateQueueSize(queueLen)
		metrics.UpdateWorkerCount(s.pool.Size())
	}
	return stats
}

// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/okian/blindslot/internal/domain/coordinator"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/participant"
	"github.com/okian/blindslot/internal/domain/protocol"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	RequestDependencies
	ParticipantDependencies
}

// RequestDependencies drives scheduling requests.
type RequestDependencies interface {
	// Submit queues a request and returns its id.
	Submit(ctx context.Context, req protocol.SchedulingRequest) (string, error)
	Status(ctx context.Context, requestID string) (coordinator.State, error)
	Cancel(ctx context.Context, requestID string) error
	Choose(ctx context.Context, requestID, participantID string, c escalation.Choice) error
	Pending(initiator string) []escalation.Pending
}

// ParticipantDependencies exposes a hosted participant's private data.
type ParticipantDependencies interface {
	Meeting(ctx context.Context, participantID, requestID string) (participant.Envelope, error)
	Decisions(ctx context.Context, participantID string, limit int) ([]protocol.DecisionRecord, error)
	RecordDecision(ctx context.Context, participantID string, rec protocol.DecisionRecord) (protocol.DecisionRecord, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler       *HealthHandler
	statsHandler        *StatsHandler
	requestsHandler     *RequestsHandler
	participantsHandler *ParticipantsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:       NewHealthHandler(),
		statsHandler:        NewStatsHandler(statsProvider),
		requestsHandler:     NewRequestsHandler(deps),
		participantsHandler: NewParticipantsHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("GET /stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))

	mux.HandleFunc("POST /requests", MetricsMiddleware(s.requestsHandler.HandleSubmit, "requests"))
	mux.HandleFunc("GET /requests/pending", MetricsMiddleware(s.requestsHandler.HandlePending, "requests_pending"))
	mux.HandleFunc("GET /requests/{id}", MetricsMiddleware(s.requestsHandler.HandleGet, "request"))
	mux.HandleFunc("DELETE /requests/{id}", MetricsMiddleware(s.requestsHandler.HandleCancel, "request"))
	mux.HandleFunc("POST /requests/{id}/choice", MetricsMiddleware(s.requestsHandler.HandleChoice, "request_choice"))

	mux.HandleFunc("GET /participants/{pid}/meetings/{id}", MetricsMiddleware(s.participantsHandler.HandleMeeting, "participant_meeting"))
	mux.HandleFunc("GET /participants/{pid}/decisions", MetricsMiddleware(s.participantsHandler.HandleDecisions, "participant_decisions"))
	mux.HandleFunc("POST /participants/{pid}/decisions", MetricsMiddleware(s.participantsHandler.HandleRecordDecision, "participant_decisions"))
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeDomainError maps err with statusFor.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	writeError(w, status, code, err)
}

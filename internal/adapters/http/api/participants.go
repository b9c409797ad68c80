package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/okian/blindslot/internal/domain/protocol"
)

// ParticipantsHandler serves a participant's private data. Callers are
// expected to sit behind an authenticating proxy that pins {pid}.
type ParticipantsHandler struct {
	deps ParticipantDependencies
}

// NewParticipantsHandler creates a new participants handler.
func NewParticipantsHandler(deps ParticipantDependencies) *ParticipantsHandler {
	return &ParticipantsHandler{deps: deps}
}

// HandleMeeting handles GET /participants/{pid}/meetings/{id}.
func (h *ParticipantsHandler) HandleMeeting(w http.ResponseWriter, r *http.Request) {
	env, err := h.deps.Meeting(r.Context(), r.PathValue("pid"), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// HandleDecisions handles GET /participants/{pid}/decisions?limit=.
func (h *ParticipantsHandler) HandleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: invalid limit %q", ErrBadRequest, v))
			return
		}
		limit = n
	}
	recs, err := h.deps.Decisions(r.Context(), r.PathValue("pid"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []protocol.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleRecordDecision handles POST /participants/{pid}/decisions.
func (h *ParticipantsHandler) HandleRecordDecision(w http.ResponseWriter, r *http.Request) {
	var rec protocol.DecisionRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	switch rec.UserAction {
	case protocol.UserAccepted, protocol.UserRejected, protocol.UserModified:
	default:
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Errorf("%w: user_action must be accepted, rejected or modified", ErrBadRequest))
		return
	}
	saved, err := h.deps.RecordDecision(r.Context(), r.PathValue("pid"), rec)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/okian/blindslot/internal/domain/coordinator"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/protocol"
)

// submitRequest is the body of POST /requests. Weights and roles may be left
// out; the service resolves them from configuration.
type submitRequest struct {
	RequestID    string                 `json:"request_id"`
	Initiator    string                 `json:"initiator"`
	Participants []protocol.Participant `json:"participants"`
	Window       windowRequest          `json:"window"`
	Meeting      protocol.Meeting       `json:"meeting"`
}

type windowRequest struct {
	Start           string `json:"start"`
	End             string `json:"end"`
	StepMinutes     int    `json:"step_minutes"`
	DurationMinutes int    `json:"duration_minutes"`
	DayStart        int    `json:"day_start"`
	DayEnd          int    `json:"day_end"`
}

func (s submitRequest) toDomain() (protocol.SchedulingRequest, error) {
	if strings.TrimSpace(s.Initiator) == "" {
		return protocol.SchedulingRequest{}, errors.New("missing initiator")
	}
	if len(s.Participants) == 0 {
		return protocol.SchedulingRequest{}, errors.New("missing participants")
	}
	start, err := time.Parse(time.RFC3339, s.Window.Start)
	if err != nil {
		return protocol.SchedulingRequest{}, errors.New("invalid window.start; must be RFC3339")
	}
	end, err := time.Parse(time.RFC3339, s.Window.End)
	if err != nil {
		return protocol.SchedulingRequest{}, errors.New("invalid window.end; must be RFC3339")
	}
	return protocol.SchedulingRequest{
		ID:           s.RequestID,
		Initiator:    s.Initiator,
		Participants: s.Participants,
		Window: protocol.Window{
			Start:    start,
			End:      end,
			Step:     time.Duration(s.Window.StepMinutes) * time.Minute,
			Duration: time.Duration(s.Window.DurationMinutes) * time.Minute,
			DayStart: s.Window.DayStart,
			DayEnd:   s.Window.DayEnd,
		},
		Meeting: s.Meeting,
	}, nil
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
}

// statusResponse is the public view of a request. Neither the winner nor the
// ranked options appear: only the initiator learns the outcome, through its
// meeting view or the pending escalation list.
type statusResponse struct {
	RequestID    string               `json:"request_id"`
	Initiator    string               `json:"initiator"`
	Phase        protocol.Phase       `json:"phase"`
	Resolved     bool                 `json:"resolved"`
	Tokens       protocol.TokenList   `json:"tokens"`
	Contributors []string             `json:"contributors,omitempty"`
	Excluded     []protocol.Exclusion `json:"excluded,omitempty"`
	Escalated    bool                 `json:"escalated"`
	Reason       protocol.Reason      `json:"reason,omitempty"`
	Error        string               `json:"error,omitempty"`
}

func newStatusResponse(st coordinator.State) statusResponse { //nolint:gocritic // hugeParam
	out := statusResponse{
		RequestID:    st.RequestID,
		Initiator:    st.Initiator,
		Phase:        st.Phase,
		Resolved:     st.Winner != "",
		Tokens:       st.Tokens,
		Contributors: st.Contributors,
		Excluded:     st.Excluded,
		Error:        st.Error,
	}
	if st.Decision != nil {
		out.Escalated = st.Decision.Escalate
		out.Reason = st.Decision.Reason
	}
	return out
}

type choiceRequest struct {
	ParticipantID string         `json:"participant_id"`
	Token         protocol.Token `json:"token"`
	Cancel        bool           `json:"cancel"`
}

func (c choiceRequest) validate() error {
	switch {
	case strings.TrimSpace(c.ParticipantID) == "":
		return errors.New("missing participant_id")
	case c.Token == "" && !c.Cancel:
		return errors.New("one of token or cancel is required")
	case c.Token != "" && c.Cancel:
		return errors.New("token and cancel are mutually exclusive")
	}
	return nil
}

// RequestsHandler handles scheduling request routes.
type RequestsHandler struct {
	deps RequestDependencies
}

// NewRequestsHandler creates a new requests handler.
func NewRequestsHandler(deps RequestDependencies) *RequestsHandler {
	return &RequestsHandler{deps: deps}
}

// HandleSubmit handles POST /requests.
func (h *RequestsHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	req, err := body.toDomain()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	id, err := h.deps.Submit(r.Context(), req)
	if err != nil {
		// Unknown participants in a submission are a malformed request.
		if errors.Is(err, protocol.ErrUnknownParticipant) {
			writeError(w, http.StatusBadRequest, "bad_request", err)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{RequestID: id, Status: "accepted"})
}

// HandleGet handles GET /requests/{id}.
func (h *RequestsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	st, err := h.deps.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(st))
}

// HandleCancel handles DELETE /requests/{id}.
func (h *RequestsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleChoice handles POST /requests/{id}/choice.
func (h *RequestsHandler) HandleChoice(w http.ResponseWriter, r *http.Request) {
	var body choiceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := body.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	c := escalation.Choice{Token: body.Token, Cancel: body.Cancel}
	if err := h.deps.Choose(r.Context(), r.PathValue("id"), body.ParticipantID, c); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandlePending handles GET /requests/pending?initiator=. The initiator is
// required.
func (h *RequestsHandler) HandlePending(w http.ResponseWriter, r *http.Request) {
	initiator := strings.TrimSpace(r.URL.Query().Get("initiator"))
	if initiator == "" {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: missing initiator", ErrBadRequest))
		return
	}
	pending := h.deps.Pending(initiator)
	if pending == nil {
		pending = []escalation.Pending{}
	}
	writeJSON(w, http.StatusOK, pending)
}

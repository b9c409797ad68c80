package api

import (
	"errors"
	"net/http"

	eventqueue "github.com/okian/blindslot/internal/adapters/mq/queue"
	"github.com/okian/blindslot/internal/adapters/repository"
	"github.com/okian/blindslot/internal/domain/dedupe"
	"github.com/okian/blindslot/internal/domain/escalation"
	"github.com/okian/blindslot/internal/domain/participant"
	"github.com/okian/blindslot/internal/domain/protocol"
)

// Sentinel kinds for API errors.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrBackpressure = errors.New("backpressure")
)

// statusFor translates domain errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, protocol.ErrInvalidInput),
		errors.Is(err, repository.ErrInvalidRecord),
		errors.Is(err, repository.ErrInvalidLimit):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, protocol.ErrNotEntitled):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, protocol.ErrUnknownRequest),
		errors.Is(err, protocol.ErrUnknownParticipant),
		errors.Is(err, participant.ErrNoMeeting),
		errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, escalation.ErrNotPending):
		return http.StatusNotFound, "not_pending"
	case errors.Is(err, dedupe.ErrInFlight):
		return http.StatusConflict, "in_flight"
	case errors.Is(err, ErrBackpressure), errors.Is(err, eventqueue.ErrFull):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, eventqueue.ErrClosed):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

package protocol

import "errors"

// Protocol error kinds. Callers match with errors.Is.
var (
	// ErrInvalidInput marks a malformed request. Never retried.
	ErrInvalidInput = errors.New("invalid input")
	// ErrOracleUnavailable marks a transient scoring failure.
	ErrOracleUnavailable = errors.New("scoring oracle unavailable")
	// ErrNoQuorum is surfaced as an escalation reason, not a failure.
	ErrNoQuorum = errors.New("no quorum")
	// ErrAllSlotsRejected is surfaced as an escalation reason, not a failure.
	ErrAllSlotsRejected = errors.New("all slots rejected")
	ErrCancelled          = errors.New("request cancelled")
	ErrEscalationTimeout  = errors.New("escalation timed out")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrUnknownRequest     = errors.New("unknown request")
	// ErrNotEntitled is returned when a non-initiator asks for private results.
	ErrNotEntitled = errors.New("not entitled")
)

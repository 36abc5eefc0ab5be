package engine

import "errors"

// Sentinel errors for the governance error taxonomy. Every pipeline stage
// wraps one of these so callers can map failures to reason codes with
// errors.Is.
var (
	// ErrInvalidInput marks a malformed or adversarial request rejected by
	// the sanitizer. Local, non-retryable, always DENY.
	ErrInvalidInput = errors.New("invalid input")

	// ErrHalted marks an active kill switch (global or per-agent). Retry
	// only after external clearance.
	ErrHalted = errors.New("halted")

	// ErrPolicyIntegrity marks a loaded-config hash that does not match the
	// last-verified registry hash. Operationally fatal until corrected.
	ErrPolicyIntegrity = errors.New("policy integrity failure")

	// ErrClassifierUnavailable marks a degraded classifier backend. Non-fatal;
	// the engine falls back to locally-derived intent.
	ErrClassifierUnavailable = errors.New("classifier unavailable")

	// ErrEscalationUnavailable marks a timeout or error from the reasoning
	// backend. The engine fails safe to DENY, never open.
	ErrEscalationUnavailable = errors.New("escalation unavailable")

	// ErrAuditWriteFailure marks a failed audit append. Fatal to the
	// request: no decision leaves the engine unlogged.
	ErrAuditWriteFailure = errors.New("audit write failure")
)

// ReasonForError maps a taxonomy error to its machine-readable reason code.
func ReasonForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return ReasonInputRejected
	case errors.Is(err, ErrHalted):
		return ReasonHalted
	case errors.Is(err, ErrPolicyIntegrity):
		return ReasonPolicyIntegrityFailure
	case errors.Is(err, ErrEscalationUnavailable):
		return ReasonEscalationUnavailable
	case errors.Is(err, ErrAuditWriteFailure):
		return ReasonAuditFailure
	default:
		return ReasonEscalationUnavailable
	}
}

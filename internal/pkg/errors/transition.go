package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// TransitionReason distinguishes why a state transition was refused.
type TransitionReason string

const (
	// ReasonInvalidTransition means the target is not reachable from the expected status.
	ReasonInvalidTransition TransitionReason = CodeInvalidTransition
	// ReasonConcurrentConflict means the stored status no longer equals the expected status.
	ReasonConcurrentConflict TransitionReason = CodeConcurrentConflict
)

// TransitionError is returned for refused state transitions. Both reasons share
// one type: callers must re-fetch and reconcile, never retry with the same expected status.
type TransitionError struct {
	Reason   TransitionReason
	Entity   string // "settlement" or "compliance_case"
	CaseID   string
	Expected string
	Target   string
	Actual   string // stored status when known (conflicts only)
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%s: %s %s: %s -> %s", e.Reason, e.Entity, e.CaseID, e.Expected, e.Target)
	if e.Actual != "" {
		msg += fmt.Sprintf(" (current: %s)", e.Actual)
	}
	return msg
}

// Is lets errors.Is(err, ErrConflict) match every TransitionError.
func (e *TransitionError) Is(target error) bool {
	return target == ErrConflict
}

// AppError converts the transition error into the HTTP error envelope.
func (e *TransitionError) AppError() *AppError {
	params := map[string]interface{}{
		"case_id":  e.CaseID,
		"expected": e.Expected,
		"target":   e.Target,
	}
	if e.Actual != "" {
		params["actual"] = e.Actual
	}
	return Wrap(e, string(e.Reason), "state transition refused", http.StatusConflict).WithParams(params)
}

// InvalidTransition builds a TransitionError with reason INVALID_TRANSITION.
func InvalidTransition(entity, caseID, expected, target string) *TransitionError {
	return &TransitionError{
		Reason:   ReasonInvalidTransition,
		Entity:   entity,
		CaseID:   caseID,
		Expected: expected,
		Target:   target,
	}
}

// ConcurrentConflict builds a TransitionError with reason CONCURRENT_CONFLICT.
func ConcurrentConflict(entity, caseID, expected, target, actual string) *TransitionError {
	return &TransitionError{
		Reason:   ReasonConcurrentConflict,
		Entity:   entity,
		CaseID:   caseID,
		Expected: expected,
		Target:   target,
		Actual:   actual,
	}
}

// AsTransitionError extracts a TransitionError from an error chain.
func AsTransitionError(err error) (*TransitionError, bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// IsReason reports whether err is a TransitionError with the given reason.
func IsReason(err error, reason TransitionReason) bool {
	te, ok := AsTransitionError(err)
	return ok && te.Reason == reason
}

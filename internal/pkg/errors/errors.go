// Package errors carries the clearing engine's error model.
//
// Stores and engines wrap one of the sentinels below with %w. Handlers and
// jobs see either an AppError, which already has a code and an HTTP status,
// or a bare sentinel, which Classify turns into one. A settlement or
// compliance transition that is not permitted is a TransitionError.
//
// Import Path: goldclear.io/clearing/internal/pkg/errors
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinels wrapped by the settlement, compliance and reference-data stores.
var (
	// ErrNotFound: no case, counterparty or corridor under that key.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists: the order already has an open settlement.
	ErrAlreadyExists = errors.New("already exists")
	// ErrForbidden: the actor's roles do not grant the action.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict: a compare-and-append lost to a concurrent writer, or
	// the ledger sequence was already taken.
	ErrConflict = errors.New("conflict")

	// ErrAmbiguousState marks an internal ledger/case invariant violation.
	// Automation must halt; only an operator may reconcile.
	ErrAmbiguousState = errors.New("ambiguous settlement state")
)

// AppError is a settlement-facing error with a stable code and HTTP status.
type AppError struct {
	// Code is a machine-readable error code (e.g., "SETTLEMENT_NOT_FOUND").
	Code string `json:"code"`

	Message string `json:"message"`

	HTTPStatus int `json:"-"`

	// Params names the settlement, case or order the error is about.
	Params map[string]interface{} `json:"params,omitempty"`

	// FieldErrors lists rejected request fields, e.g. a price with more
	// than two decimal places.
	FieldErrors []FieldError `json:"field_errors,omitempty"`

	Err error `json:"-"`
}

// FieldError describes a field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an existing error into an AppError.
func Wrap(err error, code, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// WithParams attaches structured parameters to the error.
func (e *AppError) WithParams(params map[string]interface{}) *AppError {
	if e == nil || len(params) == 0 {
		return e
	}
	e.Params = params
	return e
}

// WithFieldErrors attaches field-level errors to the AppError.
func (e *AppError) WithFieldErrors(fieldErrors []FieldError) *AppError {
	if e == nil || len(fieldErrors) == 0 {
		return e
	}
	e.FieldErrors = fieldErrors
	return e
}

// NotFound creates a 404 error.
func NotFound(code, message string) *AppError {
	return New(code, message, http.StatusNotFound)
}

// BadRequest creates a 400 error.
func BadRequest(code, message string) *AppError {
	return New(code, message, http.StatusBadRequest)
}

// Forbidden creates a 403 error.
func Forbidden(code, message string) *AppError {
	return New(code, message, http.StatusForbidden)
}

// Conflict creates a 409 error.
func Conflict(code, message string) *AppError {
	return New(code, message, http.StatusConflict)
}

// Internal creates a 500 error.
func Internal(code, message string) *AppError {
	return New(code, message, http.StatusInternalServerError)
}

// Unavailable creates a 503 error.
func Unavailable(code, message string) *AppError {
	return New(code, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error is an AppError and returns it.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Classify returns err as an AppError. An AppError anywhere in the chain is
// returned as is; a bare store sentinel gets its settlement code and status.
// Anything else yields false.
func Classify(err error) (*AppError, bool) {
	if appErr, ok := IsAppError(err); ok {
		return appErr, true
	}
	switch {
	case err == nil:
		return nil, false
	case errors.Is(err, ErrAmbiguousState):
		return Wrap(err, CodeSettlementAmbiguous, "settlement is in an ambiguous state; operator reconciliation required", http.StatusConflict), true
	case errors.Is(err, ErrNotFound):
		return Wrap(err, CodeNotFound, "record not found", http.StatusNotFound), true
	case errors.Is(err, ErrAlreadyExists):
		return Wrap(err, CodeSettlementInProgress, "order already has an open settlement", http.StatusConflict), true
	case errors.Is(err, ErrConflict):
		return Wrap(err, CodeConcurrentConflict, "settlement changed concurrently; retry", http.StatusConflict), true
	case errors.Is(err, ErrForbidden):
		return Wrap(err, CodeRoleNotPermitted, "role not permitted", http.StatusForbidden), true
	}
	return nil, false
}

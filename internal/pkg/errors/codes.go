package errors

import "net/http"

// Error codes are machine-readable; clients translate them.
// Backend logs are always in English.

// Settlement error codes.
const (
	CodeSettlementNotFound   = "SETTLEMENT_NOT_FOUND"
	CodeSettlementAmbiguous  = "SETTLEMENT_AMBIGUOUS_STATE"
	CodeSettlementInProgress = "SETTLEMENT_IN_PROGRESS"
	CodePolicyRejected       = "POLICY_REJECTED"
	CodeCertificateNotReady  = "CERTIFICATE_NOT_READY"
)

// CodeNotFound covers a missing record that no caller gave a more specific code.
const CodeNotFound = "NOT_FOUND"

// State-machine error codes shared by settlement and compliance transitions.
const (
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeConcurrentConflict = "CONCURRENT_CONFLICT"
)

// Compliance error codes.
const (
	CodeComplianceCaseNotFound = "COMPLIANCE_CASE_NOT_FOUND"
	CodeCapabilityDenied       = "CAPABILITY_DENIED"
)

// Reference data / capital error codes.
const (
	CodeCounterpartyNotFound = "COUNTERPARTY_NOT_FOUND"
	CodeCorridorNotFound     = "CORRIDOR_NOT_FOUND"
	CodeCapitalUnavailable   = "CAPITAL_SNAPSHOT_UNAVAILABLE"
	CodeCapitalStale         = "CAPITAL_SNAPSHOT_STALE"
)

// Auth error codes.
const (
	CodeAuthFailed       = "AUTH_FAILED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenInvalid     = "TOKEN_INVALID"
	CodeRoleNotPermitted = "ROLE_NOT_PERMITTED"
)

// Validation error codes.
const (
	CodeInvalidRequestField = "INVALID_REQUEST_FIELD"
	CodeValidationFailed    = "VALIDATION_FAILED"
)

// ErrSettlementNotFoundf creates a settlement not found error.
func ErrSettlementNotFoundf(settlementID string) *AppError {
	return (&AppError{
		Code:       CodeSettlementNotFound,
		Message:    "settlement case not found",
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}).WithParams(map[string]interface{}{"settlement_id": settlementID})
}

// ErrComplianceCaseNotFoundf creates a compliance case not found error.
func ErrComplianceCaseNotFoundf(caseID string) *AppError {
	return (&AppError{
		Code:       CodeComplianceCaseNotFound,
		Message:    "compliance case not found",
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}).WithParams(map[string]interface{}{"case_id": caseID})
}

// ErrRoleNotPermittedf creates a 403 for an actor whose role cannot perform an action.
func ErrRoleNotPermittedf(action, role string) *AppError {
	return (&AppError{
		Code:       CodeRoleNotPermitted,
		Message:    "actor role is not permitted to perform " + action,
		HTTPStatus: http.StatusForbidden,
		Err:        ErrForbidden,
	}).WithParams(map[string]interface{}{"action": action, "role": role})
}

// ErrInvalidRequestFieldf creates a bad request error for a malformed field.
func ErrInvalidRequestFieldf(fieldName string) *AppError {
	return &AppError{
		Code:       CodeInvalidRequestField,
		Message:    "request contains invalid field: " + fieldName,
		HTTPStatus: http.StatusBadRequest,
	}
}

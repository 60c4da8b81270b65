package errors

import "net/http"

// Error code constants. Errors carry code + params; the transport layer maps
// them to HTTP responses and the dashboard handles presentation.

// Event store error codes.
const (
	CodeEventNotFound      = "EVENT_NOT_FOUND"
	CodeEventSchemaInvalid = "EVENT_SCHEMA_INVALID"
	CodeEventAppendFailed  = "EVENT_APPEND_FAILED"
	CodeEventTypeNotFound  = "EVENT_TYPE_NOT_FOUND"
)

// Entity graph error codes.
const (
	CodeEntityNotFound      = "ENTITY_NOT_FOUND"
	CodeEntityExists        = "ENTITY_ALREADY_EXISTS"
	CodeConcurrencyConflict = "CONCURRENCY_CONFLICT"
)

// Intent pipeline error codes.
const (
	CodeIntentNotFound    = "INTENT_NOT_FOUND"
	CodeHandlerNotFound   = "INTENT_HANDLER_NOT_FOUND"
	CodeRuleRejected      = "RULE_REJECTED"
	CodeApprovalRequired  = "APPROVAL_REQUIRED"
	CodeIntentNotPending  = "INTENT_NOT_PENDING"
	CodeIntentNotApproved = "INTENT_NOT_APPROVED"
	CodeSoDViolation      = "SOD_VIOLATION"
	CodeCapabilityDenied  = "CAPABILITY_DENIED"
)

// Projection error codes.
const (
	CodeProjectionNotFound   = "PROJECTION_NOT_FOUND"
	CodeSubscriptionNotFound = "SUBSCRIPTION_NOT_FOUND"
	CodeSnapshotNotFound     = "SNAPSHOT_NOT_FOUND"
)

// Validation error codes.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeMissingField     = "MISSING_REQUIRED_FIELD"
)

// Auth error codes.
const (
	CodeAuthFailed   = "AUTH_FAILED"
	CodeTokenExpired = "TOKEN_EXPIRED"
	CodeTokenInvalid = "TOKEN_INVALID"
)

// Convenience constructors using predefined codes.

// ErrConcurrencyConflictf creates a 409 error with version context.
func ErrConcurrencyConflictf(entityID string, expected, actual int64) *AppError {
	return (&AppError{
		Code:       CodeConcurrencyConflict,
		Message:    "entity version conflict",
		HTTPStatus: http.StatusConflict,
	}).WithParams(map[string]interface{}{
		"entity_id":        entityID,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

// ErrEntityNotFoundf creates an entity not found error.
func ErrEntityNotFoundf(entityType, entityID string) *AppError {
	return (&AppError{
		Code:       CodeEntityNotFound,
		Message:    entityType + " not found",
		HTTPStatus: http.StatusNotFound,
	}).WithParams(map[string]interface{}{
		"entity_type": entityType,
		"entity_id":   entityID,
	})
}

// ErrSoDViolationf creates a segregation-of-duties error.
func ErrSoDViolationf(actorID string) *AppError {
	return (&AppError{
		Code:       CodeSoDViolation,
		Message:    "approver must differ from the original actor",
		HTTPStatus: http.StatusForbidden,
	}).WithParams(map[string]interface{}{
		"actor_id": actorID,
	})
}

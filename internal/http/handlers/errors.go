// Machine-readable error codes for the ErrorResponse envelope. Generic codes
// track HTTP status semantics; the domain codes cover staging and push
// failures a status alone cannot convey. Handlers pick the most specific
// code and hand it to fail().
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeStageFailed      = "stage_failed"
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"
	ErrCodePushFailed       = "push_failed"
	ErrCodeRemoteDisabled   = "remote_writes_disabled"
	ErrCodeMethodNotAllowed = "method_not_allowed"
)

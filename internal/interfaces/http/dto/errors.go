package dto

import (
	"net/http"

	"github.com/rostersync/backend/internal/domain/shared"
)

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
	// ErrCodeRequestTooLarge is used when the body exceeds the configured limit
	ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"
)

// Mapping error codes
const (
	// ErrCodeNotFound is used when no mapping exists for the key
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeConstraintViolation is used when a write would break the one-to-one correspondence
	ErrCodeConstraintViolation = "ERR_CONSTRAINT_VIOLATION"
	// ErrCodeInvalidState is used for illegal sync status transitions
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	// ErrCodeStoreUnavailable is used when the durable store cannot be reached
	ErrCodeStoreUnavailable = "ERR_STORE_UNAVAILABLE"
	// ErrCodeCacheDegraded is only reported by health and maintenance endpoints
	ErrCodeCacheDegraded = "ERR_CACHE_DEGRADED"
)

// Rate limiting error codes
const (
	// ErrCodeRateLimited is used when rate limit is exceeded
	ErrCodeRateLimited = "ERR_RATE_LIMITED"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeBadRequest:      http.StatusBadRequest,
	ErrCodeInvalidJSON:     http.StatusBadRequest,
	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,

	ErrCodeNotFound: http.StatusNotFound,
	// Callers resolve conflicts themselves, e.g. by retrying with force_repoint
	ErrCodeConstraintViolation: http.StatusBadRequest,
	ErrCodeInvalidState:        http.StatusBadRequest,
	ErrCodeStoreUnavailable:    http.StatusInternalServerError,
	ErrCodeCacheDegraded:       http.StatusInternalServerError,

	ErrCodeRateLimited: http.StatusTooManyRequests,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// DomainErrorCodeMapping maps domain error codes to API error codes
var DomainErrorCodeMapping = map[string]string{
	shared.CodeNotFound:            ErrCodeNotFound,
	shared.CodeConstraintViolation: ErrCodeConstraintViolation,
	shared.CodeValidation:          ErrCodeValidation,
	shared.CodeInvalidState:        ErrCodeInvalidState,
	shared.CodeStoreUnavailable:    ErrCodeStoreUnavailable,
	shared.CodeCacheDegraded:       ErrCodeCacheDegraded,
}

// NormalizeErrorCode converts a domain error code to the API format.
// Codes already in the API format or unknown are returned as-is.
func NormalizeErrorCode(code string) string {
	if apiCode, ok := DomainErrorCodeMapping[code]; ok {
		return apiCode
	}
	return code
}

// IsRetryable reports whether clients should retry the request later
func IsRetryable(code string) bool {
	return code == ErrCodeStoreUnavailable || code == ErrCodeRateLimited
}

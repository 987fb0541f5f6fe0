package dto

import (
	"net/http"

	"github.com/affretia/backend/internal/domain/shared"
)

// Error codes of the API. Domain codes are passed through unchanged.
const (
	ErrCodeNotFound           = shared.CodeNotFound
	ErrCodeInvalidInput       = shared.CodeInvalidInput
	ErrCodeConflict           = shared.CodeConflict
	ErrCodeConcurrentModified = shared.CodeConcurrentModified
	ErrCodeInvalidState       = shared.CodeInvalidState
	ErrCodeIneligible         = shared.CodeIneligible
	ErrCodeComplianceRejected = shared.CodeComplianceRejected

	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeRequestTooLarge = "REQUEST_TOO_LARGE"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeUnavailable     = "SERVICE_UNAVAILABLE"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeBadRequest:   http.StatusBadRequest,

	ErrCodeNotFound: http.StatusNotFound,

	ErrCodeConflict:           http.StatusConflict,
	ErrCodeConcurrentModified: http.StatusConflict,

	// business rule violations
	ErrCodeInvalidState:       http.StatusUnprocessableEntity,
	ErrCodeIneligible:         http.StatusUnprocessableEntity,
	ErrCodeComplianceRejected: http.StatusUnprocessableEntity,

	ErrCodeRequestTooLarge: http.StatusRequestEntityTooLarge,
	ErrCodeRateLimited:     http.StatusTooManyRequests,
	ErrCodeInternal:        http.StatusInternalServerError,
	ErrCodeUnavailable:     http.StatusServiceUnavailable,
}

// GetHTTPStatus returns the HTTP status code for an error code, 500 when
// the code is unknown
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

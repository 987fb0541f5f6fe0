package shared

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target carries the same code, so wrapped sentinel
// comparisons with errors.Is work on codes rather than pointers.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// WithDetail returns a copy of the error carrying an extra detail entry
func (e *DomainError) WithDetail(key string, value any) *DomainError {
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &DomainError{Code: e.Code, Message: e.Message, Details: details}
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes shared by every bounded context
const (
	CodeNotFound           = "NOT_FOUND"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeConflict           = "CONFLICT"
	CodeConcurrentModified = "CONCURRENT_MODIFICATION"
	CodeInvalidState       = "INVALID_STATE"
	CodeIneligible         = "INELIGIBLE"
	CodeComplianceRejected = "COMPLIANCE_REJECTED"
)

// Common domain errors
var (
	ErrNotFound            = NewDomainError(CodeNotFound, "Resource not found")
	ErrInvalidInput        = NewDomainError(CodeInvalidInput, "Invalid input provided")
	ErrConflict            = NewDomainError(CodeConflict, "Resource conflicts with an existing one")
	ErrConcurrencyConflict = NewDomainError(CodeConcurrentModified, "Resource was modified by another process")
	ErrInvalidState        = NewDomainError(CodeInvalidState, "Operation not allowed in current state")
	ErrIneligible          = NewDomainError(CodeIneligible, "No eligible candidate")
	ErrComplianceRejected  = NewDomainError(CodeComplianceRejected, "Carrier rejected by compliance checks")
)

// NewValidationError creates an INVALID_INPUT error
func NewValidationError(format string, args ...any) *DomainError {
	return NewDomainError(CodeInvalidInput, fmt.Sprintf(format, args...))
}

// NewConflictError creates a CONFLICT error
func NewConflictError(format string, args ...any) *DomainError {
	return NewDomainError(CodeConflict, fmt.Sprintf(format, args...))
}

// NewNotFoundError creates a NOT_FOUND error for the given resource kind and id
func NewNotFoundError(kind, id string) *DomainError {
	return NewDomainError(CodeNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

// NewIneligibleError creates an INELIGIBLE error
func NewIneligibleError(format string, args ...any) *DomainError {
	return NewDomainError(CodeIneligible, fmt.Sprintf(format, args...))
}

// ErrorCode extracts the domain error code from err, or "" if err is not a domain error
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

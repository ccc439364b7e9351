// Package governance enforces the tenant, capability, and change-control
// boundary that every control-plane operation passes through.
package governance

import (
	"errors"
	"fmt"
)

// Code classifies an operational error for callers and for HTTP mapping.
type Code string

const (
	CodeInvariantViolation   Code = "INVARIANT_VIOLATION"
	CodeGovernanceRequired   Code = "GOVERNANCE_REQUIRED"
	CodeCapabilityDenied     Code = "CAPABILITY_DENIED"
	CodeModuleBoundaryEscape Code = "MODULE_BOUNDARY_ESCAPE"
	CodeConflict             Code = "CONFLICT"
	CodeValidationError      Code = "VALIDATION_ERROR"
	CodeProducerError        Code = "PRODUCER_ERROR"
	CodeNotFound             Code = "NOT_FOUND"
	CodeStateInvalid         Code = "STATE_INVALID"
)

// Error carries a taxonomy code alongside the message so callers can branch
// on the class of failure without string matching.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError creates a coded error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with a taxonomy code.
func WrapError(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), err: err}
}

// CodeOf extracts the taxonomy code from an error chain.
// Returns empty string if the error carries no code.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Package errors defines the service error taxonomy. Every error that crosses
// a service boundary carries a Code so handlers can map it to a transport
// status without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for transport mapping and logging.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeAmbiguous    Code = "AMBIGUOUS_WORKFLOW"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeInternal     Code = "INTERNAL"
)

// ErrDuplicateApproval is a non-fatal sentinel: the same approver acted twice
// on one step. The action is stored for audit but never counted twice.
var ErrDuplicateApproval = stderrors.New("duplicate approval for step")

// Error is a coded service error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// AmbiguousWorkflow reports overlapping workflow definitions; this is a
// configuration error, never resolved by silently picking one.
func AmbiguousWorkflow(detail string) *Error {
	return &Error{Code: ErrCodeAmbiguous, Message: "ambiguous workflow selection: " + detail}
}

// InstanceTerminal reports an action submitted against a closed instance.
func InstanceTerminal(instanceID, status string) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: fmt.Sprintf("approval instance %q is terminal (status: %s)", instanceID, status),
	}
}

// IneligibleApprover reports a role/department mismatch for the acting user.
func IneligibleApprover(userID, detail string) *Error {
	return &Error{
		Code:    ErrCodeUnauthorized,
		Message: fmt.Sprintf("user %q is not eligible to act on this step: %s", userID, detail),
	}
}

// InvalidInput reports a bad request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, message)}
}

// CodeOf returns the code of err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsNotFound reports whether err carries ErrCodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConflict reports whether err carries ErrCodeConflict.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsUnauthorized reports whether err carries ErrCodeUnauthorized.
func IsUnauthorized(err error) bool { return CodeOf(err) == ErrCodeUnauthorized }

// Is and As re-export the stdlib helpers so callers need a single import.
func Is(err, target error) bool  { return stderrors.Is(err, target) }
func As(err error, target any) bool { return stderrors.As(err, target) }

// Package apperr defines the coded error taxonomy shared across the approval
// engine. Callers branch on the stable code, never on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a stable error category.
type Code string

const (
	ErrCodeInvalidInput Code = "INVALID_INPUT" // rejected before any state mutation
	ErrCodeUnauthorized Code = "UNAUTHORIZED"  // actor may not act on this step
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT" // state machine refused the transition
	ErrCodeStuck        Code = "STUCK"    // step resolved to zero approvers
	ErrCodeInternal     Code = "INTERNAL"
)

// Error carries a code, a human-readable message and an optional cause.
type Error struct {
	ErrCode Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.ErrCode, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{ErrCode: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
// A nil cause returns nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{ErrCode: code, Message: msg, Cause: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{ErrCode: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a rejected field before any state mutation.
func InvalidInput(field, msg string) error {
	return &Error{ErrCode: ErrCodeInvalidInput, Message: fmt.Sprintf("%s: %s", field, msg)}
}

// Conflict reports a refused state transition.
func Conflict(msg string) error {
	return &Error{ErrCode: ErrCodeConflict, Message: msg}
}

// Unauthorized reports an actor who may not perform the action.
func Unauthorized(msg string) error {
	return &Error{ErrCode: ErrCodeUnauthorized, Message: msg}
}

// CodeOf extracts the code from err, or ErrCodeInternal for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.ErrCode
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

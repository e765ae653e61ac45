// Package errors provides the structured error taxonomy shared by every
// go-netgraph package.
//
// Each error carries a machine-readable [Code] so callers can branch on the
// failure category without matching message text:
//
//   - INVALID_CONFIGURATION: a layer descriptor or run configuration is invalid
//   - SHAPE_MISMATCH: connected layers disagree on tensor shapes
//   - MALFORMED_TOPOLOGY: the layer graph is cyclic, multi-sink or dangling
//   - ILLEGAL_STATE: an operation was called at the wrong point of a lifecycle
//   - ENGINE_ERROR: the execution engine reported a failure
//
// # Usage
//
//	err := errors.New(errors.ErrCodeShapeMismatch, "dense_3 expects rank 1, got %v", shape)
//	if errors.Is(err, errors.ErrCodeShapeMismatch) {
//	    // handle
//	}
//
//	err = errors.Wrap(errors.ErrCodeEngine, cause, "train batch %d", i)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for the failure categories of the library.
const (
	ErrCodeInvalidConfiguration Code = "INVALID_CONFIGURATION"
	ErrCodeShapeMismatch        Code = "SHAPE_MISMATCH"
	ErrCodeMalformedTopology    Code = "MALFORMED_TOPOLOGY"
	ErrCodeIllegalState         Code = "ILLEGAL_STATE"
	ErrCodeEngine               Code = "ENGINE_ERROR"

	ErrCodeInvalidInput  Code = "INVALID_INPUT"
	ErrCodeNotFound      Code = "NOT_FOUND"
	ErrCodeAlreadyExists Code = "ALREADY_EXISTS"
	ErrCodeUnsupported   Code = "UNSUPPORTED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns the message without the code prefix for *Error values
// and the plain error string otherwise.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

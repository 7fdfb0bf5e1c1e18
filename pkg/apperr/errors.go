// Package apperr defines the stable error taxonomy shared by every
// component of the orchestrator. Components return *AppError (or wrap one)
// rather than ad-hoc error strings so that callers — particularly the
// gateway's method dispatcher — can map errors to wire error codes without
// string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, wire-visible error code. These strings appear in the
// gateway wire protocol and in structured events; never rename one once
// shipped.
type Code string

const (
	CodeUnauthorized    Code = "unauthorized"
	CodeBadState        Code = "bad_state"
	CodeInvalidRequest  Code = "invalid_request"
	CodeNotFound        Code = "not_found"
	CodeInternal        Code = "internal"
	CodeBudgetExhausted Code = "budget_exhausted"
	CodeHardLimit       Code = "hard_limit"
	CodeDuplicateContent Code = "duplicate_content"
	CodeRestoreFailed   Code = "restore_failed"
	CodeNoPatchSet      Code = "no_patchset"
	CodeMissingEvidence Code = "missing_evidence"
	CodeMissingOutputs  Code = "missing_outputs"
)

// AppError is the concrete error type carried through the system.
type AppError struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

func Retryable(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message, Retryable: true}
}

// CodeOf extracts the Code from err, falling back to CodeInternal when err
// is not (or does not wrap) an *AppError.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether err is an AppError explicitly marked retryable.
func IsRetryable(err error) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

func NewUnauthorized(msg string) *AppError   { return New(CodeUnauthorized, msg) }
func NewBadState(msg string) *AppError       { return New(CodeBadState, msg) }
func NewInvalidRequest(msg string) *AppError { return New(CodeInvalidRequest, msg) }
func NewNotFound(msg string) *AppError       { return New(CodeNotFound, msg) }
func NewInternal(msg string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: msg, Err: cause}
}

package engine

import (
	"errors"
	"fmt"
)

// Family classifies an error for audit and recovery semantics. The two
// mutating families are never conflated: rejections are policy failures
// detected before any mutation, failures occur during or after a mutation
// attempt and imply a rollback.
type Family string

const (
	// FamilyRejection marks policy failures. State is provably unchanged.
	FamilyRejection Family = "rejection"

	// FamilyFailure marks errors during or after a mutation attempt. The
	// prior snapshot remains latest.
	FamilyFailure Family = "failure"

	// FamilyInternal marks infrastructure errors (storage, locking) that
	// are surfaced to the caller as Go errors rather than results.
	FamilyInternal Family = "internal"
)

// Code is a machine-readable error code attached to results and errors.
type Code string

// Rejection codes. All are detectable before the mutation begins.
const (
	CodeScopeUnavailable     Code = "scope_unavailable"
	CodeUnknownAction        Code = "unknown_action"
	CodePermissionDenied     Code = "permission_denied"
	CodeConfirmationRequired Code = "confirmation_required"
	CodeInvalidInput         Code = "invalid_input"
	CodePreconditionFailed   Code = "precondition_failed"
	CodeRateLimited          Code = "rate_limited"
	CodeBudgetExceeded       Code = "budget_exceeded"
	CodeExecutionWindow      Code = "execution_window"
	CodeStepLimitExceeded    Code = "step_limit_exceeded"
	CodeUnsupportedIntent    Code = "unsupported_intent"
)

// Failure codes. These occur during or after the mutation attempt.
const (
	CodeInvariantViolated Code = "invariant_violated"
	CodeHandlerError      Code = "handler_error"
	CodeHandlerTimeout    Code = "handler_timeout"
	CodeEvaluatorError    Code = "evaluator_error"
	CodeSnapshotNotFound  Code = "snapshot_not_found"
)

// Internal codes.
const (
	CodeStorage Code = "storage_error"
	CodeLock    Code = "lock_error"
)

// Error is a classified engine error.
type Error struct {
	// Family is the error classification.
	Family Family `json:"family"`

	// Code is the machine-readable code for programmatic handling.
	Code Code `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Family, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Family, e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is. Two engine errors match when
// their family and code match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Family == t.Family && e.Code == t.Code
}

// NewRejection creates a policy rejection error.
func NewRejection(code Code, message string) *Error {
	return &Error{Family: FamilyRejection, Code: code, Message: message}
}

// NewFailure creates a mutation failure error.
func NewFailure(code Code, message string, err error) *Error {
	return &Error{Family: FamilyFailure, Code: code, Message: message, Err: err}
}

// NewInternal creates an infrastructure error.
func NewInternal(code Code, message string, err error) *Error {
	return &Error{Family: FamilyInternal, Code: code, Message: message, Err: err}
}

// IsRejection reports whether err is classified as a rejection.
func IsRejection(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Family == FamilyRejection
	}
	return false
}

// IsFailure reports whether err is classified as a failure.
func IsFailure(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Family == FamilyFailure
	}
	return false
}

// CodeOf extracts the engine code from an error chain, or empty string.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

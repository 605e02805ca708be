// Package errors defines the typed error taxonomy shared by the registry,
// the aggregators and the HTTP surface. Each error carries enough context
// for the transport layer to map it to a status code without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed or missing task field. The whole
// creation call aborts; no partial task is ever stored.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// AuthorizationError reports a caller that is not allowed to perform the
// attempted operation. No state changes.
type AuthorizationError struct {
	Caller string
	Reason string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("caller %q not authorized: %s", e.Caller, e.Reason)
}

// DuplicateSubmissionError reports a second submission by the same worker
// for the same task. The existing submission is left untouched.
type DuplicateSubmissionError struct {
	TaskID  uint64
	Worker  string
	Message string // pre-rendered message, used when set
}

func (e *DuplicateSubmissionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("worker %q already submitted for task %d", e.Worker, e.TaskID)
}

// InsufficientPaymentError reports a payment below the computed total
// price. Amounts are canonical decimal strings.
type InsufficientPaymentError struct {
	Required string
	Provided string
	Message  string // pre-rendered message, used when set
}

func (e *InsufficientPaymentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("insufficient payment: need %s, got %s", e.Required, e.Provided)
}

// NotFoundError reports a lookup of a task or quorum task that does not
// exist (or was already finalized and cleared).
type NotFoundError struct {
	Kind    string
	ID      uint64
	Message string // pre-rendered message, used when set
}

func (e *NotFoundError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// ConfigResolutionError reports a worker-side failure to fetch or parse a
// task's config. It is logged by the worker and never reaches the
// registry; the task stays pending.
type ConfigResolutionError struct {
	Ref string
	Err error
}

func (e *ConfigResolutionError) Error() string {
	return fmt.Sprintf("resolve config %q: %v", e.Ref, e.Err)
}

func (e *ConfigResolutionError) Unwrap() error { return e.Err }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsAuthorization reports whether err is (or wraps) an AuthorizationError.
func IsAuthorization(err error) bool {
	var e *AuthorizationError
	return errors.As(err, &e)
}

// IsDuplicateSubmission reports whether err is (or wraps) a
// DuplicateSubmissionError.
func IsDuplicateSubmission(err error) bool {
	var e *DuplicateSubmissionError
	return errors.As(err, &e)
}

// IsInsufficientPayment reports whether err is (or wraps) an
// InsufficientPaymentError.
func IsInsufficientPayment(err error) bool {
	var e *InsufficientPaymentError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsConfigResolution reports whether err is (or wraps) a
// ConfigResolutionError.
func IsConfigResolution(err error) bool {
	var e *ConfigResolutionError
	return errors.As(err, &e)
}

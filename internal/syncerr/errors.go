// Package syncerr provides the typed errors produced by the sync pipeline.
package syncerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code classifies an error for retry and propagation decisions.
type Code string

const (
	CodeValidation  Code = "VALIDATION"
	CodeTransient   Code = "TRANSIENT"
	CodeUnsupported Code = "UNSUPPORTED"
	CodeDomain      Code = "DOMAIN"
	CodeStorage     Code = "STORAGE"
)

// SyncError carries the operation, component, and retryability of a failure
// alongside the underlying cause.
type SyncError struct {
	Op        string
	Component string
	Code      Code
	Retryable bool
	Err       error
}

func (e *SyncError) Error() string {
	msg := e.Op + " failed"
	if e.Component != "" {
		msg = fmt.Sprintf("%s failed in %s", e.Op, e.Component)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// ValidationError collects every rule violated by a payload. It is never
// retried and surfaces verbatim to the caller.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// NewValidation wraps rule violations in a ValidationError.
func NewValidation(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}

// NewUnsupported marks a sync type/operation combination with no handler.
func NewUnsupported(syncType, operation string) *SyncError {
	return &SyncError{
		Op:        operation,
		Component: "dispatch",
		Code:      CodeUnsupported,
		Retryable: false,
		Err:       fmt.Errorf("sync type %q does not support operation %q", syncType, operation),
	}
}

// NewDomain marks a business-rule violation discovered during mutation.
func NewDomain(op string, cause error) *SyncError {
	return &SyncError{Op: op, Component: "handler", Code: CodeDomain, Retryable: false, Err: cause}
}

// NewTransient marks an infrastructure failure worth retrying.
func NewTransient(op string, cause error) *SyncError {
	return &SyncError{Op: op, Component: "storage", Code: CodeTransient, Retryable: true, Err: cause}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCode reports whether err is a SyncError with the given code.
func IsCode(err error, code Code) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Code == code
}

// transientPatterns match infrastructure failures that resolve on their own:
// network flaps, lock contention, database restarts.
var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"deadlock",
	"lock wait",
	"could not obtain lock",
	"server has gone away",
}

// IsTransient reports whether an error is worth retrying. Typed errors answer
// for themselves; anything else is matched against known transient message
// patterns.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Retryable
	}
	if IsValidation(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

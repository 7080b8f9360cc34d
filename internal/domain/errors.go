package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed local input; the remote service is never contacted
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyInProgress is returned when a retry for the same job is still outstanding
	ErrAlreadyInProgress = errors.New("retry already in progress")

	// ErrUnauthorized is returned when the bearer credential is missing or rejected
	ErrUnauthorized = errors.New("credential missing or rejected")

	// ErrJobNotFound is returned when a job is not present in the local snapshot
	ErrJobNotFound = errors.New("job not found")

	// ErrNotRetryable is returned when a retry targets a job that is not completed or failed
	ErrNotRetryable = errors.New("only failed or completed jobs can be retried")

	// ErrNoErrorLog is returned when an error log is requested for a job that has not failed
	ErrNoErrorLog = errors.New("only failed jobs have error logs")

	// ErrMalformedPayload is returned when the remote service sends data that breaks job invariants
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrStoreClosed is returned when a result arrives after the job store was torn down
	ErrStoreClosed = errors.New("job store closed")
)

// ValidationError describes a rejected input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new validation error
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ActionError carries the server-supplied detail of a failed create or retry call
type ActionError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

// Error returns the server detail verbatim
func (e *ActionError) Error() string {
	return e.Detail
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// TransientSyncError wraps a failed poll tick. The store is left untouched.
type TransientSyncError struct {
	Err error
}

func (e *TransientSyncError) Error() string {
	return "sync failed: " + e.Err.Error()
}

func (e *TransientSyncError) Unwrap() error {
	return e.Err
}

// NewTransientSyncError creates a new transient sync error
func NewTransientSyncError(err error) error {
	return &TransientSyncError{Err: err}
}

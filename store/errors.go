// Package store holds the error taxonomy shared by every StateStore
// implementation (memstore and any future one) so callers can branch on
// failure kind with errors.Is/errors.As regardless of backend.
package store

import "fmt"

// ErrorType categorizes a StoreError.
type ErrorType int

const (
	ErrorTypeNotFound ErrorType = iota
	ErrorTypeConflict
	ErrorTypeInvalidState
	ErrorTypeIO
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeConflict:
		return "conflict"
	case ErrorTypeInvalidState:
		return "invalid_state"
	case ErrorTypeIO:
		return "io"
	default:
		return "unknown"
	}
}

// StoreError is the structured error every StateStore method returns on
// failure.
type StoreError struct {
	Type    ErrorType
	Message string
	Cause   error
	JobID   string
	BatchID string
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store %s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("store %s error: %s", e.Type, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// NewStoreError creates a StoreError of the given type.
func NewStoreError(t ErrorType, message string) *StoreError {
	return &StoreError{Type: t, Message: message}
}

// WithCause attaches an underlying cause.
func (e *StoreError) WithCause(cause error) *StoreError {
	e.Cause = cause
	return e
}

// WithJob attaches the job ID this error pertains to.
func (e *StoreError) WithJob(jobID string) *StoreError {
	e.JobID = jobID
	return e
}

// WithBatch attaches the batch ID this error pertains to.
func (e *StoreError) WithBatch(batchID string) *StoreError {
	e.BatchID = batchID
	return e
}

// NewNotFoundError is a convenience constructor for the common case.
func NewNotFoundError(message string) *StoreError {
	return NewStoreError(ErrorTypeNotFound, message)
}

// NewConflictError is a convenience constructor for optimistic-concurrency
// version mismatches.
func NewConflictError(message string) *StoreError {
	return NewStoreError(ErrorTypeConflict, message)
}

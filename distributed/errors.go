package distributed

import "fmt"

// ClaimErrorType categorizes a ClaimError.
type ClaimErrorType int

const (
	ClaimErrorTypeStore ClaimErrorType = iota
	ClaimErrorTypeRecord
	ClaimErrorTypeFinalize
)

func (t ClaimErrorType) String() string {
	switch t {
	case ClaimErrorTypeStore:
		return "store"
	case ClaimErrorTypeRecord:
		return "record"
	case ClaimErrorTypeFinalize:
		return "finalize"
	default:
		return "unknown"
	}
}

// ClaimError is the structured error a Coordinator method returns when
// the claim/process/finalize protocol fails outside the normal
// ClaimOutcome results (those are reported as values, not errors).
type ClaimError struct {
	Type    ClaimErrorType
	Message string
	Cause   error
	JobID   string
	BatchID string
}

func (e *ClaimError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("distributed %s error: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("distributed %s error: %s", e.Type, e.Message)
}

func (e *ClaimError) Unwrap() error {
	return e.Cause
}

// NewClaimError creates a ClaimError of the given type.
func NewClaimError(t ClaimErrorType, message string) *ClaimError {
	return &ClaimError{Type: t, Message: message}
}

// WithCause attaches an underlying cause.
func (e *ClaimError) WithCause(cause error) *ClaimError {
	e.Cause = cause
	return e
}

// WithJob attaches the job ID this error pertains to.
func (e *ClaimError) WithJob(jobID string) *ClaimError {
	e.JobID = jobID
	return e
}

// WithBatch attaches the batch ID this error pertains to.
func (e *ClaimError) WithBatch(batchID string) *ClaimError {
	e.BatchID = batchID
	return e
}

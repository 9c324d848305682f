package jobctx

import (
	"errors"
	"fmt"

	"github.com/vgpastor/bulkimport/ports"
)

// Sentinel errors for errors.Is checks against job-status transition
// failures.
var (
	ErrInvalidTransition   = errors.New("invalid-transition")
	ErrCannotResumeAborted = errors.New("cannot-resume-aborted")
)

// TransitionError wraps ErrInvalidTransition with the offending edge: a
// typed error with From/To/Cause fields instead of a bare fmt.Errorf, so
// callers can branch on the edge as well as errors.Is.
type TransitionError struct {
	From ports.JobStatus
	To   ports.JobStatus
	// Cause further qualifies the failure, e.g. ErrCannotResumeAborted.
	Cause error
}

func (e *TransitionError) Error() string {
	cause := e.Cause
	if cause == nil {
		cause = ErrInvalidTransition
	}
	return fmt.Sprintf("transition %s -> %s: %v", e.From, e.To, cause)
}

func (e *TransitionError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrInvalidTransition, e.Cause}
	}
	return []error{ErrInvalidTransition}
}

func newTransitionError(from, to ports.JobStatus) *TransitionError {
	return &TransitionError{From: from, To: to}
}

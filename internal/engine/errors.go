package engine

import (
	"errors"
	"fmt"
)

// Phase names a step of the job pipeline.
type Phase string

const (
	PhaseIngest   Phase = "ingest"
	PhaseDispatch Phase = "dispatch"
	PhaseGroup    Phase = "group"
	PhaseFinalize Phase = "finalize"
)

// PhaseError is returned when a phase fails in a way that must be retried
// by redelivering the message that started it. Duplicate deliveries and
// claim conflicts are never PhaseErrors; they are reported as ignored
// outcomes.
type PhaseError struct {
	Phase Phase
	JobID string
	Group string
	Err   error
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("%s failed (job=%s, group=%s): %v", e.Phase, e.JobID, e.Group, e.Err)
	}
	return fmt.Sprintf("%s failed (job=%s): %v", e.Phase, e.JobID, e.Err)
}

// Unwrap returns the underlying error.
func (e *PhaseError) Unwrap() error {
	return e.Err
}

func phaseError(phase Phase, jobID, group string, err error) *PhaseError {
	return &PhaseError{Phase: phase, JobID: jobID, Group: group, Err: err}
}

// IsFinalizeError returns true if report assembly failed after the finalize
// claim was won. Uses errors.As to handle wrapped errors.
func IsFinalizeError(err error) bool {
	return isPhase(err, PhaseFinalize)
}

// IsGroupError returns true if a group execution failed and its claim was
// released.
func IsGroupError(err error) bool {
	return isPhase(err, PhaseGroup)
}

// IsIngestError returns true if extraction failed.
func IsIngestError(err error) bool {
	return isPhase(err, PhaseIngest)
}

func isPhase(err error, phase Phase) bool {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase == phase
	}
	return false
}

// ErrReportNotReady is returned when a report is requested before the job
// is done.
var ErrReportNotReady = errors.New("report not ready")

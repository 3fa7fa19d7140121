package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is a state of the job lifecycle.
//
//	queued → extracting → extracted → processing → finalizing → done
//	             ↓
//	           failed → extracting (resubmission)
//
// finalizing → processing is allowed when a report assembly attempt fails
// and its finalize claim is released.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusExtracting JobStatus = "extracting"
	StatusExtracted  JobStatus = "extracted"
	StatusProcessing JobStatus = "processing"
	StatusFinalizing JobStatus = "finalizing"
	StatusDone       JobStatus = "done"
	StatusFailed     JobStatus = "failed"
)

var transitions = map[JobStatus][]JobStatus{
	StatusQueued:     {StatusExtracting},
	StatusExtracting: {StatusExtracted, StatusFailed},
	StatusExtracted:  {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusFinalizing, StatusDone},
	StatusFinalizing: {StatusDone, StatusProcessing},
	StatusFailed:     {StatusExtracting},
	StatusDone:       nil,
}

// IsInProgressOrDone reports whether a job in this status must not be
// extracted again. It is the only idempotency gate for ingestion.
func IsInProgressOrDone(s JobStatus) bool {
	switch s {
	case StatusExtracting, StatusExtracted, StatusProcessing, StatusFinalizing, StatusDone:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle allows moving from one status
// to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseJobStatus converts a stored status string, rejecting unknown values.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// Mode selects whether foreign-language fields are translated before
// evaluation.
type Mode string

const (
	ModeAsIs    Mode = "AS_IS"
	ModeRelabel Mode = "RELABEL"
)

// ErrInvalidManifest marks a manifest that can never be ingested as
// written. Redelivering it does not help.
var ErrInvalidManifest = errors.New("invalid manifest")

// ParseMode normalizes a manifest mode. The empty string means "detect".
func ParseMode(s string) (Mode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case string(ModeAsIs):
		return ModeAsIs, nil
	case string(ModeRelabel):
		return ModeRelabel, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidManifest, s)
}

// Job is the ledger row for one manifest.
type Job struct {
	ID         string    `json:"job_id"`
	Status     JobStatus `json:"status"`
	Mode       Mode      `json:"mode,omitempty"`
	FactsPath  string    `json:"facts_path,omitempty"`
	ReportPath string    `json:"report_path,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// JobPatch carries optional column updates for UpdateJobStatus.
// Empty fields leave the stored value unchanged.
type JobPatch struct {
	Mode       Mode
	FactsPath  string
	ReportPath string
	Error      string
}

// GroupState is the state of a (job, group) claim row. An absent row is the
// implicit third state.
type GroupState string

const (
	GroupClaimed GroupState = "claimed"
	GroupDone    GroupState = "done"
)

// GroupClaim is the per-(job, group) claim row. Its done state doubles as
// the fan-in dedup marker.
type GroupClaim struct {
	JobID     string     `json:"job_id"`
	Group     string     `json:"group"`
	State     GroupState `json:"state"`
	Counted   bool       `json:"counted"`
	ClaimedAt time.Time  `json:"claimed_at"`
	DoneAt    *time.Time `json:"done_at,omitempty"`
}

// AgentStatus is the status of a unit of work.
type AgentStatus string

const (
	AgentRunning AgentStatus = "running"
	AgentDone    AgentStatus = "done"
	AgentError   AgentStatus = "error"
)

// AgentResult is the ledger row for one (job, agent).
type AgentResult struct {
	JobID     string             `json:"job_id"`
	Agent     string             `json:"agent"`
	Status    AgentStatus        `json:"status"`
	Payload   *AgentResultRecord `json:"payload,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// CompletionCounter tracks fan-in progress for one job.
type CompletionCounter struct {
	JobID           string `json:"job_id"`
	Completed       int    `json:"completed"`
	Total           int    `json:"total"`
	FinalizeClaimed bool   `json:"finalize_claimed"`
}

package ledger

import (
	"context"

	"github.com/roach88/labeliq/internal/model"
)

// Ledger is the coordination surface the engine depends on. Each method is
// individually atomic; the ledger provides no cross-method transactions.
type Ledger interface {
	// CreateJob inserts a job or replaces its status and mode.
	CreateJob(ctx context.Context, id string, status model.JobStatus, mode model.Mode) error

	// GetJob returns ErrNotFound if the job does not exist.
	GetJob(ctx context.Context, id string) (model.Job, error)

	// UpdateJobStatus overwrites the status unconditionally. Callers are
	// responsible for monotonic transitions.
	UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, patch model.JobPatch) error

	// ClaimExtraction creates the job if absent and moves it to extracting
	// only from queued or failed. Returns false for any other status.
	ClaimExtraction(ctx context.Context, id string, mode model.Mode) (bool, error)

	UpsertAgentResult(ctx context.Context, jobID, agent string, status model.AgentStatus, payload *model.AgentResultRecord) error
	ListAgentResults(ctx context.Context, jobID string) ([]model.AgentResult, error)

	HasGroupDoneMarker(ctx context.Context, jobID, group string) (bool, error)
	ClaimGroupExecution(ctx context.Context, jobID, group string) (bool, error)
	ReleaseGroupExecutionClaim(ctx context.Context, jobID, group string) error
	MarkGroupDone(ctx context.Context, jobID, group string) error
	ListGroupClaims(ctx context.Context, jobID string) ([]model.GroupClaim, error)

	EnsureCounter(ctx context.Context, jobID string, total int) error
	GetCounter(ctx context.Context, jobID string) (model.CompletionCounter, error)
	IncrementCompletedGroupsIfPending(ctx context.Context, jobID, group string) (completed, total int, incremented bool, err error)
	ClaimReportFinalize(ctx context.Context, jobID string) (bool, error)
	ReleaseReportFinalizeClaim(ctx context.Context, jobID string) error
}

var _ Ledger = (*Store)(nil)

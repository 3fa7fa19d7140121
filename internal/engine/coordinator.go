package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
)

// GroupFunc executes one group and returns the agents it completed.
type GroupFunc func(ctx context.Context) ([]string, error)

// Coordinator ensures each (job, group) executes at most once at a time and
// is skipped entirely once done.
type Coordinator struct {
	ledger ledger.Ledger
}

// NewCoordinator creates a coordinator backed by l.
func NewCoordinator(l ledger.Ledger) *Coordinator {
	return &Coordinator{ledger: l}
}

// Execute runs fn under the (job, group) execution claim.
//
// A done marker or a held claim yields an ignored outcome and no error. If
// fn fails the claim is released and the error returned, so redelivery can
// run the group again. On success the claim row is converted to done.
func (c *Coordinator) Execute(ctx context.Context, jobID, group string, fn GroupFunc) (model.FanOutOutcome, error) {
	done, err := c.ledger.HasGroupDoneMarker(ctx, jobID, group)
	if err != nil {
		return model.FanOutOutcome{}, fmt.Errorf("check done marker: %w", err)
	}
	if done {
		slog.Debug("group already done", "job_id", jobID, "group", group)
		return model.FanOutOutcome{Ignored: true, Reason: model.ReasonGroupDone}, nil
	}

	claimed, err := c.ledger.ClaimGroupExecution(ctx, jobID, group)
	if err != nil {
		return model.FanOutOutcome{}, fmt.Errorf("claim group: %w", err)
	}
	if !claimed {
		slog.Debug("group claimed elsewhere", "job_id", jobID, "group", group)
		return model.FanOutOutcome{Ignored: true, Reason: model.ReasonGroupInProgress}, nil
	}

	agents, err := fn(ctx)
	if err != nil {
		// Release on a fresh context so a canceled delivery still frees
		// the claim.
		if relErr := c.ledger.ReleaseGroupExecutionClaim(context.WithoutCancel(ctx), jobID, group); relErr != nil {
			slog.Error("failed to release group claim",
				"job_id", jobID,
				"group", group,
				"error", relErr,
			)
		}
		return model.FanOutOutcome{}, phaseError(PhaseGroup, jobID, group, err)
	}

	if err := c.ledger.MarkGroupDone(ctx, jobID, group); err != nil {
		// The group-done signal is already published; fan-in marks the
		// row done when it counts it.
		slog.Warn("failed to mark group done", "job_id", jobID, "group", group, "error", err)
	}
	return model.FanOutOutcome{Processed: true, AgentsCompleted: agents}, nil
}

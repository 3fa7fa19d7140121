package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/labeliq/internal/collab"
	"github.com/roach88/labeliq/internal/ledger"
	"github.com/roach88/labeliq/internal/model"
)

// DefaultRetryDelay is the fixed wait between evaluator attempts.
const DefaultRetryDelay = 2 * time.Second

// Unit is one agent's evaluation within a group.
type Unit struct {
	JobID     string
	Agent     string
	Section   string
	Questions []model.Question
	Evaluator collab.Evaluator
}

// Runner executes units with bounded retries and records every attempt in
// the ledger.
//
// Evaluator failures never escape Run. After the last attempt the unit is
// recorded with status error and a degraded payload whose questions are all
// needs_review, so a report can still be assembled.
type Runner struct {
	ledger  ledger.Ledger
	delay   time.Duration
	timeout time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner. A zero delay means DefaultRetryDelay; a
// negative delay disables waiting. A zero timeout leaves attempts bounded
// only by ctx.
func NewRunner(l ledger.Ledger, delay, timeout time.Duration) *Runner {
	if delay == 0 {
		delay = DefaultRetryDelay
	}
	if delay < 0 {
		delay = 0
	}
	return &Runner{
		ledger:  l,
		delay:   delay,
		timeout: timeout,
		sleep:   sleepCtx,
	}
}

// Run evaluates u against facts, trying at most maxRetries+1 times. The
// returned record is the one persisted as the unit's final state.
//
// The error return is reserved for ledger writes that fail and for ctx
// cancellation between attempts; both leave the unit for redelivery.
func (r *Runner) Run(ctx context.Context, u Unit, facts model.FactsPayload, maxRetries int) (model.AgentResultRecord, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	attempts := maxRetries + 1

	var outcome model.Outcome
	attempt := 0
	for attempt < attempts {
		attempt++
		if err := r.ledger.UpsertAgentResult(ctx, u.JobID, u.Agent, model.AgentRunning, nil); err != nil {
			return model.AgentResultRecord{}, fmt.Errorf("record %s running: %w", u.Agent, err)
		}

		outcome = r.attempt(ctx, u, facts)
		if outcome.IsOk() {
			break
		}
		slog.Warn("evaluator attempt failed",
			"job_id", u.JobID,
			"agent", u.Agent,
			"attempt", attempt,
			"of", attempts,
			"error", outcome.Err,
		)
		if attempt < attempts {
			if err := r.sleep(ctx, r.delay); err != nil {
				return model.AgentResultRecord{}, err
			}
		}
	}

	rec := model.Degrade(u.Agent, u.Section, u.Questions, outcome, attempt)
	if err := r.ledger.UpsertAgentResult(ctx, u.JobID, u.Agent, rec.Status, &rec); err != nil {
		return model.AgentResultRecord{}, fmt.Errorf("record %s %s: %w", u.Agent, rec.Status, err)
	}
	if rec.Status == model.AgentError {
		slog.Error("agent degraded after retries",
			"job_id", u.JobID,
			"agent", u.Agent,
			"attempts", attempt,
			"error", rec.Error,
		)
	} else {
		slog.Debug("agent done", "job_id", u.JobID, "agent", u.Agent, "attempts", attempt)
	}
	return rec, nil
}

// attempt makes one evaluator call under the per-attempt timeout. A panic
// inside the evaluator is converted into a failed outcome.
func (r *Runner) attempt(ctx context.Context, u Unit, facts model.FactsPayload) (out model.Outcome) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	defer func() {
		if p := recover(); p != nil {
			out = model.Fail(model.FailurePanic, fmt.Sprint(p))
		}
	}()
	if u.Evaluator == nil {
		return model.Fail(model.FailureTransient, "no evaluator for agent "+u.Agent)
	}
	return model.OutcomeOf(u.Evaluator.Evaluate(ctx, facts, u.Questions))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/roach88/labeliq/internal/model"
)

// ErrScripted is the failure returned by scripted evaluators.
var ErrScripted = errors.New("scripted failure")

// ScriptedEvaluator fails its first Failures calls, then answers every
// question with Result.
//
// Thread-safety: safe for concurrent use via internal mutex.
type ScriptedEvaluator struct {
	Failures int
	Result   string

	// Delay is slept before answering, honoring ctx.
	Delay time.Duration

	// Panic makes failing calls panic instead of returning an error.
	Panic bool

	mu    sync.Mutex
	calls int
}

// Evaluate implements collab.Evaluator.
func (e *ScriptedEvaluator) Evaluate(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error) {
	e.mu.Lock()
	e.calls++
	n := e.calls
	e.mu.Unlock()

	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return model.Evaluation{}, ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	if n <= e.Failures {
		if e.Panic {
			panic("scripted panic")
		}
		return model.Evaluation{}, ErrScripted
	}

	result := e.Result
	if result == "" {
		result = model.ResultPass
	}
	out := model.Evaluation{Results: make([]model.QuestionResult, 0, len(questions))}
	for _, q := range questions {
		out.Results = append(out.Results, model.QuestionResult{
			ID:        q.ID,
			Question:  q.Text,
			Result:    result,
			Rationale: "scripted",
		})
	}
	return out, nil
}

// Calls returns the number of Evaluate calls so far.
func (e *ScriptedEvaluator) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

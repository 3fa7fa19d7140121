package model

import (
	"context"
	"errors"
	"fmt"
)

// Question result values.
const (
	ResultPass        = "pass"
	ResultFail        = "fail"
	ResultNeedsReview = "needs_review"
)

// Question is one checklist item handed to an evaluator.
type Question struct {
	ID           string   `json:"id" yaml:"id"`
	Text         string   `json:"text" yaml:"text"`
	Field        string   `json:"field,omitempty" yaml:"field,omitempty"`
	SubQuestions []string `json:"sub_questions,omitempty" yaml:"sub_questions,omitempty"`
}

// QuestionResult is an evaluator's answer to one question.
type QuestionResult struct {
	ID            string `json:"id"`
	Question      string `json:"question,omitempty"`
	Result        string `json:"result"`
	SelectedValue string `json:"selected_value,omitempty"`
	Rationale     string `json:"rationale"`
}

// Evaluation is the structured output of one evaluator call.
type Evaluation struct {
	Section string           `json:"section,omitempty"`
	Results []QuestionResult `json:"results"`
}

// FailureKind classifies an evaluator failure.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureTimeout   FailureKind = "timeout"
	FailureCanceled  FailureKind = "canceled"
	FailurePanic     FailureKind = "panic"
)

// Failure describes why an evaluator call did not produce a value.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Outcome is the result of one evaluator attempt: exactly one of Value or
// Err is set.
type Outcome struct {
	Value *Evaluation
	Err   *Failure
}

// Ok wraps a successful evaluation.
func Ok(v Evaluation) Outcome {
	return Outcome{Value: &v}
}

// Fail wraps a failed evaluation.
func Fail(kind FailureKind, message string) Outcome {
	return Outcome{Err: &Failure{Kind: kind, Message: message}}
}

// OutcomeOf converts an evaluator's (value, error) return into an Outcome.
func OutcomeOf(v Evaluation, err error) Outcome {
	if err == nil {
		return Ok(v)
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(FailureTimeout, err.Error())
	case errors.Is(err, context.Canceled):
		return Fail(FailureCanceled, err.Error())
	}
	var f *Failure
	if errors.As(err, &f) {
		return Outcome{Err: f}
	}
	return Fail(FailureTransient, err.Error())
}

// IsOk reports whether the outcome carries a value.
func (o Outcome) IsOk() bool {
	return o.Err == nil && o.Value != nil
}

// AgentResultRecord is the payload persisted for one agent and embedded in
// the report.
type AgentResultRecord struct {
	Agent    string           `json:"agent"`
	Section  string           `json:"section,omitempty"`
	Status   AgentStatus      `json:"status"`
	Attempts int              `json:"attempts"`
	Results  []QuestionResult `json:"results"`
	Error    *Failure         `json:"error,omitempty"`
}

// Degrade turns the final outcome of a unit of work into the record that is
// persisted. A failed outcome yields an error record whose questions are
// all marked needs_review, so the report still lists every question.
func Degrade(agent, section string, questions []Question, o Outcome, attempts int) AgentResultRecord {
	rec := AgentResultRecord{
		Agent:    agent,
		Section:  section,
		Attempts: attempts,
	}
	if o.IsOk() {
		rec.Status = AgentDone
		rec.Results = o.Value.Results
		if o.Value.Section != "" {
			rec.Section = o.Value.Section
		}
		if rec.Results == nil {
			rec.Results = []QuestionResult{}
		}
		return rec
	}

	failure := o.Err
	if failure == nil {
		failure = &Failure{Kind: FailureTransient, Message: "evaluator returned no result"}
	}
	rec.Status = AgentError
	rec.Error = failure
	rec.Results = make([]QuestionResult, 0, len(questions))
	for _, q := range questions {
		rec.Results = append(rec.Results, QuestionResult{
			ID:        q.ID,
			Question:  q.Text,
			Result:    ResultNeedsReview,
			Rationale: "Agent error: " + failure.Message,
		})
	}
	return rec
}

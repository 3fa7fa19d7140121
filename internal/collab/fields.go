package collab

import (
	"context"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

// FieldsEvaluator answers each question by checking whether the question's
// field was extracted. It makes no external calls.
//
//	field has text    → pass
//	field empty       → fail
//	no field named    → needs_review
type FieldsEvaluator struct{}

// Evaluate implements Evaluator.
func (FieldsEvaluator) Evaluate(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error) {
	if err := ctx.Err(); err != nil {
		return model.Evaluation{}, err
	}
	results := make([]model.QuestionResult, 0, len(questions))
	for _, q := range questions {
		r := model.QuestionResult{ID: q.ID, Question: q.Text}
		switch {
		case q.Field == "":
			r.Result = model.ResultNeedsReview
			r.Rationale = "No field mapped to this question"
		case facts.FieldText(q.Field) != "":
			r.Result = model.ResultPass
			r.SelectedValue = facts.FieldText(q.Field)
			r.Rationale = fmt.Sprintf("Field %s was found on the label", q.Field)
		default:
			r.Result = model.ResultFail
			r.Rationale = fmt.Sprintf("Field %s was not found on the label", q.Field)
		}
		results = append(results, r)
	}
	return model.Evaluation{Results: results}, nil
}

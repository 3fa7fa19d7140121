// Package collab holds the boundaries to external collaborators: OCR
// extraction, translation and per-question evaluation.
//
// Every collaborator is an interface. HTTP implementations talk JSON to a
// remote service behind a circuit breaker; built-in implementations cover
// deterministic checks and local runs.
package collab

import (
	"context"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

// Extractor turns one label image into extracted facts.
type Extractor interface {
	Extract(ctx context.Context, img model.Image) (model.FactsPayload, error)
}

// Translator fills the translated view of foreign-language facts.
type Translator interface {
	Translate(ctx context.Context, facts model.FactsPayload) (model.FactsPayload, error)
}

// Evaluator answers a set of questions against a job's facts.
type Evaluator interface {
	Evaluate(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error)

// Evaluate implements Evaluator.
func (f EvaluatorFunc) Evaluate(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error) {
	return f(ctx, facts, questions)
}

// AgentEvaluatorFactory builds an evaluator bound to one agent.
type AgentEvaluatorFactory func(agent, section string) Evaluator

// Registry resolves an agent's evaluator kind to an implementation.
type Registry struct {
	kinds map[string]AgentEvaluatorFactory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]AgentEvaluatorFactory)}
}

// Register binds a kind to a factory, replacing any previous binding.
func (r *Registry) Register(kind string, f AgentEvaluatorFactory) {
	r.kinds[kind] = f
}

// RegisterStatic binds a kind to an evaluator shared by every agent.
func (r *Registry) RegisterStatic(kind string, e Evaluator) {
	r.kinds[kind] = func(string, string) Evaluator { return e }
}

// Resolve returns the evaluator for an agent.
func (r *Registry) Resolve(kind, agent, section string) (Evaluator, error) {
	f, ok := r.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("no evaluator registered for kind %q (agent %s)", kind, agent)
	}
	return f(agent, section), nil
}

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/labeliq/internal/model"
)

// HTTPConfig configures a JSON service client.
type HTTPConfig struct {
	Name    string
	BaseURL string
	Token   string

	// Timeout bounds each call. Zero means 60s.
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Client posts JSON to a collaborator service. Calls go through a circuit
// breaker so a dead service fails fast instead of holding workers for the
// full timeout on every attempt.
type Client struct {
	name    string
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client for cfg.
func NewClient(cfg HTTPConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: base URL is required", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	name := cfg.Name
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("collaborator circuit changed state",
				"service", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return &Client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: timeout,
		http:    hc,
		breaker: breaker,
	}, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Service, e.Code, e.Body)
}

// Post sends in as JSON to path and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", c.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &model.Failure{Kind: model.FailureTransient, Message: fmt.Sprintf("%s unavailable: %v", c.name, err)}
	}
	return err
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Service: c.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return nil
}

// HTTPExtractor calls POST /extract with one image.
type HTTPExtractor struct {
	Client *Client
}

type extractRequest struct {
	Path     string `json:"path"`
	MIMEType string `json:"mime_type"`
	Content  []byte `json:"content"`
}

// Extract implements Extractor.
func (e HTTPExtractor) Extract(ctx context.Context, img model.Image) (model.FactsPayload, error) {
	facts := model.NewFactsPayload()
	req := extractRequest{Path: img.Path, MIMEType: img.MIMEType, Content: img.Data}
	if err := e.Client.Post(ctx, "/extract", req, &facts); err != nil {
		return model.FactsPayload{}, err
	}
	return facts, nil
}

// HTTPTranslator calls POST /translate with the merged facts.
type HTTPTranslator struct {
	Client *Client
}

// Translate implements Translator.
func (t HTTPTranslator) Translate(ctx context.Context, facts model.FactsPayload) (model.FactsPayload, error) {
	var out model.FactsPayload
	if err := t.Client.Post(ctx, "/translate", facts, &out); err != nil {
		return model.FactsPayload{}, err
	}
	return out, nil
}

// HTTPEvaluator calls POST /evaluate on behalf of one agent.
type HTTPEvaluator struct {
	Client  *Client
	Agent   string
	Section string
}

type evaluateRequest struct {
	Agent     string             `json:"agent"`
	Section   string             `json:"section,omitempty"`
	Questions []model.Question   `json:"questions"`
	Facts     model.FactsPayload `json:"label_facts"`
}

// Evaluate implements Evaluator.
func (e HTTPEvaluator) Evaluate(ctx context.Context, facts model.FactsPayload, questions []model.Question) (model.Evaluation, error) {
	var out model.Evaluation
	req := evaluateRequest{Agent: e.Agent, Section: e.Section, Questions: questions, Facts: facts}
	if err := e.Client.Post(ctx, "/evaluate", req, &out); err != nil {
		return model.Evaluation{}, err
	}
	return out, nil
}

// HTTPEvaluatorFactory binds a shared client to each agent.
func HTTPEvaluatorFactory(c *Client) AgentEvaluatorFactory {
	return func(agent, section string) Evaluator {
		return HTTPEvaluator{Client: c, Agent: agent, Section: section}
	}
}

// Package catalog defines which agents make up each evaluation group.
//
// A catalog is loaded from YAML. The default catalog ships embedded in the
// binary; a custom one can be supplied with the catalog_path setting.
package catalog

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/labeliq/internal/model"
)

//go:embed default.yaml
var defaultYAML []byte

// Evaluator kinds an agent can name.
const (
	EvaluatorLLM    = "llm"
	EvaluatorFields = "fields"
)

// Catalog is an ordered set of groups.
type Catalog struct {
	Groups []Group `yaml:"groups"`
}

// Group is a named set of agents that run together.
type Group struct {
	Name   string  `yaml:"name"`
	Agents []Agent `yaml:"agents"`
}

// Agent is one evaluator unit of work.
type Agent struct {
	Name      string `yaml:"name"`
	Section   string `yaml:"section"`
	Evaluator string `yaml:"evaluator"`

	// RequiresField skips the agent unless the facts carry text for this
	// field.
	RequiresField string `yaml:"requires_field,omitempty"`

	Questions []model.Question `yaml:"questions"`
}

// Applies reports whether the agent runs for the given facts.
func (a Agent) Applies(facts model.FactsPayload) bool {
	if a.RequiresField == "" {
		return true
	}
	return facts.FieldText(a.RequiresField) != ""
}

// Default returns the embedded catalog.
func Default() *Catalog {
	c, err := Parse(defaultYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns the default catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	if len(c.Groups) == 0 {
		return fmt.Errorf("at least one group is required")
	}
	groups := make(map[string]bool)
	agents := make(map[string]string)
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if groups[g.Name] {
			return fmt.Errorf("duplicate group %q", g.Name)
		}
		groups[g.Name] = true
		if len(g.Agents) == 0 {
			return fmt.Errorf("group %q: at least one agent is required", g.Name)
		}
		for j, a := range g.Agents {
			if a.Name == "" {
				return fmt.Errorf("group %q: agents[%d]: name is required", g.Name, j)
			}
			if other, ok := agents[a.Name]; ok {
				return fmt.Errorf("agent %q appears in groups %q and %q", a.Name, other, g.Name)
			}
			agents[a.Name] = g.Name
			switch a.Evaluator {
			case EvaluatorLLM, EvaluatorFields:
			default:
				return fmt.Errorf("agent %q: unknown evaluator %q", a.Name, a.Evaluator)
			}
			if len(a.Questions) == 0 {
				return fmt.Errorf("agent %q: at least one question is required", a.Name)
			}
		}
	}
	return nil
}

// GroupNames returns group names in catalog order.
func (c *Catalog) GroupNames() []string {
	names := make([]string, len(c.Groups))
	for i, g := range c.Groups {
		names[i] = g.Name
	}
	return names
}

// Group returns the named group.
func (c *Catalog) Group(name string) (Group, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Agent returns the named agent and the group it belongs to.
func (c *Catalog) Agent(name string) (Agent, string, bool) {
	for _, g := range c.Groups {
		for _, a := range g.Agents {
			if a.Name == name {
				return a, g.Name, true
			}
		}
	}
	return Agent{}, "", false
}

// AgentNames returns the names of every agent in a group, in catalog order.
func (g Group) AgentNames() []string {
	names := make([]string, len(g.Agents))
	for i, a := range g.Agents {
		names[i] = a.Name
	}
	return names
}

// Applicable returns the agents of a group that run for the given facts.
func (g Group) Applicable(facts model.FactsPayload) []Agent {
	out := make([]Agent, 0, len(g.Agents))
	for _, a := range g.Agents {
		if a.Applies(facts) {
			out = append(out, a)
		}
	}
	return out
}

// Package catalog loads the scenarios, constitutions, models and evaluators
// an experiment draws from.
//
// A catalog is a single YAML (or JSON) document validated against the
// embedded catalog schema before it is decoded. Besides shape checks, Load
// verifies that IDs are unique within each section and that every evaluator
// names a known model.
package catalog

import (
	"fmt"
	"sort"
)

// Facts is a static fact block for a scenario.
type Facts struct {
	EstablishedFacts  []string `json:"established_facts" yaml:"established_facts"`
	AmbiguousElements []string `json:"ambiguous_elements,omitempty" yaml:"ambiguous_elements,omitempty"`
	KeyQuestions      []string `json:"key_questions,omitempty" yaml:"key_questions,omitempty"`
}

// Scenario is a situation presented to a model.
type Scenario struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title,omitempty" yaml:"title,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Description string `json:"description" yaml:"description"`

	// Facts, when set, is used as the fact layer without a model call.
	Facts *Facts `json:"facts,omitempty" yaml:"facts,omitempty"`
}

// Constitution is a value framework a model reasons under.
type Constitution struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Principles  []string `json:"principles" yaml:"principles"`
}

// Model binds a catalog ID to a provider model.
type Model struct {
	ID          string `json:"id" yaml:"id"`
	Provider    string `json:"provider" yaml:"provider"`
	Model       string `json:"model" yaml:"model"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

// Evaluator scores reasoning output using one of the catalog's models.
type Evaluator struct {
	ID           string `json:"id" yaml:"id"`
	Model        string `json:"model" yaml:"model"`
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// Catalog is a loaded catalog document.
type Catalog struct {
	Schema  string `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	Scenarios     []Scenario     `json:"scenarios" yaml:"scenarios"`
	Constitutions []Constitution `json:"constitutions" yaml:"constitutions"`
	Models        []Model        `json:"models" yaml:"models"`
	Evaluators    []Evaluator    `json:"evaluators" yaml:"evaluators"`

	scenarios     map[string]int
	constitutions map[string]int
	models        map[string]int
	evaluators    map[string]int
}

// LookupError reports an ID missing from a catalog section.
type LookupError struct {
	Kind string
	ID   string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.ID)
}

// Scenario returns the scenario with the given ID.
func (c *Catalog) Scenario(id string) (Scenario, error) {
	if i, ok := c.scenarios[id]; ok {
		return c.Scenarios[i], nil
	}
	return Scenario{}, &LookupError{Kind: "scenario", ID: id}
}

// Constitution returns the constitution with the given ID.
func (c *Catalog) Constitution(id string) (Constitution, error) {
	if i, ok := c.constitutions[id]; ok {
		return c.Constitutions[i], nil
	}
	return Constitution{}, &LookupError{Kind: "constitution", ID: id}
}

// Model returns the model with the given ID.
func (c *Catalog) Model(id string) (Model, error) {
	if i, ok := c.models[id]; ok {
		return c.Models[i], nil
	}
	return Model{}, &LookupError{Kind: "model", ID: id}
}

// Evaluator returns the evaluator with the given ID.
func (c *Catalog) Evaluator(id string) (Evaluator, error) {
	if i, ok := c.evaluators[id]; ok {
		return c.Evaluators[i], nil
	}
	return Evaluator{}, &LookupError{Kind: "evaluator", ID: id}
}

// ModelIDs returns every model ID in catalog order.
func (c *Catalog) ModelIDs() []string {
	ids := make([]string, len(c.Models))
	for i, m := range c.Models {
		ids[i] = m.ID
	}
	return ids
}

// index builds the lookup maps and checks cross references.
func (c *Catalog) index() error {
	var errs ValidationErrors

	build := func(section string, n int, id func(int) string) map[string]int {
		m := make(map[string]int, n)
		for i := 0; i < n; i++ {
			key := id(i)
			if _, dup := m[key]; dup {
				errs = append(errs, ValidationError{
					Path:    fmt.Sprintf("/%s/%d/id", section, i),
					Message: fmt.Sprintf("duplicate id %q", key),
				})
				continue
			}
			m[key] = i
		}
		return m
	}

	c.scenarios = build("scenarios", len(c.Scenarios), func(i int) string { return c.Scenarios[i].ID })
	c.constitutions = build("constitutions", len(c.Constitutions), func(i int) string { return c.Constitutions[i].ID })
	c.models = build("models", len(c.Models), func(i int) string { return c.Models[i].ID })
	c.evaluators = build("evaluators", len(c.Evaluators), func(i int) string { return c.Evaluators[i].ID })

	for i, e := range c.Evaluators {
		if _, ok := c.models[e.Model]; !ok {
			errs = append(errs, ValidationError{
				Path:    fmt.Sprintf("/evaluators/%d/model", i),
				Message: fmt.Sprintf("unknown model %q", e.Model),
			})
		}
	}

	if len(errs) > 0 {
		sort.SliceStable(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
		return errs
	}
	return nil
}

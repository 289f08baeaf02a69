// Package prompt renders the prompts sent at each layer of a trial.
//
// Rendering is pure: the same inputs always produce the same text.
package prompt

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/catalog"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("prompt").Funcs(template.FuncMap{
	"orID": func(id, title string) string {
		if strings.TrimSpace(title) == "" {
			return id
		}
		return title
	},
}).ParseFS(templateFS, "templates/*.tmpl"))

// Prompt is a rendered system and user message pair.
type Prompt struct {
	System string
	User   string
}

// Builder renders prompts. The zero value uses the embedded templates.
type Builder struct{}

// Facts renders the fact-extraction prompt.
func (Builder) Facts(s catalog.Scenario) (Prompt, error) {
	return render("facts", struct {
		Scenario catalog.Scenario
	}{s})
}

// Reasoning renders the reasoning prompt from the scenario, the
// constitution and the fact layer.
func (Builder) Reasoning(s catalog.Scenario, c catalog.Constitution, f parse.Facts) (Prompt, error) {
	return render("reasoning", struct {
		Scenario     catalog.Scenario
		Constitution catalog.Constitution
		Facts        parse.Facts
	}{s, c, f})
}

// Evaluation renders an evaluator's prompt. The reasoning record is
// embedded as indented JSON.
func (Builder) Evaluation(ev catalog.Evaluator, c catalog.Constitution, f parse.Facts, r parse.Reasoning, dimensions []string) (Prompt, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return Prompt{}, fmt.Errorf("encode reasoning: %w", err)
	}
	if len(dimensions) == 0 {
		dimensions = parse.DefaultDimensions
	}
	return render("evaluation", struct {
		SystemPrompt  string
		Constitution  catalog.Constitution
		Facts         parse.Facts
		ReasoningJSON string
		Dimensions    []string
	}{ev.SystemPrompt, c, f, string(body), dimensions})
}

// StaticFacts converts a catalog fact block to a fact record.
func StaticFacts(f catalog.Facts) parse.Facts {
	return parse.Facts{
		EstablishedFacts:  f.EstablishedFacts,
		AmbiguousElements: f.AmbiguousElements,
		KeyQuestions:      f.KeyQuestions,
	}
}

func render(name string, data any) (Prompt, error) {
	var sys, user strings.Builder
	if err := templates.ExecuteTemplate(&sys, name+".system", data); err != nil {
		return Prompt{}, fmt.Errorf("render %s system prompt: %w", name, err)
	}
	if err := templates.ExecuteTemplate(&user, name+".user", data); err != nil {
		return Prompt{}, fmt.Errorf("render %s prompt: %w", name, err)
	}
	return Prompt{System: strings.TrimSpace(sys.String()), User: strings.TrimSpace(user.String())}, nil
}

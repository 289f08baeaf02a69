package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalogYAML = `version: "1"
scenarios:
  - id: vaccine-mandate
    title: Vaccine mandate
    description: A city council weighs a vaccine mandate for municipal workers.
    facts:
      established_facts:
        - The council meets Tuesday.
      ambiguous_elements:
        - Union position is unclear.
  - id: water-rights
    description: Two towns dispute upstream water rights during a drought.
constitutions:
  - id: harm-minimization
    name: Harm minimization
    principles: [Minimize total harm.]
  - id: self-sovereignty
    name: Self sovereignty
    principles: [Respect individual autonomy.]
models:
  - id: claude-sonnet
    provider: anthropic
    model: claude-sonnet-4-5
  - id: gpt-5
    provider: openai
    model: gpt-5
  - id: gemini-pro
    provider: gemini
    model: gemini-2.5-pro
evaluators:
  - id: judge-gpt
    model: gpt-5
  - id: judge-claude
    model: claude-sonnet
`

func loadTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := LoadFromBytes([]byte(testCatalogYAML), "catalog.yaml")
	require.NoError(t, err)
	return c
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogYAML), 0o600))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Len(t, c.Scenarios, 2)
	s, err := c.Scenario("vaccine-mandate")
	require.NoError(t, err)
	require.NotNil(t, s.Facts)
	assert.Equal(t, []string{"The council meets Tuesday."}, s.Facts.EstablishedFacts)

	s, err = c.Scenario("water-rights")
	require.NoError(t, err)
	assert.Nil(t, s.Facts)

	m, err := c.Model("gemini-pro")
	require.NoError(t, err)
	assert.Equal(t, "gemini", m.Provider)

	e, err := c.Evaluator("judge-claude")
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet", e.Model)

	assert.Equal(t, []string{"claude-sonnet", "gpt-5", "gemini-pro"}, c.ModelIDs())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")

	_, err = LoadFromBytes([]byte("  \n"), "catalog.yaml")
	assert.ErrorContains(t, err, "empty")

	_, err = LoadFromBytes([]byte("scenarios: [\n"), "catalog.yaml")
	assert.ErrorContains(t, err, "invalid YAML")
}

func TestLoad_SchemaViolation(t *testing.T) {
	bad := testCatalogYAML + "unexpected: true\n"
	_, err := LoadFromBytes([]byte(bad), "catalog.yaml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.NotEmpty(t, verrs)
}

func TestLoad_CrossReferences(t *testing.T) {
	doc := `scenarios:
  - {id: s1, description: d}
  - {id: s1, description: d}
constitutions:
  - {id: c1, name: C, principles: [p]}
models:
  - {id: m1, provider: openai, model: x}
evaluators:
  - {id: e1, model: nope}
`
	_, err := LoadFromBytes([]byte(doc), "")
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 2)
	assert.Equal(t, "/evaluators/0/model", verrs[0].Path)
	assert.Equal(t, "/scenarios/1/id", verrs[1].Path)
}

func TestLookupErrors(t *testing.T) {
	c := loadTestCatalog(t)
	_, err := c.Constitution("utilitarian")
	var lerr *LookupError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "constitution", lerr.Kind)
	assert.EqualError(t, err, `unknown constitution "utilitarian"`)
}

func TestSelect(t *testing.T) {
	c := loadTestCatalog(t)

	got, err := c.Select(Selection{})
	require.NoError(t, err)
	assert.Equal(t, []string{"vaccine-mandate", "water-rights"}, got.ScenarioIDs)
	assert.Equal(t, []string{"judge-gpt", "judge-claude"}, got.EvaluatorIDs)

	got, err = c.Select(Selection{
		Models:     []string{"g*"},
		Scenarios:  []string{"water-*"},
		Evaluators: []string{"judge-claude", "judge-gpt"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-5", "gemini-pro"}, got.ModelIDs)
	assert.Equal(t, []string{"water-rights"}, got.ScenarioIDs)
	assert.Equal(t, []string{"judge-claude", "judge-gpt"}, got.EvaluatorIDs, "literal evaluator order is kept")
	assert.Len(t, got.ConstitutionIDs, 2)
}

func TestSelect_Errors(t *testing.T) {
	c := loadTestCatalog(t)

	_, err := c.Select(Selection{Models: []string{"llama*"}})
	assert.ErrorIs(t, err, ErrNoMatch)

	_, err = c.Select(Selection{Models: []string{"[a-"}})
	assert.ErrorIs(t, err, ErrInvalidPattern)

	_, err = c.Select(Selection{Evaluators: []string{"judge-none"}})
	var perr *PatternError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "judge-none", perr.Pattern)
}

func TestMatchIDs(t *testing.T) {
	got, err := MatchIDs([]string{"a-1", "b-1", "a-2"}, []string{"a-*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a-1", "a-2"}, got)
}

package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

const testCatalog = `version: "1"
scenarios:
  - id: vaccine-mandate
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
`

type cliEnv struct {
	root    string
	catalog string
}

// newCLIEnv isolates a test from user config and returns a data root and
// catalog path in a temp dir.
func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("CRENGINE_CONFIG", "")
	t.Setenv("CRENGINE_DATA_ROOT", "")
	t.Setenv("CRENGINE_CATALOG", "")

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	env := cliEnv{
		root:    filepath.Join(dir, "results"),
		catalog: filepath.Join(dir, "catalog.yaml"),
	}
	require.NoError(t, os.WriteFile(env.catalog, []byte(testCatalog), 0o644))
	return env
}

// execute runs the root command with args plus the env's data root and
// catalog, resetting every flag first.
func (e cliEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	appConfig = nil

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--data-root", e.root, "--catalog", e.catalog, "--log-level", "error"))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func (e cliEnv) createExperiment(t *testing.T, models ...string) *trialstate.Store {
	t.Helper()
	st, err := trialstate.Create(context.Background(), trialstate.Config{Root: e.root}, trialstate.Selection{
		ID:              "exp-test",
		ScenarioIDs:     []string{"vaccine-mandate", "water-rights"},
		ConstitutionIDs: []string{"harm-minimization"},
		ModelIDs:        models,
		EvaluatorIDs:    []string{"judge-gpt"},
	})
	require.NoError(t, err)
	return st
}

func TestStatusCommand(t *testing.T) {
	env := newCLIEnv(t)

	t.Run("empty list", func(t *testing.T) {
		out, err := env.execute(t, "status", "--list")
		require.NoError(t, err)
		assert.Contains(t, out, "No experiments.")
	})

	t.Run("no experiment", func(t *testing.T) {
		_, err := env.execute(t, "status")
		require.Error(t, err)
		assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))
	})

	st := env.createExperiment(t, "claude-sonnet", "gpt-5")
	require.NoError(t, st.MarkInProgress(1))
	require.NoError(t, st.MarkFailed(1, &trialstate.TrialError{Type: "backend_error", Message: "rate limited", Layer: 2}))

	t.Run("json", func(t *testing.T) {
		out, err := env.execute(t, "status", "--json")
		require.NoError(t, err)

		var report statusReport
		require.NoError(t, json.Unmarshal([]byte(out), &report))
		assert.Equal(t, "exp-test", report.Experiment.ID)
		assert.Equal(t, 4, report.Experiment.Counters.Total)
		assert.Equal(t, 1, report.Experiment.Counters.Failed)
		require.Len(t, report.Models, 2)
		assert.Equal(t, "claude-sonnet", report.Models[0].ModelID)
		require.Len(t, report.Failed, 1)
		assert.Equal(t, 1, report.Failed[0].ID)
	})

	t.Run("table", func(t *testing.T) {
		out, err := env.execute(t, "status", "--experiment", "exp-test")
		require.NoError(t, err)
		assert.Contains(t, out, "Experiment exp-test")
		assert.Contains(t, out, "completed 0/4")
		assert.Contains(t, out, "Failed trials (1)")
		assert.Contains(t, out, "rate limited")
	})

	t.Run("list", func(t *testing.T) {
		out, err := env.execute(t, "status", "--list")
		require.NoError(t, err)
		assert.Contains(t, out, "exp-test")
		assert.Contains(t, out, "RUNNING")
	})

	t.Run("unknown experiment", func(t *testing.T) {
		_, err := env.execute(t, "status", "--experiment", "nope")
		require.Error(t, err)
		assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))
	})
}

func TestRepairCommand(t *testing.T) {
	env := newCLIEnv(t)
	st := env.createExperiment(t, "claude-sonnet")
	require.NoError(t, st.MarkInProgress(1))

	out, err := env.execute(t, "repair", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 0 trials in exp-test")

	out, err = env.execute(t, "repair")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 1 trials in exp-test")

	reopened, err := trialstate.Open(context.Background(), trialstate.Config{Root: env.root}, "exp-test")
	require.NoError(t, err)
	tr, err := reopened.Trial(1)
	require.NoError(t, err)
	assert.Equal(t, trialstate.StatusPending, tr.Status)

	_, err = env.execute(t, "repair", "--older-than", "soon")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestAddModelsCommand(t *testing.T) {
	env := newCLIEnv(t)
	st := env.createExperiment(t, "claude-sonnet")
	require.NoError(t, st.MarkInProgress(1))

	out, err := env.execute(t, "add-models", "gemini-*", "claude-sonnet")
	require.NoError(t, err)
	assert.Contains(t, out, "Added 2 trials (3-4) to exp-test")

	out, err = env.execute(t, "add-models", "gemini-pro")
	require.NoError(t, err)
	assert.Contains(t, out, "already has every selected model")

	_, err = env.execute(t, "add-models", "missing-*")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestRunCommand_Errors(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.execute(t, "run", "--new", "--experiment", "exp-test")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	_, err = env.execute(t, "run", "--new", "--models", "no-such-model")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	require.NoError(t, os.Remove(env.catalog))
	_, err = env.execute(t, "run")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))
}

func TestRunCommand_RetryAfterFinalize(t *testing.T) {
	env := newCLIEnv(t)
	st := env.createExperiment(t, "claude-sonnet")
	for _, id := range []int{1, 2} {
		require.NoError(t, st.MarkInProgress(id))
		require.NoError(t, st.MarkFailed(id, &trialstate.TrialError{Type: "backend_error", Message: "timeout", Layer: 2}))
	}
	done, err := st.Finalize()
	require.NoError(t, err)
	require.True(t, done)

	_, err = trialstate.CurrentPointer(trialstate.Config{Root: env.root})
	require.ErrorIs(t, err, trialstate.ErrNoCurrentExperiment)

	help, err := env.execute(t, "run", "--help")
	require.NoError(t, err)
	assert.Contains(t, help, "Retry those with\n--experiment <id>")
	assert.Len(t, st.FailedTrials(2), 2, "failed trials stay retryable through --experiment")
}

func TestReportCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.createExperiment(t, "claude-sonnet")

	_, err := env.execute(t, "report")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err), "no ledger written yet")

	t.Setenv("CRENGINE_LEDGER_ENABLED", "false")
	_, err = env.execute(t, "report")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestCatalogValidateCommand(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.execute(t, "catalog", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "2 scenarios, 1 constitutions, 3 models, 1 evaluators")

	bad := filepath.Join(filepath.Dir(env.catalog), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("scenarios: [\n"), 0o644))
	_, err = env.execute(t, "catalog", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
}

func TestVersionCommand(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "crengine "+versionInfo.Version)
}

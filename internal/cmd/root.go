package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server/handlers"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

var appIdentity *config.Identity

// GetAppIdentity returns the identity loaded by the root command, or nil
// before it runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

var (
	cfgFile  string
	dataRoot string
	catalogP string
	logLevel string
	verbose  bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "crengine",
	Short: "Run multi-layer constitutional reasoning experiments",
	Long: `crengine runs experiments over the cross product of scenarios, constitutions
and models. Each trial goes through three layers: facts, reasoning under a
constitution, and evaluation by one or more evaluator models.

State is persisted after every transition so an interrupted run resumes where
it stopped:
  <data root>/current_experiment.json
  <data root>/experiments/<id>/{experiment.json,trials.json,layers/,review/}

Examples:
  # Start (or resume) an experiment from the catalog
  crengine run --catalog catalog.yaml

  # Show progress
  crengine status`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initApp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./crengine.yaml, then ~/.config/crengine/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataRoot, "data-root", "", "Directory experiment state is stored under")
	rootCmd.PersistentFlags().StringVar(&catalogP, "catalog", "", "Scenario/constitution/model catalog file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	defer observability.Sync()
	return rootCmd.Execute()
}

func initApp(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity
	appIdentity = &id

	cfg, err := config.LoadFile(cmd.Context(), cfgFile, flagOverrides(cmd))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if _, err := observability.Init(id.BinaryName, cfg.Logging, verbose); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Loaded config",
		zap.String("data_root", cfg.Data.Root),
		zap.String("catalog", cfg.Catalog.Path))
	return nil
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	flags := cmd.Flags()
	if flags.Changed("data-root") {
		out["data"] = map[string]any{"root": dataRoot}
	}
	if flags.Changed("catalog") {
		out["catalog"] = map[string]any{"path": catalogP}
	}
	if flags.Changed("log-level") {
		out["logging"] = map[string]any{"level": logLevel}
	}
	return out
}

// currentConfig returns the config loaded by initApp.
func currentConfig() *config.Config {
	if appConfig != nil {
		return appConfig
	}
	return config.GetConfig()
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode returns the exit code for err: 0 for nil, the code of an
// ExitError, otherwise 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

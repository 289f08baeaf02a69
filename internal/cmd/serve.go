package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server/handlers"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve experiment progress over HTTP",
	Long: `Serve exposes read-only experiment state as JSON:

  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /v1/experiments
  GET /v1/experiments/{id}
  GET /v1/experiments/{id}/trials?status=FAILED

State is re-read from the data root on every request, so the server can run
next to a 'crengine run' process.`,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

// identityHealthChecker fails when the app identity is incomplete.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case c.binaryName == "":
		return errors.New("missing binary name")
	case c.envPrefix == "":
		return errors.New("missing env prefix")
	case c.configName == "":
		return errors.New("missing config name")
	}
	return nil
}

// dataRootHealthChecker fails when the data root is not a readable directory.
type dataRootHealthChecker struct {
	fs   afero.Fs
	root string
}

func (c dataRootHealthChecker) CheckHealth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := c.fs.Stat(c.root)
	if err != nil {
		return fmt.Errorf("data root %s: %w", c.root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data root %s is not a directory", c.root)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := currentConfig()
	srv := newAPIServer(cfg)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-ctx.Done():
	}

	observability.CLILogger.Info("Shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server shutdown failed", err)
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// newAPIServer builds the HTTP server and registers its health checks.
func newAPIServer(cfg *config.Config) *server.Server {
	host, port := cfg.Server.Host, cfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}

	hm := handlers.InitHealthManager(versionInfo.Version)
	id := config.DefaultIdentity
	if appIdentity != nil {
		id = *appIdentity
	}
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: id.BinaryName,
		envPrefix:  id.EnvPrefix,
		configName: id.ConfigName,
	})
	hm.RegisterChecker("data_root", dataRootHealthChecker{fs: appFs, root: cfg.Data.Root})

	return server.New(host, port,
		server.WithLogger(observability.CLILogger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithExperiments(handlers.StoreReader{Config: storeConfig(cfg)}),
	)
}

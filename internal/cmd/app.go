package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/observability"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/artifactsink"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/backend"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/catalog"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/ledger"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/pipeline"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/prompt"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/scheduler"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

// appFs is the filesystem experiment state lives on. Tests swap it.
var appFs afero.Fs = afero.NewOsFs()

func storeConfig(cfg *config.Config) trialstate.Config {
	return trialstate.Config{
		Fs:     appFs,
		Root:   cfg.Data.Root,
		Logger: observability.CLILogger.Named("state"),
	}
}

// openExperiment opens id, or the experiment named by the resumption
// pointer when id is empty.
func openExperiment(ctx context.Context, cfg *config.Config, id string) (*trialstate.Store, error) {
	if id != "" {
		st, err := trialstate.Open(ctx, storeConfig(cfg), id)
		if err != nil {
			return nil, stateExitError(fmt.Sprintf("Cannot open experiment %s", id), err)
		}
		return st, nil
	}
	st, err := trialstate.Resume(ctx, storeConfig(cfg))
	if err != nil {
		return nil, stateExitError("Cannot resume current experiment", err)
	}
	return st, nil
}

// openLatest is openExperiment, falling back to the newest experiment under
// the data root when no experiment is current.
func openLatest(ctx context.Context, cfg *config.Config, id string) (*trialstate.Store, error) {
	if id != "" {
		return openExperiment(ctx, cfg, id)
	}
	st, err := trialstate.Resume(ctx, storeConfig(cfg))
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, trialstate.ErrNoCurrentExperiment) {
		return nil, stateExitError("Cannot resume current experiment", err)
	}
	exps, lerr := trialstate.ListExperiments(storeConfig(cfg))
	if lerr != nil {
		return nil, exitError(foundry.ExitFileReadError, "Cannot list experiments", lerr)
	}
	if len(exps) == 0 {
		return nil, stateExitError("No experiments under "+cfg.Data.Root, err)
	}
	return openExperiment(ctx, cfg, exps[0].ID)
}

func stateExitError(message string, err error) error {
	switch {
	case errors.Is(err, trialstate.ErrExperimentNotFound), errors.Is(err, trialstate.ErrNoCurrentExperiment):
		return exitError(foundry.ExitFileNotFound, message, err)
	default:
		return exitError(foundry.ExitFileReadError, message, err)
	}
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Catalog not found", err)
		}
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid catalog", err)
	}
	return cat, nil
}

// buildRouter registers a route for every model the experiment calls:
// trial models, evaluator models and the facts model.
func buildRouter(ctx context.Context, cfg *config.Config, cat *catalog.Catalog, exp trialstate.Experiment) (*backend.Router, error) {
	needed := append([]string(nil), exp.ModelIDs...)
	for _, evID := range exp.EvaluatorIDs {
		ev, err := cat.Evaluator(evID)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Experiment references an unknown evaluator", err)
		}
		needed = append(needed, ev.Model)
	}
	if cfg.Run.FactsModel != "" {
		needed = append(needed, cfg.Run.FactsModel)
	}

	set := backend.NewClientSet(cfg.Backends.Clients(), observability.CLILogger.Named("backend"))
	router := backend.NewRouter()
	seen := make(map[string]bool)
	for _, id := range needed {
		if seen[id] {
			continue
		}
		seen[id] = true

		m, err := cat.Model(id)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Experiment references an unknown model", err)
		}
		p, err := backend.ParseProvider(m.Provider)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Model %s has an invalid provider", m.ID), err)
		}
		client, err := set.Client(ctx, p)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, fmt.Sprintf("Cannot create %s client for model %s", p, m.ID), err)
		}
		router.Register(backend.Route{ModelID: m.ID, Provider: p, Model: m.Model}, client)
		observability.CLILogger.Debug("Registered model",
			zap.String("model", m.ID),
			zap.String("provider", string(p)),
			zap.String("provider_model", m.Model))
	}
	return router, nil
}

// openLedger opens the call ledger, or returns a no-op recorder when the
// ledger is disabled. The returned close func is never nil.
func openLedger(ctx context.Context, cfg *config.Config) (ledger.Recorder, func(), error) {
	if !cfg.Ledger.Enabled {
		return ledger.Nop{}, func() {}, nil
	}
	l, err := ledger.Open(ctx, ledger.Config{Path: cfg.Ledger.ResolvedPath(cfg.Data.Root)})
	if err != nil {
		return nil, nil, exitError(foundry.ExitFileWriteError, "Cannot open call ledger", err)
	}
	return l, func() { _ = l.Close() }, nil
}

// buildMirror returns the S3 mirror when a bucket is configured, else nil.
func buildMirror(ctx context.Context, cfg *config.Config, st *trialstate.Store) (scheduler.Mirror, error) {
	m := cfg.Mirror.S3
	if !m.Enabled() {
		return nil, nil
	}
	sink, err := artifactsink.NewS3Sink(ctx, artifactsink.S3Config{
		Bucket:         m.Bucket,
		Prefix:         m.Prefix,
		Region:         m.Region,
		Endpoint:       m.Endpoint,
		Profile:        m.Profile,
		ForcePathStyle: m.ForcePathStyle,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Cannot configure S3 mirror", err)
	}
	observability.CLILogger.Info("Mirroring artifacts to S3",
		zap.String("bucket", m.Bucket),
		zap.String("prefix", m.Prefix))
	return scheduler.SinkMirror{Sink: sink, Store: st}, nil
}

// runnerDeps are the collaborators a run needs besides the store.
type runnerDeps struct {
	Catalog   *catalog.Catalog
	Responder backend.Responder
	Ledger    ledger.Recorder
	Mirror    scheduler.Mirror
}

// newScheduler wires parser, executor and scheduler for st.
func newScheduler(cfg *config.Config, st *trialstate.Store, deps runnerDeps, maxRetries int) (*scheduler.Scheduler, error) {
	log := observability.CLILogger
	parser := parse.New(parse.Config{
		Fs:         st.Fs(),
		ReviewDir:  st.ReviewDir(),
		Dimensions: cfg.Run.Dimensions,
		Logger:     log.Named("parse"),
	})

	exec, err := pipeline.New(pipeline.Config{
		Ladder:         cfg.Run.Ladder(),
		MaxAttempts:    cfg.Run.MaxAttempts,
		Temperature:    cfg.Run.Temperature,
		EvaluatorDelay: cfg.Run.EvaluatorDelay,
		FactsModel:     cfg.Run.FactsModel,
	}, pipeline.Deps{
		Store:     st,
		Responder: deps.Responder,
		Parser:    parser,
		Prompts:   prompt.Builder{},
		Catalog:   deps.Catalog,
		Ledger:    deps.Ledger,
		Logger:    log.Named("pipeline"),
	})
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	opts := []scheduler.Option{scheduler.WithLogger(log.Named("scheduler"))}
	if deps.Mirror != nil {
		opts = append(opts, scheduler.WithMirror(deps.Mirror))
	}
	sched, err := scheduler.New(scheduler.Config{
		MaxRetries: maxRetries,
		Cooldown:   cfg.Run.BatchCooldown,
		StaleAfter: cfg.Run.StaleAfter,
	}, st, exec, opts...)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}
	return sched, nil
}

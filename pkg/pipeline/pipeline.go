// Package pipeline drives one trial through its layers: facts, reasoning
// and evaluation.
//
// Layers run strictly in order. Each model call goes through the token
// ladder: when a response looks truncated and did not parse, the call is
// re-issued with the next larger budget, up to a bounded number of
// attempts, and the last response is kept whatever its outcome. Every
// layer record is persisted before the next layer starts.
//
// Evaluators run one after another. Their records are merged into the
// trial's evaluation file by evaluator ID, so the single-writer rule for
// that file holds without locking. The first evaluator is primary: its
// failure fails the trial, while failures of later evaluators are recorded
// in their own entries and logged.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/backend"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/catalog"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/ledger"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/prompt"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/truncation"
)

// Store is the slice of the trial state store the executor writes through.
type Store interface {
	ID() string
	Snapshot() trialstate.Experiment
	MarkInProgress(id int) error
	MarkCompleted(id int, score int) error
	MarkFailed(id int, detail *trialstate.TrialError) error
	SaveLayerResult(trialID, layer int, rec trialstate.LayerRecord) error
	MergeEvaluation(trialID int, evaluatorID string, rec trialstate.LayerRecord) error
}

// Parser turns raw responses into records.
type Parser interface {
	Parse(in parse.Input) parse.Outcome
	Dimensions() []string
}

// PromptBuilder renders the prompt of each layer.
type PromptBuilder interface {
	Facts(s catalog.Scenario) (prompt.Prompt, error)
	Reasoning(s catalog.Scenario, c catalog.Constitution, f parse.Facts) (prompt.Prompt, error)
	Evaluation(ev catalog.Evaluator, c catalog.Constitution, f parse.Facts, r parse.Reasoning, dimensions []string) (prompt.Prompt, error)
}

// CatalogView resolves the IDs a trial refers to.
type CatalogView interface {
	Scenario(id string) (catalog.Scenario, error)
	Constitution(id string) (catalog.Constitution, error)
	Evaluator(id string) (catalog.Evaluator, error)
}

// Config tunes the executor.
type Config struct {
	// Ladder is the token-budget ladder. Default: truncation.DefaultLadder().
	Ladder truncation.Ladder

	// MaxAttempts bounds calls per layer, counting the first. Default:
	// truncation.DefaultMaxAttempts.
	MaxAttempts int

	Temperature float64

	// EvaluatorDelay is slept between evaluator calls.
	EvaluatorDelay time.Duration

	// FactsModel, when set, extracts facts with a model call for scenarios
	// that have no static facts.
	FactsModel string

	// ForceFactsModel uses FactsModel even when static facts exist.
	ForceFactsModel bool
}

// Deps are the executor's collaborators. Ledger and Logger are optional.
type Deps struct {
	Store     Store
	Responder backend.Responder
	Parser    Parser
	Prompts   PromptBuilder
	Catalog   CatalogView
	Ledger    ledger.Recorder
	Logger    *zap.Logger
	Now       func() time.Time
}

// Executor runs trials. It is safe for concurrent use across trials.
type Executor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New creates an Executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil || deps.Responder == nil || deps.Parser == nil || deps.Prompts == nil || deps.Catalog == nil {
		return nil, errors.New("pipeline: store, responder, parser, prompts and catalog are required")
	}
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = truncation.DefaultLadder()
	}
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = truncation.DefaultMaxAttempts
	}
	if deps.Ledger == nil {
		deps.Ledger = ledger.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Executor{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// StageError is a layer failure that fails the trial.
type StageError struct {
	Layer     int
	Evaluator string

	// Type is "parse_failure" for unusable responses, otherwise the Go type
	// of the underlying error.
	Type string
	Err  error
}

func (e *StageError) Error() string {
	if e.Evaluator != "" {
		return fmt.Sprintf("layer %d (%s): %v", e.Layer, e.Evaluator, e.Err)
	}
	return fmt.Sprintf("layer %d: %v", e.Layer, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrUnusableResponse marks a response the parser could only send to
// manual review.
var ErrUnusableResponse = errors.New("response needs manual review")

// RunTrial dispatches t and drives it to COMPLETED or FAILED. It reports
// whether the trial completed.
//
// The returned error is non-nil only when the trial could not be driven to
// a terminal state: a store failure, or cancellation of ctx. In both cases
// the trial may be left IN_PROGRESS for a later repair pass.
func (e *Executor) RunTrial(ctx context.Context, t trialstate.Trial) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := e.deps.Store.MarkInProgress(t.ID); err != nil {
		return false, fmt.Errorf("dispatch trial %d: %w", t.ID, err)
	}

	log := e.log.With(
		zap.String("experiment_id", e.deps.Store.ID()),
		zap.Int("trial_id", t.ID),
		zap.String("model", t.ModelID),
	)
	log.Info("Trial started",
		zap.String("scenario", t.ScenarioID),
		zap.String("constitution", t.ConstitutionID),
		zap.Int("retry_count", t.RetryCount))

	score, err := e.run(ctx, log, t)
	if err != nil {
		if ctx.Err() != nil {
			log.Warn("Trial interrupted; left in progress", zap.Error(err))
			return false, ctx.Err()
		}
		var se *StageError
		if !errors.As(err, &se) {
			return false, err
		}
		detail := &trialstate.TrialError{
			Type:      se.Type,
			Message:   se.Err.Error(),
			Layer:     se.Layer,
			Evaluator: se.Evaluator,
			Timestamp: e.deps.Now().UTC(),
		}
		if mErr := e.deps.Store.MarkFailed(t.ID, detail); mErr != nil {
			return false, fmt.Errorf("mark trial %d failed: %w", t.ID, mErr)
		}
		log.Warn("Trial failed",
			zap.Int("layer", se.Layer),
			zap.String("evaluator", se.Evaluator),
			zap.String("error_type", se.Type),
			zap.Error(se.Err))
		return false, nil
	}

	if err := e.deps.Store.MarkCompleted(t.ID, score); err != nil {
		return false, fmt.Errorf("mark trial %d completed: %w", t.ID, err)
	}
	log.Info("Trial completed", zap.Int("score", score))
	return true, nil
}

// run executes the layers. StageErrors fail the trial; any other error is
// returned to the caller as is.
func (e *Executor) run(ctx context.Context, log *zap.Logger, t trialstate.Trial) (int, error) {
	cat := e.deps.Catalog
	scenario, err := cat.Scenario(t.ScenarioID)
	if err != nil {
		return 0, stageFailure(trialstate.LayerFacts, "", err)
	}
	constitution, err := cat.Constitution(t.ConstitutionID)
	if err != nil {
		return 0, stageFailure(trialstate.LayerReasoning, "", err)
	}

	facts, err := e.factsLayer(ctx, log, t, scenario)
	if err != nil {
		return 0, err
	}

	reasoning, err := e.reasoningLayer(ctx, log, t, scenario, constitution, facts)
	if err != nil {
		return 0, err
	}

	return e.evaluationLayer(ctx, log, t, constitution, facts, reasoning)
}

func (e *Executor) factsLayer(ctx context.Context, log *zap.Logger, t trialstate.Trial, s catalog.Scenario) (parse.Facts, error) {
	useModel := e.cfg.FactsModel != "" && (s.Facts == nil || e.cfg.ForceFactsModel)
	if !useModel {
		if s.Facts == nil {
			return parse.Facts{}, stageFailure(trialstate.LayerFacts, "",
				fmt.Errorf("scenario %q has no static facts and no facts model is configured", s.ID))
		}
		facts := prompt.StaticFacts(*s.Facts)
		rec := trialstate.LayerRecord{
			Source:      "static",
			Parsed:      &parse.Record{Kind: parse.KindFacts, Facts: &facts},
			Diagnostics: parse.Diagnostics{Success: true, Status: parse.StatusSuccess, Method: parse.MethodStatic},
			Truncation:  truncation.Result{Reason: truncation.ReasonParsed},
		}
		if err := e.deps.Store.SaveLayerResult(t.ID, trialstate.LayerFacts, rec); err != nil {
			return parse.Facts{}, err
		}
		return facts, nil
	}

	p, err := e.deps.Prompts.Facts(s)
	if err != nil {
		return parse.Facts{}, stageFailure(trialstate.LayerFacts, "", err)
	}
	rec, callErr := e.call(ctx, log, layerCall{
		trialID: t.ID,
		layer:   trialstate.LayerFacts,
		modelID: e.cfg.FactsModel,
		kind:    parse.KindFacts,
		prompt:  p,
	})
	if err := e.deps.Store.SaveLayerResult(t.ID, trialstate.LayerFacts, rec); err != nil {
		return parse.Facts{}, err
	}
	if callErr != nil {
		return parse.Facts{}, callErr
	}
	if rec.Parsed == nil || rec.Parsed.Facts == nil {
		return parse.Facts{}, stageFailure(trialstate.LayerFacts, "", ErrUnusableResponse)
	}
	return *rec.Parsed.Facts, nil
}

func (e *Executor) reasoningLayer(ctx context.Context, log *zap.Logger, t trialstate.Trial, s catalog.Scenario, c catalog.Constitution, f parse.Facts) (parse.Reasoning, error) {
	p, err := e.deps.Prompts.Reasoning(s, c, f)
	if err != nil {
		return parse.Reasoning{}, stageFailure(trialstate.LayerReasoning, "", err)
	}
	rec, callErr := e.call(ctx, log, layerCall{
		trialID: t.ID,
		layer:   trialstate.LayerReasoning,
		modelID: t.ModelID,
		kind:    parse.KindReasoning,
		prompt:  p,
	})
	if err := e.deps.Store.SaveLayerResult(t.ID, trialstate.LayerReasoning, rec); err != nil {
		return parse.Reasoning{}, err
	}
	if callErr != nil {
		return parse.Reasoning{}, callErr
	}
	if rec.Parsed == nil || rec.Parsed.Reasoning == nil {
		return parse.Reasoning{}, stageFailure(trialstate.LayerReasoning, "", ErrUnusableResponse)
	}
	return *rec.Parsed.Reasoning, nil
}

func (e *Executor) evaluationLayer(ctx context.Context, log *zap.Logger, t trialstate.Trial, c catalog.Constitution, f parse.Facts, r parse.Reasoning) (int, error) {
	evaluators := e.deps.Store.Snapshot().EvaluatorIDs
	if len(evaluators) == 0 {
		return 0, stageFailure(trialstate.LayerEvaluation, "", errors.New("no evaluators configured"))
	}

	score := 0
	for i, evID := range evaluators {
		primary := i == 0
		if i > 0 && e.cfg.EvaluatorDelay > 0 {
			if err := sleepCtx(ctx, e.cfg.EvaluatorDelay); err != nil {
				return 0, err
			}
		}

		rec, err := e.evaluate(ctx, log, t, evID, c, f, r)
		if err == nil && primary {
			s, ok := rec.Parsed.Evaluation.MeanScore()
			if !ok {
				se := stageFailure(trialstate.LayerEvaluation, evID, fmt.Errorf("%w: no dimension scores recovered", ErrUnusableResponse))
				rec.Error = e.trialError(se)
				err = se
			}
			score = s
		}
		if mErr := e.deps.Store.MergeEvaluation(t.ID, evID, rec); mErr != nil {
			return 0, mErr
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if primary {
			return 0, err
		}
		log.Warn("Secondary evaluator failed; recorded without failing trial",
			zap.String("evaluator", evID),
			zap.Error(err))
	}
	return score, nil
}

// evaluate runs one evaluator. The returned record is always suitable for
// merging, carrying the failure when err is non-nil.
func (e *Executor) evaluate(ctx context.Context, log *zap.Logger, t trialstate.Trial, evID string, c catalog.Constitution, f parse.Facts, r parse.Reasoning) (trialstate.LayerRecord, error) {
	fail := func(err error) (trialstate.LayerRecord, error) {
		se := stageFailure(trialstate.LayerEvaluation, evID, err)
		return trialstate.LayerRecord{
			Evaluator:   evID,
			Source:      "model",
			Diagnostics: parse.Diagnostics{Status: parse.StatusManualReview, Method: parse.MethodManualReview},
			Error:       e.trialError(se),
		}, se
	}

	ev, err := e.deps.Catalog.Evaluator(evID)
	if err != nil {
		return fail(err)
	}
	p, err := e.deps.Prompts.Evaluation(ev, c, f, r, e.deps.Parser.Dimensions())
	if err != nil {
		return fail(err)
	}
	rec, err := e.call(ctx, log, layerCall{
		trialID:   t.ID,
		layer:     trialstate.LayerEvaluation,
		modelID:   ev.Model,
		evaluator: evID,
		kind:      parse.KindEvaluation,
		prompt:    p,
	})
	if err == nil && (rec.Parsed == nil || rec.Parsed.Evaluation == nil) {
		se := stageFailure(trialstate.LayerEvaluation, evID, ErrUnusableResponse)
		rec.Error = e.trialError(se)
		err = se
	}
	return rec, err
}

func (e *Executor) trialError(se *StageError) *trialstate.TrialError {
	return &trialstate.TrialError{
		Type:      se.Type,
		Message:   se.Err.Error(),
		Layer:     se.Layer,
		Evaluator: se.Evaluator,
		Timestamp: e.deps.Now().UTC(),
	}
}

func stageFailure(layer int, evaluator string, err error) *StageError {
	return &StageError{Layer: layer, Evaluator: evaluator, Type: errorType(err), Err: err}
}

// errorType names the kind of failure recorded on a trial.
func errorType(err error) string {
	if errors.Is(err, ErrUnusableResponse) {
		return "parse_failure"
	}
	var be *backend.Error
	if errors.As(err, &be) {
		return "backend.Error"
	}
	t := fmt.Sprintf("%T", err)
	if len(t) > 0 && t[0] == '*' {
		t = t[1:]
	}
	return t
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

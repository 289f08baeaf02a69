package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/backend"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/ledger"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/parse"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/prompt"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/truncation"
)

// ErrCodeBackend is the diagnostics error code of a record whose call
// failed before any response arrived.
const ErrCodeBackend = "backend_error"

type layerCall struct {
	trialID   int
	layer     int
	modelID   string
	evaluator string
	kind      parse.Kind
	prompt    prompt.Prompt
}

// call issues one layer's model call through the token ladder and returns
// the record of the last response. A non-nil error is a *StageError (or the
// context error) and the record then carries the failure as well.
//
// A backend error on an escalated attempt keeps the previous response: the
// ladder only ever improves on what it already has.
func (e *Executor) call(ctx context.Context, log *zap.Logger, lc layerCall) (trialstate.LayerRecord, error) {
	log = log.With(zap.Int("layer", lc.layer), zap.String("call_model", lc.modelID))
	if lc.evaluator != "" {
		log = log.With(zap.String("evaluator", lc.evaluator))
	}

	rec := trialstate.LayerRecord{
		Model:        lc.modelID,
		Evaluator:    lc.evaluator,
		Source:       "model",
		SystemPrompt: lc.prompt.System,
		Prompt:       lc.prompt.User,
	}

	budget := e.cfg.Ladder.First()
	var total time.Duration
	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := e.deps.Responder.GetResponse(ctx, lc.modelID, backend.Request{
			SystemPrompt: lc.prompt.System,
			Prompt:       lc.prompt.User,
			Temperature:  e.cfg.Temperature,
			MaxTokens:    budget,
		})
		elapsed := time.Since(start)
		total += elapsed

		entry := ledger.Call{
			ExperimentID: e.deps.Store.ID(),
			TrialID:      lc.trialID,
			Layer:        lc.layer,
			ModelID:      lc.modelID,
			Evaluator:    lc.evaluator,
			Attempt:      attempt,
			MaxTokens:    budget,
			LatencyMS:    elapsed.Milliseconds(),
		}

		if err != nil {
			entry.Error = err.Error()
			e.record(ctx, log, entry)
			if ctx.Err() != nil {
				return rec, ctx.Err()
			}
			if attempt > 1 {
				log.Warn("Escalated call failed; keeping previous response",
					zap.Int("attempt", attempt),
					zap.Int("max_tokens", budget),
					zap.Error(err))
				break
			}
			se := stageFailure(lc.layer, lc.evaluator, err)
			rec.Metrics = trialstate.Metrics{Attempts: attempt, MaxTokens: budget, LatencyMS: total.Milliseconds()}
			rec.Diagnostics = parse.Diagnostics{
				Status:    parse.StatusManualReview,
				Method:    parse.MethodManualReview,
				ErrorCode: ErrCodeBackend,
				Error:     err.Error(),
			}
			rec.Error = e.trialError(se)
			return rec, se
		}

		outcome := e.deps.Parser.Parse(parse.Input{
			Raw:       resp.Text,
			TrialID:   lc.trialID,
			Layer:     lc.layer,
			Kind:      lc.kind,
			Evaluator: lc.evaluator,
		})
		tr := truncation.Classify(resp.Text, outcome.Succeeded())

		parsed := outcome.Record
		rec.RawResponse = outcome.Raw
		rec.Parsed = &parsed
		rec.Diagnostics = outcome.Diagnostics
		rec.Truncation = tr
		rec.Metrics = trialstate.Metrics{
			Attempts:     attempt,
			MaxTokens:    budget,
			LatencyMS:    total.Milliseconds(),
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
		}

		entry.Truncated = tr.Truncated
		entry.TruncationReason = string(tr.Reason)
		entry.ParseStatus = string(outcome.Status)
		entry.InputTokens = resp.InputTokens
		entry.OutputTokens = resp.OutputTokens
		e.record(ctx, log, entry)

		if !tr.Truncated {
			break
		}
		if attempt >= e.cfg.MaxAttempts {
			log.Warn("Token ladder exhausted; keeping last response",
				zap.Int("attempt", attempt),
				zap.Int("max_tokens", budget),
				zap.String("reason", string(tr.Reason)))
			break
		}
		next, ok := e.cfg.Ladder.Next(budget)
		if !ok {
			log.Warn("No larger token budget; keeping last response",
				zap.Int("attempt", attempt),
				zap.Int("max_tokens", budget))
			break
		}
		log.Info("Response truncated; retrying with larger budget",
			zap.Int("attempt", attempt),
			zap.Int("max_tokens", budget),
			zap.Int("next_max_tokens", next),
			zap.String("reason", string(tr.Reason)))
		budget = next
	}

	if !rec.Diagnostics.Status.Usable() {
		se := stageFailure(lc.layer, lc.evaluator, fmt.Errorf("%w (%s)", ErrUnusableResponse, rec.Diagnostics.ErrorCode))
		rec.Error = e.trialError(se)
		return rec, se
	}
	return rec, nil
}

// record writes a ledger row. Ledger failures are logged, never fatal.
func (e *Executor) record(ctx context.Context, log *zap.Logger, c ledger.Call) {
	if err := e.deps.Ledger.Record(context.WithoutCancel(ctx), c); err != nil {
		log.Warn("Failed to record call in ledger", zap.Error(err))
	}
}

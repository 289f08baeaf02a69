package parse

import (
	"fmt"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/jsontext"
)

// Config configures a Parser.
type Config struct {
	// Fs receives manual-review files. Default: the OS filesystem.
	Fs afero.Fs

	// ReviewDir is the directory manual-review files are written to.
	// Required for review files to be saved; without it the raw text is only
	// embedded in the returned Outcome.
	ReviewDir string

	// Dimensions lists the scored dimensions an evaluation must carry.
	// Default: DefaultDimensions.
	Dimensions []string

	// Logger receives warnings for manual-review outcomes. Default: no-op.
	Logger *zap.Logger
}

// Parser runs the strategy cascade. It is safe for concurrent use.
type Parser struct {
	fs         afero.Fs
	reviewDir  string
	dimensions []string
	log        *zap.Logger
}

// New creates a Parser.
func New(cfg Config) *Parser {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if len(cfg.Dimensions) == 0 {
		cfg.Dimensions = DefaultDimensions
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Parser{
		fs:         cfg.Fs,
		reviewDir:  strings.TrimSpace(cfg.ReviewDir),
		dimensions: append([]string(nil), cfg.Dimensions...),
		log:        cfg.Logger,
	}
}

// Dimensions returns the scored dimensions this parser validates.
func (p *Parser) Dimensions() []string {
	return append([]string(nil), p.dimensions...)
}

// maxObjectStarts bounds how many '{' offsets the trailing-trim strategy
// tries.
const maxObjectStarts = 32

// strategy yields candidate JSON documents from raw text, best first.
type strategy struct {
	method  Method
	extract func(raw string) []string
}

var cascade = []strategy{
	{MethodDirectJSON, func(raw string) []string {
		return []string{jsontext.StripFences(raw)}
	}},
	{MethodControlStripped, func(raw string) []string {
		return []string{jsontext.StripFences(jsontext.StripControl(raw))}
	}},
	{MethodBalancedBraces, func(raw string) []string {
		obj, ok := jsontext.FirstBalancedObject(jsontext.StripControl(raw))
		if !ok {
			return nil
		}
		return []string{obj}
	}},
	{MethodTrailingTrimmed, func(raw string) []string {
		trimmed, ok := jsontext.TrimAfterLastBrace(jsontext.StripControl(raw))
		if !ok {
			return nil
		}
		starts := jsontext.ObjectStarts(trimmed, maxObjectStarts)
		out := make([]string, 0, len(starts))
		for _, i := range starts {
			out = append(out, trimmed[i:])
		}
		return out
	}},
}

// Parse converts a raw response into a record. It never panics and never
// returns an error: the worst case is a MANUAL_REVIEW outcome whose raw text
// has been saved to a review file.
func (p *Parser) Parse(in Input) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("parser panic recovered",
				zap.Int("trial_id", in.TrialID),
				zap.Int("layer", in.Layer),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			out = p.manualReview(in, ErrCodeInternalPanic, fmt.Errorf("panic: %v", r))
		}
	}()

	switch in.Kind {
	case KindFacts, KindReasoning, KindEvaluation:
	default:
		return p.manualReview(in, ErrCodeUnknownKind, fmt.Errorf("unknown record kind %q", in.Kind))
	}

	if strings.TrimSpace(in.Raw) == "" {
		return p.manualReview(in, ErrCodeEmptyResponse, nil)
	}

	var lastErr error
	for _, s := range cascade {
		for _, candidate := range s.extract(in.Raw) {
			if candidate == "" {
				continue
			}
			rec, err := p.decode(in.Kind, candidate)
			if err != nil {
				lastErr = err
				continue
			}
			return Outcome{
				Status: StatusSuccess,
				Record: rec,
				Raw:    in.Raw,
				Diagnostics: Diagnostics{
					Success: true,
					Status:  StatusSuccess,
					Method:  s.method,
				},
			}
		}
	}

	rec, found := p.extractFields(in.Kind, jsontext.StripControl(in.Raw))
	if len(found) >= MinRecoveredFields {
		diag := Diagnostics{
			Success:         false,
			Status:          StatusPartialSuccess,
			Method:          MethodRegexFields,
			ErrorCode:       ErrCodeNoValidShape,
			RecoveredFields: found,
		}
		if lastErr != nil {
			diag.Error = lastErr.Error()
		}
		return Outcome{Status: StatusPartialSuccess, Record: rec, Raw: in.Raw, Diagnostics: diag}
	}

	return p.manualReview(in, ErrCodeNoValidShape, lastErr)
}

// ReviewPath returns where the review file for in is written.
func (p *Parser) ReviewPath(in Input) string {
	name := fmt.Sprintf("trial_%04d_layer%d", in.TrialID, in.Layer)
	if ev := sanitizeName(in.Evaluator); ev != "" {
		name += "_" + ev
	}
	return filepath.Join(p.reviewDir, name+".txt")
}

func (p *Parser) manualReview(in Input, code string, cause error) Outcome {
	diag := Diagnostics{
		Success:   false,
		Status:    StatusManualReview,
		Method:    MethodManualReview,
		ErrorCode: code,
	}
	if cause != nil {
		diag.Error = cause.Error()
	}

	path, err := p.saveReview(in)
	if err != nil {
		diag.ErrorCode = ErrCodeReviewWriteFailed
		diag.Error = err.Error()
		p.log.Error("failed to save manual review file; raw text kept in record",
			zap.Int("trial_id", in.TrialID),
			zap.Int("layer", in.Layer),
			zap.Error(err))
	} else {
		diag.ReviewPath = path
		p.log.Warn("response needs manual review",
			zap.Int("trial_id", in.TrialID),
			zap.Int("layer", in.Layer),
			zap.String("evaluator", in.Evaluator),
			zap.String("error_code", code),
			zap.String("review_path", path))
	}

	return Outcome{
		Status:      StatusManualReview,
		Record:      p.placeholder(in.Kind, path, code),
		Raw:         in.Raw,
		Diagnostics: diag,
	}
}

// saveReview writes the raw text verbatim. An empty path with nil error
// means no review directory is configured.
func (p *Parser) saveReview(in Input) (string, error) {
	if p.reviewDir == "" {
		return "", nil
	}
	if err := p.fs.MkdirAll(p.reviewDir, 0o755); err != nil {
		return "", fmt.Errorf("create review dir: %w", err)
	}
	path := p.ReviewPath(in)
	if err := afero.WriteFile(p.fs, path, []byte(in.Raw), 0o644); err != nil {
		return "", fmt.Errorf("write review file: %w", err)
	}
	return path, nil
}

func (p *Parser) placeholder(kind Kind, reviewPath, reason string) Record {
	marker := ManualReviewMarker
	rec := Record{
		Kind: kind,
		ManualReview: &ManualReview{
			Marker:     ManualReviewMarker,
			ReviewPath: reviewPath,
			Reason:     reason,
		},
	}

	switch kind {
	case KindFacts:
		rec.Facts = &Facts{
			EstablishedFacts:  []string{marker},
			AmbiguousElements: []string{marker},
		}
	case KindReasoning:
		rec.Reasoning = &Reasoning{
			Reasoning:             &marker,
			Recommendation:        &marker,
			ValuesApplied:         []string{marker},
			TradeoffsAcknowledged: &marker,
		}
	case KindEvaluation:
		eval := &Evaluation{Dimensions: make(map[string]ScoreBlock, len(p.dimensions))}
		for _, dim := range p.dimensions {
			eval.Dimensions[dim] = ScoreBlock{Score: ManualReviewScore, Explanation: marker}
		}
		rec.Evaluation = eval
	}
	return rec
}

func sanitizeName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

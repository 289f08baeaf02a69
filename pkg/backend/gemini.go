package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
	caller *caller
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg Config, log *zap.Logger) (*GeminiClient, error) {
	cfg = cfg.withDefaults("")
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key is not configured", ErrAuth)
	}

	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL + "/"}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client, caller: newCaller(ProviderGemini, cfg, log)}, nil
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	temp := float32(req.Temperature)
	gc := &genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if req.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	return c.caller.do(ctx, req.Model, func(ctx context.Context) attemptResult {
		out, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), gc)
		if err != nil {
			return geminiError(ctx, err)
		}
		if len(out.Candidates) == 0 {
			return attemptResult{err: ErrEmptyResponse}
		}

		resp := &Response{
			Text:       out.Text(),
			Model:      out.ModelVersion,
			StopReason: string(out.Candidates[0].FinishReason),
		}
		if out.UsageMetadata != nil {
			resp.InputTokens = int(out.UsageMetadata.PromptTokenCount)
			resp.OutputTokens = int(out.UsageMetadata.CandidatesTokenCount)
		}
		if resp.Text == "" && out.Candidates[0].FinishReason != genai.FinishReasonMaxTokens {
			return attemptResult{err: ErrEmptyResponse}
		}
		return attemptResult{resp: resp}
	})
}

func geminiError(ctx context.Context, err error) attemptResult {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return attemptResult{status: apiErr.Code, err: statusError(apiErr.Code, apiErr.Message)}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return attemptResult{status: apiErrPtr.Code, err: statusError(apiErrPtr.Code, apiErrPtr.Message)}
	}
	return attemptResult{err: transportError(ctx, err)}
}

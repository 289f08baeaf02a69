package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicClient calls the Anthropic Messages API.
type AnthropicClient struct {
	cfg    Config
	http   *http.Client
	caller *caller
}

// NewAnthropicClient creates an Anthropic client.
func NewAnthropicClient(cfg Config, log *zap.Logger) (*AnthropicClient, error) {
	cfg = cfg.withDefaults(anthropicBaseURL)
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: anthropic api key is not configured", ErrAuth)
	}
	return &AnthropicClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		caller: newCaller(ProviderAnthropic, cfg, log),
	}, nil
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}

	return c.caller.do(ctx, req.Model, func(ctx context.Context) attemptResult {
		var out anthropicResponse
		status, err := postJSON(ctx, c.http, c.cfg.BaseURL+"/messages", headers, body, &out)
		if err != nil {
			return attemptResult{status: status, err: err}
		}
		if out.Error != nil {
			return attemptResult{status: status, err: fmt.Errorf("%w: %s: %s", ErrBadRequest, out.Error.Type, out.Error.Message)}
		}

		var text strings.Builder
		for _, block := range out.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		// A response cut off at max_tokens may legitimately be empty of
		// text; only a complete empty answer is an error.
		if text.Len() == 0 && out.StopReason != "max_tokens" {
			return attemptResult{status: status, err: ErrEmptyResponse}
		}
		return attemptResult{status: status, resp: &Response{
			Text:         text.String(),
			Model:        out.Model,
			StopReason:   out.StopReason,
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		}}
	})
}

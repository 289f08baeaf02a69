package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

var openAICompatibleBaseURLs = map[Provider]string{
	ProviderOpenAI:     "https://api.openai.com/v1",
	ProviderXAI:        "https://api.x.ai/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// OpenAIClient calls an OpenAI-compatible chat completions API. The same
// client serves OpenAI, xAI and OpenRouter.
type OpenAIClient struct {
	provider Provider
	cfg      Config
	http     *http.Client
	caller   *caller
}

// NewOpenAIClient creates a client for an OpenAI-compatible provider.
func NewOpenAIClient(p Provider, cfg Config, log *zap.Logger) (*OpenAIClient, error) {
	base, ok := openAICompatibleBaseURLs[p]
	if !ok {
		return nil, fmt.Errorf("provider %q is not OpenAI-compatible", p)
	}
	cfg = cfg.withDefaults(base)
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: %s api key is not configured", ErrAuth, p)
	}
	return &OpenAIClient{
		provider: p,
		cfg:      cfg,
		http:     &http.Client{Timeout: cfg.Timeout},
		caller:   newCaller(p, cfg, log),
	}, nil
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	var msgs []openAIMessage
	if req.SystemPrompt != "" {
		msgs = append(msgs, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, openAIMessage{Role: "user", Content: req.Prompt})

	body := openAIRequest{
		Model:       req.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}

	return c.caller.do(ctx, req.Model, func(ctx context.Context) attemptResult {
		var out openAIResponse
		status, err := postJSON(ctx, c.http, c.cfg.BaseURL+"/chat/completions", headers, body, &out)
		if err != nil {
			return attemptResult{status: status, err: err}
		}
		if out.Error != nil {
			return attemptResult{status: status, err: fmt.Errorf("%w: %s", ErrBadRequest, out.Error.Message)}
		}
		if len(out.Choices) == 0 {
			return attemptResult{status: status, err: ErrEmptyResponse}
		}

		choice := out.Choices[0]
		if choice.Message.Content == "" && choice.FinishReason != "length" {
			return attemptResult{status: status, err: ErrEmptyResponse}
		}
		return attemptResult{status: status, resp: &Response{
			Text:         choice.Message.Content,
			Model:        out.Model,
			StopReason:   choice.FinishReason,
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		}}
	})
}

// Package backend calls third-party language-model APIs.
//
// Every provider client implements Client. A client retries throttled and
// transient failures internally, waits on its own rate limiter before each
// attempt, and returns a *Error once it gives up. Callers treat any error as
// a failed stage.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Provider identifies a backend API.
type Provider string

const (
	ProviderAnthropic  Provider = "anthropic"
	ProviderOpenAI     Provider = "openai"
	ProviderXAI        Provider = "xai"
	ProviderOpenRouter Provider = "openrouter"
	ProviderGemini     Provider = "gemini"
)

// ParseProvider converts s to a Provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderAnthropic, ProviderOpenAI, ProviderXAI, ProviderOpenRouter, ProviderGemini:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Request is one completion request.
type Request struct {
	// Model is the provider's model name (not the catalog ID).
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
	MaxTokens    int
}

// Response is a completion.
type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int

	// Attempts counts HTTP attempts including internal retries.
	Attempts int
	Latency  time.Duration
}

// Client completes prompts against one backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config configures a provider client.
type Config struct {
	// APIKey authenticates requests. Required.
	APIKey string

	// BaseURL overrides the provider's default endpoint.
	BaseURL string

	// Timeout bounds each HTTP attempt. Default: 5m.
	Timeout time.Duration

	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64

	// MaxRetries is the number of retries after the first attempt for
	// throttled, timed out and unavailable responses. DefaultConfig uses 3.
	MaxRetries int

	// Backoff is the base delay between retries; attempt n waits
	// Backoff * 2^(n-1). Default: 1s.
	Backoff time.Duration
}

// DefaultConfig returns a Config with default limits and no credentials.
func DefaultConfig() Config {
	return Config{
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
		Backoff:    time.Second,
	}
}

func (c Config) withDefaults(defaultBaseURL string) Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	return c
}

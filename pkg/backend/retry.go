package backend

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// caller runs one provider's attempts: it waits on the rate limiter, retries
// retryable failures with exponential backoff and wraps the final error.
type caller struct {
	provider   Provider
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	log        *zap.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newCaller(p Provider, cfg Config, log *zap.Logger) *caller {
	if log == nil {
		log = zap.NewNop()
	}
	c := &caller{
		provider:   p,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
		log:        log,
		sleep:      sleepCtx,
	}
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return c
}

// attemptResult carries an HTTP status alongside the outcome so the final
// error can report it.
type attemptResult struct {
	resp   *Response
	status int
	err    error
}

func (c *caller) do(ctx context.Context, model string, attempt func(ctx context.Context) attemptResult) (*Response, error) {
	start := time.Now()
	var last attemptResult

	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			delay := c.backoff * time.Duration(1<<uint(i-1))
			c.log.Debug("retrying backend call",
				zap.String("provider", string(c.provider)),
				zap.String("model", model),
				zap.Int("attempt", i+1),
				zap.Duration("delay", delay),
				zap.Error(last.err))
			if err := c.sleep(ctx, delay); err != nil {
				return nil, c.wrap(model, last.status, i, err)
			}
		}

		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, c.wrap(model, last.status, i, err)
			}
		}

		last = attempt(ctx)
		if last.err == nil {
			last.resp.Attempts = i + 1
			last.resp.Latency = time.Since(start)
			if last.resp.Model == "" {
				last.resp.Model = model
			}
			return last.resp, nil
		}
		if errors.Is(last.err, context.Canceled) || errors.Is(last.err, context.DeadlineExceeded) || !IsRetryable(last.err) {
			return nil, c.wrap(model, last.status, i+1, last.err)
		}
	}
	return nil, c.wrap(model, last.status, c.maxRetries+1, last.err)
}

func (c *caller) wrap(model string, status, attempts int, err error) error {
	return &Error{
		Op:         "Complete",
		Provider:   c.provider,
		Model:      model,
		StatusCode: status,
		Attempts:   attempts,
		Err:        err,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Sentinel errors for backend calls.
var (
	// ErrThrottled indicates the provider rate limited the request.
	ErrThrottled = errors.New("request throttled")

	// ErrUnavailable indicates a transient provider failure (5xx, connection
	// error).
	ErrUnavailable = errors.New("provider unavailable")

	// ErrTimeout indicates the request exceeded the client timeout.
	ErrTimeout = errors.New("request timed out")

	// ErrAuth indicates missing or rejected credentials.
	ErrAuth = errors.New("authentication failed")

	// ErrBadRequest indicates the provider rejected the request itself.
	ErrBadRequest = errors.New("bad request")

	// ErrEmptyResponse indicates a successful call that carried no text.
	ErrEmptyResponse = errors.New("empty response")

	// ErrUnknownModel indicates no backend is configured for a model.
	ErrUnknownModel = errors.New("unknown model")
)

// Error wraps a failed backend call with context.
type Error struct {
	// Op is the operation that failed (e.g., "Complete").
	Op string

	// Provider is the backend kind.
	Provider Provider

	// Model is the model the call was for.
	Model string

	// StatusCode is the HTTP status, if the provider answered.
	StatusCode int

	// Attempts is how many attempts were made before giving up.
	Attempts int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	provider := string(e.Provider)
	if provider == "" {
		provider = "backend"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s %s: status %d: %v", provider, e.Op, e.Model, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", provider, e.Op, e.Model, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsThrottled returns true if the error indicates the request was rate limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// IsUnavailable returns true if the error indicates a transient provider failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsTimeout returns true if the error indicates a timed out request.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsAuth returns true if the error indicates rejected credentials.
func IsAuth(err error) bool {
	return errors.Is(err, ErrAuth)
}

// IsRetryable reports whether another attempt may succeed.
func IsRetryable(err error) bool {
	return IsThrottled(err) || IsUnavailable(err) || IsTimeout(err)
}

// statusError maps an HTTP status to a sentinel.
func statusError(code int, body string) error {
	if len(body) > 512 {
		body = body[:512] + "..."
	}
	var sentinel error
	switch {
	case code == http.StatusTooManyRequests:
		sentinel = ErrThrottled
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		sentinel = ErrAuth
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		sentinel = ErrTimeout
	case code >= 500:
		sentinel = ErrUnavailable
	default:
		sentinel = ErrBadRequest
	}
	if body == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, body)
}

// transportError classifies an error from http.Client.Do. Context
// cancellation by the caller is returned unchanged.
func transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

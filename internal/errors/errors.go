// Package errors maps application failures onto gofulmen error envelopes and
// renders them as the status API's JSON error bodies.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"os"

	fulerrors "github.com/fulmenhq/gofulmen/errors"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/pkg/trialstate"
)

// Error codes carried in HTTP error bodies.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeNotFound           = "NOT_FOUND"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeInternal           = "INTERNAL_ERROR"
	CodeCorruptState       = "CORRUPT_STATE"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeExternalService    = "EXTERNAL_SERVICE_ERROR"
)

// AppError pairs an error envelope with the HTTP status it is served with.
type AppError struct {
	Envelope *fulerrors.ErrorEnvelope
	Status   int
	Err      error
}

func newAppError(code, message string, status int, err error) *AppError {
	return &AppError{
		Envelope: fulerrors.NewErrorEnvelope(code, message).WithOriginal(err),
		Status:   status,
		Err:      err,
	}
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Envelope.Message + ": " + e.Err.Error()
	}
	return e.Envelope.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Code returns the envelope code.
func (e *AppError) Code() string {
	return e.Envelope.Code
}

// NewBadRequestError reports invalid client input.
func NewBadRequestError(message string) *AppError {
	return newAppError(CodeBadRequest, message, http.StatusBadRequest, nil)
}

// NewNotFoundError reports a missing resource.
func NewNotFoundError(message string) *AppError {
	return newAppError(CodeNotFound, message, http.StatusNotFound, nil)
}

// NewExternalServiceError reports a failed dependency.
func NewExternalServiceError(message string) *AppError {
	return newAppError(CodeExternalService, message, http.StatusBadGateway, nil)
}

// WrapInternal wraps err as an internal error. The request ID in ctx, if
// any, becomes the envelope's correlation ID.
func WrapInternal(ctx context.Context, err error, message string) *AppError {
	e := newAppError(CodeInternal, message, http.StatusInternalServerError, err)
	if id := RequestIDFromContext(ctx); id != "" {
		e.Envelope.WithCorrelationID(id)
	}
	return e
}

// Classify maps err onto an AppError. Store sentinels get their own codes;
// anything unknown is internal.
func Classify(ctx context.Context, err error) *AppError {
	var app *AppError
	switch {
	case stderrors.As(err, &app):
		return app
	case stderrors.Is(err, trialstate.ErrExperimentNotFound),
		stderrors.Is(err, trialstate.ErrTrialNotFound),
		stderrors.Is(err, trialstate.ErrNoCurrentExperiment),
		stderrors.Is(err, os.ErrNotExist):
		return newAppError(CodeNotFound, err.Error(), http.StatusNotFound, err)
	case stderrors.Is(err, trialstate.ErrCorruptState):
		e := newAppError(CodeCorruptState, err.Error(), http.StatusInternalServerError, err)
		_, _ = e.Envelope.WithSeverity(fulerrors.SeverityHigh)
		return e
	default:
		return WrapInternal(ctx, err, "internal error")
	}
}

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HTTPErrorResponse wraps HTTPError under an "error" key.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// WriteEnvelope writes env as a JSON error body with status. The correlation
// ID is served as the request ID; details and context are merged.
func WriteEnvelope(w http.ResponseWriter, env *fulerrors.ErrorEnvelope, status int) {
	body := HTTPErrorResponse{Error: HTTPError{
		Code:      env.Code,
		Message:   env.Message,
		RequestID: env.CorrelationID,
		Severity:  string(env.Severity),
		Timestamp: env.Timestamp,
	}}
	if len(env.Details)+len(env.Context) > 0 {
		body.Error.Details = make(map[string]any, len(env.Details)+len(env.Context))
		for k, v := range env.Details {
			body.Error.Details[k] = v
		}
		for k, v := range env.Context {
			body.Error.Details[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteError builds an envelope for code and message, correlates it with
// the request and writes it.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	env := fulerrors.NewErrorEnvelope(code, message)
	if details != nil {
		env.WithDetails(details)
	}
	WriteEnvelope(w, correlate(env, r), status)
}

// RespondWithError classifies err and writes it.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	app := Classify(r.Context(), err)
	WriteEnvelope(w, correlate(app.Envelope, r), app.Status)
}

func correlate(env *fulerrors.ErrorEnvelope, r *http.Request) *fulerrors.ErrorEnvelope {
	if r == nil || env.CorrelationID != "" {
		return env
	}
	if id := RequestIDFromContext(r.Context()); id != "" {
		env.WithCorrelationID(id)
	}
	return env
}

type requestIDKey struct{}

// WithRequestID returns a context carrying id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID stored in ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

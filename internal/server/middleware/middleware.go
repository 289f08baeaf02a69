// Package middleware holds the HTTP middleware of the status API.
package middleware

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	fulerrors "github.com/fulmenhq/gofulmen/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/errors"
)

// RequestIDHeader carries the request ID in and out.
const RequestIDHeader = "X-Request-ID"

// ErrorResponse is the JSON body written for errors.
type ErrorResponse = apperrors.HTTPErrorResponse

// RequestID reuses the caller's X-Request-ID or generates one, stores it in
// the request context and echoes it in the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(apperrors.WithRequestID(r.Context(), id)))
	})
}

// Recovery turns a handler panic into a 500 JSON error.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				env := fulerrors.NewErrorEnvelope(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)).
					WithPath(r.URL.Path)
				_, _ = env.WithSeverity(fulerrors.SeverityCritical)
				_, _ = env.WithContext(map[string]interface{}{"method": r.Method})
				if id := apperrors.RequestIDFromContext(r.Context()); id != "" {
					env.WithCorrelationID(id)
				}
				writeErrorResponse(w, env, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, env *fulerrors.ErrorEnvelope, status int) {
	apperrors.WriteEnvelope(w, env, status)
}

// ErrorHandler is Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

// Logger logs one line per request at debug level.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			log.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

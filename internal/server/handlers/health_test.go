package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubChecker struct {
	err error
}

func (s stubChecker) CheckHealth(ctx context.Context) error {
	return s.err
}

type slowChecker struct{}

func (slowChecker) CheckHealth(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHealthHandler_Healthy(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("data_root", stubChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "healthy", resp.Checks["data_root"])
}

func TestHealthHandler_UnhealthyIs503(t *testing.T) {
	manager := NewHealthManager("1.2.3")
	manager.RegisterChecker("data_root", stubChecker{err: errors.New("missing")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)

	checks, ok := resp.Error.Details["checks"].(map[string]any)
	require.True(t, ok, "checks in error details")
	assert.Equal(t, "unhealthy", checks["data_root"])
}

func TestHealthHandler_TimeoutDegrades(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("slow", slowChecker{})

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, "timeout", resp.Checks["slow"])
}

func TestDetermineOverallStatus(t *testing.T) {
	m := NewHealthManager("dev")
	assert.Equal(t, "healthy", m.determineOverallStatus(nil))
	assert.Equal(t, "degraded", m.determineOverallStatus(map[string]string{"a": "timeout", "b": "healthy"}))
	assert.Equal(t, "unhealthy", m.determineOverallStatus(map[string]string{"a": "timeout", "b": "unhealthy"}))
}

func TestGlobalHandlers(t *testing.T) {
	original := GetHealthManager()
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	assert.Nil(t, GetHealthManager())

	handlers := map[string]http.HandlerFunc{
		"/health":         HealthHandler,
		"/health/live":    LivenessHandler,
		"/health/ready":   ReadinessHandler,
		"/health/startup": StartupHandler,
	}
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "%s before init", path)
	}

	require.NotNil(t, InitHealthManager("test-version"))
	for path, h := range handlers {
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "%s after init", path)
	}
}

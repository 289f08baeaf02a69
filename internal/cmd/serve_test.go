package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/config"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server/handlers"
)

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		binaryName string
		envPrefix  string
		configName string
		wantErr    bool
		errContain string
	}{
		{
			name:       "all fields valid",
			binaryName: "crengine",
			envPrefix:  "CRENGINE",
			configName: "crengine",
		},
		{
			name:       "missing binary name",
			envPrefix:  "CRENGINE",
			configName: "crengine",
			wantErr:    true,
			errContain: "missing binary name",
		},
		{
			name:       "missing env prefix",
			binaryName: "crengine",
			configName: "crengine",
			wantErr:    true,
			errContain: "missing env prefix",
		},
		{
			name:       "missing config name",
			binaryName: "crengine",
			envPrefix:  "CRENGINE",
			wantErr:    true,
			errContain: "missing config name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := identityHealthChecker{
				binaryName: tt.binaryName,
				envPrefix:  tt.envPrefix,
				configName: tt.configName,
			}

			err := checker.CheckHealth(context.Background())
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDataRootHealthChecker(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/file", []byte("x"), 0o644))

	assert.NoError(t, dataRootHealthChecker{fs: fs, root: "/data"}.CheckHealth(context.Background()))

	err := dataRootHealthChecker{fs: fs, root: "/missing"}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "/missing")

	err = dataRootHealthChecker{fs: fs, root: "/file"}.CheckHealth(context.Background())
	assert.ErrorContains(t, err, "not a directory")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, dataRootHealthChecker{fs: fs, root: "/data"}.CheckHealth(ctx), context.Canceled)
}

func TestNewAPIServer(t *testing.T) {
	origFs := appFs
	appFs = afero.NewMemMapFs()
	defer func() { appFs = origFs }()

	cfg := &config.Config{
		Data:   config.DataConfig{Root: "/data"},
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 18080},
	}

	t.Run("unhealthy without data root", func(t *testing.T) {
		srv := newAPIServer(cfg)
		assert.Equal(t, "127.0.0.1:18080", srv.Addr())

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("healthy with data root", func(t *testing.T) {
		require.NoError(t, appFs.MkdirAll("/data", 0o755))
		srv := newAPIServer(cfg)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var resp handlers.HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Checks["data_root"])
		assert.Equal(t, "healthy", resp.Checks["identity"])
	})

	t.Run("lists experiments", func(t *testing.T) {
		srv := newAPIServer(cfg)

		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/experiments", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

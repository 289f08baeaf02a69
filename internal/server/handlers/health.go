package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	apperrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/errors"
)

// Check results.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusTimeout   = "timeout"
	statusDegraded  = "degraded"
)

// checkTimeout bounds each registered checker.
const checkTimeout = 2 * time.Second

// HealthChecker reports the health of one dependency.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the body of a successful health check.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers for the health endpoints.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]HealthChecker
}

// NewHealthManager creates a manager reporting version.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{version: version, checkers: make(map[string]HealthChecker)}
}

// RegisterChecker adds or replaces a named checker.
func (m *HealthManager) RegisterChecker(name string, c HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// HealthHandler runs every checker. Any unhealthy check answers 503.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == statusUnhealthy {
		apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable,
			"one or more health checks failed", map[string]any{"checks": checks})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    status,
		Version:   m.version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	})
}

// LivenessHandler answers 200 while the process serves requests.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: statusHealthy, Version: m.version, Timestamp: time.Now().UTC()})
}

// ReadinessHandler is HealthHandler under the readiness path.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler answers 200 once the manager exists.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.LivenessHandler(w, r)
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]string, len(names))
	for _, name := range names {
		m.mu.RLock()
		c := m.checkers[name]
		m.mu.RUnlock()

		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(cctx)
		cancel()
		switch {
		case err == nil:
			out[name] = statusHealthy
		case errors.Is(err, context.DeadlineExceeded):
			out[name] = statusTimeout
		default:
			out[name] = statusUnhealthy
		}
	}
	return out
}

// determineOverallStatus folds check results: any unhealthy check wins,
// then any timeout degrades.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := statusHealthy
	for _, s := range checks {
		switch s {
		case statusUnhealthy:
			return statusUnhealthy
		case statusTimeout:
			status = statusDegraded
		}
	}
	return status
}

var (
	globalMu            sync.RWMutex
	globalHealthManager *HealthManager
)

// InitHealthManager installs the process-wide manager.
func InitHealthManager(version string) *HealthManager {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalHealthManager = NewHealthManager(version)
	return globalHealthManager
}

// GetHealthManager returns the process-wide manager, or nil.
func GetHealthManager() *HealthManager {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalHealthManager
}

func withManager(fn func(*HealthManager, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetHealthManager()
		if m == nil {
			apperrors.WriteError(w, r, http.StatusServiceUnavailable, apperrors.CodeServiceUnavailable, "health manager not initialized", nil)
			return
		}
		fn(m, w, r)
	}
}

// Package-level handlers delegate to the process-wide manager and answer
// 503 before InitHealthManager.
var (
	HealthHandler    = withManager((*HealthManager).HealthHandler)
	LivenessHandler  = withManager((*HealthManager).LivenessHandler)
	ReadinessHandler = withManager((*HealthManager).ReadinessHandler)
	StartupHandler   = withManager((*HealthManager).StartupHandler)
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package server exposes the read-only status API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/errors"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server/handlers"
	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/server/middleware"
)

// Server is the HTTP status server.
type Server struct {
	host   string
	port   int
	router chi.Router
	reader handlers.ExperimentReader
	log    *zap.Logger

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithExperiments mounts the /v1/experiments endpoints backed by r.
func WithExperiments(r handlers.ExperimentReader) Option {
	return func(s *Server) { s.reader = r }
}

// WithLogger sets the request logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTimeouts sets the HTTP server timeouts. Zero keeps the default.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if idle > 0 {
			s.idleTimeout = idle
		}
	}
}

// New builds a server listening on host:port once started.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		log:          zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.log))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusNotFound, apperrors.CodeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed, "method not allowed", nil)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.reader != nil {
		h := handlers.ExperimentHandlers{Reader: s.reader}
		r.Route("/v1/experiments", func(r chi.Router) {
			r.Get("/", h.List)
			r.Get("/{id}", h.Get)
			r.Get("/{id}/trials", h.Trials)
		})
	}
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("Status server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Package server exposes the engine's persisted surface over HTTP: job
// records, live log streams, versions, branch state, manual builds and the
// freeze toggle. It reads state; the only mutations go through the controller
// and lineage service.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"git.home.luguber.info/inful/docpackd/internal/controller"
	"git.home.luguber.info/inful/docpackd/internal/lineage"
	"git.home.luguber.info/inful/docpackd/internal/logstream"
	"git.home.luguber.info/inful/docpackd/internal/state"
	"git.home.luguber.info/inful/docpackd/internal/version"
)

// Server is the HTTP API.
type Server struct {
	store   *state.Store
	ctrl    *controller.Controller
	lineage *lineage.Service
	hub     *logstream.Hub
	logger  *slog.Logger
	reg     *prometheus.Registry
	httpSrv *http.Server
}

// New creates the server. reg may be nil to disable the metrics endpoint.
func New(store *state.Store, ctrl *controller.Controller, lin *lineage.Service,
	hub *logstream.Hub, reg *prometheus.Registry) *Server {
	return &Server{
		store:   store,
		ctrl:    ctrl,
		lineage: lin,
		hub:     hub,
		logger:  slog.Default(),
		reg:     reg,
	}
}

// WithLogger sets a custom logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.reg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/logs", s.handleJobLogs)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/builds", s.handleEnqueueBuild)
		r.Get("/branches", s.handleListBranches)
		r.Post("/branches/freeze", s.handleFreeze)
		r.Get("/versions", s.handleListVersions)
		r.Get("/versions/{id}", s.handleGetVersion)
	})
	return r
}

// Start runs the server until ctx is canceled; shutdown is graceful.
func (s *Server) Start(ctx context.Context, listen string) error {
	s.httpSrv = &http.Server{
		Addr:        listen,
		Handler:     s.routes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", slog.String("listen", listen))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
}

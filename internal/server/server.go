package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/internal/scheduler"
	"github.com/me/tiersched/internal/store"
	"github.com/me/tiersched/pkg/model"
)

// UnitLookup resolves unit ids to the runtime's units.
type UnitLookup interface {
	Unit(id model.UnitID) *model.CompilationUnit
}

// Server is the tiersched admin API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	sched     *scheduler.Scheduler
	store     store.Store // optional; history endpoints answer 404 without it
	units     UnitLookup  // optional; unit endpoints answer 404 without it
	runID     string
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore enables the history endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithUnits enables the unit endpoints.
func WithUnits(units UnitLookup) Option {
	return func(s *Server) {
		s.units = units
	}
}

// WithRunID sets the run whose history is served by default.
func WithRunID(id string) Option {
	return func(s *Server) {
		s.runID = id
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		sched:     sched,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(requestLogMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Queues and worker pools
		r.Route("/classes", func(r chi.Router) {
			r.Get("/", s.handleListClasses)
			r.Route("/{class}", func(r chi.Router) {
				r.Get("/", s.handleGetClass)
				r.Put("/workers", s.handleSetWorkers)
			})
		})

		r.Get("/stats", s.handleStats)
		r.Get("/config", s.handleGetConfig)

		// Compilation control
		r.Route("/compilation", func(r chi.Router) {
			r.Put("/new-jobs", s.handleSetNewJobs)
			r.Post("/disable", s.handleDisable)
		})
		r.Post("/codecache/reclaim", s.handleReclaim)

		// Units
		r.Route("/units/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUnit)
			r.Post("/compile", s.handleCompileUnit)
		})

		// History
		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}/summary", s.handleRunSummary)
		r.Get("/history", s.handleListHistory)
	})
}

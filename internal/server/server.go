// Package server exposes a worker over a JSON HTTP API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/tasknode/pkg/model"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Node is the worker as seen by the API.
type Node interface {
	Dispatch(ctx context.Context, msg model.ComputeTaskMsg) error
	Resolve(ctx context.Context, id model.TaskID, size uint64) ([]model.TaskID, error)
	Cancel(ctx context.Context, id model.TaskID) error
	RemoveObject(ctx context.Context, id model.TaskID) error
	Overview(ctx context.Context) (model.WorkerOverview, error)
	History(ctx context.Context, q model.RunQuery) ([]model.RunRecord, error)
}

// Server is the tasknode REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	node      Node
	metrics   http.Handler // optional; mounted at /metrics
	startTime time.Time
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a new Server with all routes registered.
func New(node Node, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		node:      node,
		startTime: time.Now(),
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

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/overview", s.handleOverview)
		r.Get("/history", s.handleHistory)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleDispatchTask)
			r.Delete("/{id}", s.handleCancelTask)
		})

		r.Post("/objects/{id}/available", s.handleResolveObject)
		r.Delete("/objects/{id}", s.handleRemoveObject)
	})
}

// Package server exposes a running queue over a JSON HTTP API with a
// Server-Sent Events stream of queue events.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/zoneq/internal/events"
	"github.com/me/zoneq/internal/store"
	"github.com/me/zoneq/pkg/model"
)

// Queue is the part of the scheduler the API drives.
type Queue interface {
	ID() string
	Enqueue(ctx context.Context, zones []model.Zone, assignments []model.ToolAssignment) ([]string, error)
	Pause() error
	Resume() error
	Cancel() error
	CancelZone(id string) error
	RetryZone(id string) error
	UpdatePriority(id string, value float64) error
	Status() model.QueueStatus
	Metrics() model.QueueMetrics
	Zones() []model.QueuedZone
	Zone(id string) (model.QueuedZone, bool)
	Workers() []model.Worker
	Utilization() model.ResourceUtilization
	SubscribeChan(buffer int) (<-chan events.Event, func())
	Snapshot(label string) model.Snapshot
}

// Server is the zoneq REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	startTime time.Time
	queue     Queue
	store     store.Store // optional; snapshot routes answer 503 without it

	sseHeartbeat time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithStore enables the snapshot endpoints.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithSSEHeartbeat sets how often an idle event stream sends a comment line.
func WithSSEHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.sseHeartbeat = d
	}
}

// New creates a new Server with all routes registered.
func New(q Queue, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		logger:       logger.With("component", "server"),
		startTime:    time.Now(),
		queue:        q,
		sseHeartbeat: 15 * time.Second,
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

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", s.handleQueueStatus)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
			r.Post("/cancel", s.handleCancel)
			r.Get("/workers", s.handleWorkers)
			r.Get("/utilization", s.handleUtilization)
			r.Get("/events", s.handleEventStream)

			r.Route("/zones", func(r chi.Router) {
				r.Get("/", s.handleListZones)
				r.Post("/", s.handleEnqueue)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetZone)
					r.Post("/cancel", s.handleCancelZone)
					r.Post("/retry", s.handleRetryZone)
					r.Put("/priority", s.handleUpdatePriority)
				})
			})
		})

		r.Route("/snapshots", func(r chi.Router) {
			r.Get("/", s.handleListSnapshots)
			r.Post("/", s.handleCreateSnapshot)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetSnapshot)
				r.Delete("/", s.handleDeleteSnapshot)
			})
		})
	})
}

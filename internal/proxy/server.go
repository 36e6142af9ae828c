// Package proxy wires the HTTP control API.
package proxy

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/praxisllmlab/tianjibatch/internal/proxy/handler"
	"github.com/praxisllmlab/tianjibatch/internal/proxy/middleware"
)

// Server holds dependencies for the HTTP control server.
type Server struct {
	Router         chi.Router
	Handlers       *handler.Handlers
	AuthMiddleware func(http.Handler) http.Handler
}

// ServerConfig holds configuration for creating a new Server.
type ServerConfig struct {
	Handlers  *handler.Handlers
	MasterKey string
	Logger    zerolog.Logger
}

// NewServer creates a chi router with all routes configured.
func NewServer(cfg ServerConfig) *Server {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(chiMiddleware.Recoverer)

	s := &Server{
		Router:         r,
		Handlers:       cfg.Handlers,
		AuthMiddleware: middleware.NewAuthMiddleware(middleware.AuthConfig{MasterKey: cfg.MasterKey}),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.Router

	// Health endpoints (no auth)
	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.Handlers.HealthCheck)
		r.Get("/readiness", s.Handlers.HealthReadiness)
		r.Get("/liveness", s.Handlers.HealthLiveness)
		r.Get("/services", s.Handlers.HealthServices)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.AuthMiddleware)

		r.Post("/batches", s.Handlers.BatchesCreate)
		r.Get("/batches", s.Handlers.BatchesList)
		r.Get("/batches/{batch_id}", s.Handlers.BatchesGet)
		r.Post("/batches/{batch_id}/start", s.Handlers.BatchesStart)
		r.Post("/batches/{batch_id}/cancel", s.Handlers.BatchesCancel)
		r.Get("/batches/{batch_id}/progress", s.Handlers.BatchesProgress)
		r.Get("/batches/{batch_id}/export", s.Handlers.BatchesExport)
		r.Get("/batches/{batch_id}/errors", s.Handlers.BatchesErrors)
		r.Get("/batches/{batch_id}/requests", s.Handlers.BatchesRequests)
		r.Get("/batches/{batch_id}/requests/{index}", s.Handlers.BatchesRequest)
		r.Post("/batches/{batch_id}/resubmit", s.Handlers.BatchesResubmit)
		r.Delete("/batches/{batch_id}", s.Handlers.BatchesDelete)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

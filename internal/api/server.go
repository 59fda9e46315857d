package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-crm/shrike/internal/bulk"
	"github.com/opensource-crm/shrike/internal/domain"
	"github.com/opensource-crm/shrike/internal/group"
	"github.com/opensource-crm/shrike/internal/match"
	"github.com/opensource-crm/shrike/internal/merge"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, finder *match.Finder, merger *merge.Engine, groups *group.Manager, coordinator *bulk.Coordinator, version string) *Server {
	handler := NewHandler(repo, cache, bus, finder, merger, groups, coordinator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Duplicate detection
		r.Post("/leads/check", handler.CheckLead)
		r.Post("/leads/candidates", handler.FindCandidates)

		// Lead retrieval and audit
		r.Get("/leads/{id}", handler.GetLead)
		r.Get("/leads/{id}/audit", handler.GetLeadAudit)

		// Merging
		r.Post("/merge", handler.MergeLeads)

		// Bulk operations
		r.Post("/bulk/check", handler.BulkCheck)
		r.Post("/bulk/merge", handler.BulkMerge)

		// Duplicate groups
		r.Get("/groups", handler.ListGroups)
		r.Get("/groups/{id}", handler.GetGroup)
		r.Post("/groups/{id}/resolve", handler.ResolveGroup)

		// Detection configuration
		r.Get("/config", handler.GetConfig)
		r.Put("/config", handler.PutConfig)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}

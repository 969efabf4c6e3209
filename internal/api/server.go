package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/notifysafe/internal/audit"
	"github.com/foxzi/notifysafe/internal/config"
	"github.com/foxzi/notifysafe/internal/delivery"
	"github.com/foxzi/notifysafe/internal/inbox"
	"github.com/foxzi/notifysafe/internal/metrics"
	"github.com/foxzi/notifysafe/internal/template"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	service    *delivery.Service
	templates  template.Store
	inbox      inbox.Store
	audit      *audit.Logger
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// ServerOptions contains all dependencies of the API server
type ServerOptions struct {
	Service   *delivery.Service
	Templates template.Store
	Inbox     inbox.Store
	Audit     *audit.Logger
	Config    *config.APIConfig
	Logger    *slog.Logger
	Version   string
}

// NewServer creates a new API server
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		service:   opts.Service,
		templates: opts.Templates,
		inbox:     opts.Inbox,
		audit:     opts.Audit,
		config:    opts.Config,
		logger:    opts.Logger,
		version:   opts.Version,
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/events/trigger", s.handleTrigger)
		r.Get("/events", s.handleEvents)

		r.Route("/templates", func(r chi.Router) {
			r.Get("/", s.handleTemplateList)
			r.Post("/render", s.handleTemplateRender)
			r.Get("/{id}", s.handleTemplateGet)
			r.Post("/{id}/versions", s.handleTemplateVersion)
		})

		r.Get("/inbox/{user}", s.handleInboxList)
		r.Delete("/inbox/{user}/{id}", s.handleInboxDelete)

		r.Get("/logs", s.handleLogs)
		r.Get("/stats", s.handleStats)
	})
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/reid-catalog/internal/config"
	"github.com/kozaktomas/reid-catalog/internal/database"
	"github.com/kozaktomas/reid-catalog/internal/pipeline"
	"github.com/kozaktomas/reid-catalog/internal/web/handlers"
	"github.com/kozaktomas/reid-catalog/internal/web/middleware"
)

// Dependencies are the services the HTTP surface exposes.
type Dependencies struct {
	Processor   *pipeline.Processor
	Index       *database.HNSWIndex    // optional, enables identity search
	Reader      database.CatalogReader // optional, adds persisted counts to stats
	Broadcaster *handlers.EventBroadcaster
	Logger      *slog.Logger
}

// Server represents the web server
type Server struct {
	config     *config.Config
	deps       Dependencies
	router     *chi.Mux
	httpServer *http.Server
	stream     *handlers.StreamHandler
	logger     *slog.Logger
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, deps Dependencies) *Server {
	r := chi.NewRouter()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = handlers.NewEventBroadcaster()
	}

	s := &Server{
		config: cfg,
		deps:   deps,
		router: r,
		logger: deps.Logger.With("component", "web"),
	}

	// Set up middleware stack
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Web.AllowedOrigins))
	r.Use(middleware.SecurityHeaders())

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket and SSE connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server. Websocket streams are hijacked
// and untouched by http.Server.Shutdown, so they are closed separately; when
// Shutdown returns no cycle is in flight and none can start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down web server")
	err := s.httpServer.Shutdown(ctx)
	s.stream.Close()
	if err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}

func splitOrigins(list string) []string {
	var out []string
	for o := range middleware.ParseAllowedOrigins(list) {
		out = append(out, o)
	}
	return out
}

// requestTimeout bounds request-response endpoints; streaming endpoints are exempt.
func (s *Server) requestTimeout() time.Duration {
	t := 30 * time.Second
	if rt := s.config.Rerank.Timeout; rt > 0 && 2*rt > t {
		t = 2 * rt
	}
	return t
}


package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/kozaktomas/reid-catalog/internal/web/handlers"
)

func (s *Server) setupRoutes() {
	store := s.deps.Processor.Engine().Store()

	// Create handlers
	cyclesHandler := handlers.NewCyclesHandler(s.deps.Processor, s.logger)
	s.stream = handlers.NewStreamHandler(s.deps.Processor, splitOrigins(s.config.Web.AllowedOrigins), s.logger)
	identitiesHandler := handlers.NewIdentitiesHandler(store, s.deps.Index)
	statsHandler := handlers.NewStatsHandler(store, s.deps.Processor, s.deps.Index, s.deps.Reader, s.logger)
	eventsHandler := handlers.NewEventsHandler(s.deps.Broadcaster)

	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Long-lived connections
		r.Get("/stream", s.stream.Serve)
		r.Get("/events", eventsHandler.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(s.requestTimeout()))

			r.Post("/cycles", cyclesHandler.Submit)

			r.Get("/identities", identitiesHandler.List)
			r.Post("/identities/search", identitiesHandler.Search)
			r.Get("/identities/{id}", identitiesHandler.Get)

			r.Get("/stats", statsHandler.Get)
		})
	})
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/engine"
)

// RESTServer exposes the running engine over HTTP for dashboards
// and scripted drivers. All state access goes through the engine's
// command methods, so handlers never touch shadow state directly.
type RESTServer struct {
	engine *engine.Engine
	router chi.Router
	server *http.Server
}

// NewRESTServer creates a new REST API server around a started engine
func NewRESTServer(eng *engine.Engine) *RESTServer {
	s := &RESTServer{
		engine: eng,
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/state", s.handleState)
		r.Get("/shadow", s.handleShadow)
		r.Get("/delta", s.handleDelta)
		r.Get("/history", s.handleHistory)
		r.Post("/desire", s.handleDesire)
		r.Post("/report", s.handleReport)
		r.Post("/delta/apply", s.handleApplyDelta)
		r.Post("/delta/dismiss", s.handleDismissDelta)
		r.Post("/state", s.handleEditState)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

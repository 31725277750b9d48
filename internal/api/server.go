// Package api exposes the loader over a local HTTP control surface. It
// is thin glue; all orchestration lives in the loader.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"codeberg.org/depot-center/depot/internal/loader"
	"codeberg.org/depot-center/depot/internal/store"
)

// Server is the HTTP control surface.
type Server struct {
	router   *chi.Mux
	loader   *loader.Loader
	appStore store.AppStoreInterface
	port     int
	logger   *slog.Logger

	httpServer *http.Server
}

// ServerConfig holds server settings.
type ServerConfig struct {
	Port           int
	AllowedOrigins []string
}

// NewServer creates the HTTP server.
func NewServer(l *loader.Loader, appStore store.AppStoreInterface, cfg ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		loader:   l,
		appStore: appStore,
		port:     cfg.Port,
		logger:   logger,
	}

	s.setupMiddleware(cfg.AllowedOrigins)
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware(allowedOrigins []string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving and blocks until shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting http server", "port", s.port)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

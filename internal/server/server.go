package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/certlab/ecmlink/internal/app"
)

// Server wraps the HTTP server and routes requests to the application.
type Server struct {
	app    *app.App
	router *http.ServeMux
	server *http.Server
}

// New creates a server bound to the configured host and port.
func New(application *app.App) *Server {
	s := &Server{
		app:    application,
		router: http.NewServeMux(),
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", application.Config.Server.Host, application.Config.Server.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.app.Logger.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.app.Logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

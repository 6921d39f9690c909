package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vetrovp/genforge/internal/utils"
)

// Server wraps the HTTP server with sane timeouts and graceful shutdown.
type Server struct {
	srv *http.Server
}

// NewServer creates an HTTP server for the given handler.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			// Long enough for a webhook that triggers a provider
			// verification round-trip.
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  2 * time.Minute,
		},
	}
}

// Start serves until the listener closes. It returns nil on graceful
// shutdown.
func (s *Server) Start() error {
	utils.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

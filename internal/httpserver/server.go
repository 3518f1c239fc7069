// Package httpserver runs an http.Handler with graceful shutdown on
// SIGINT/SIGTERM, so an in-flight CRDT save or control RPC gets a chance to
// finish before the process exits.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/tabcoord/internal/coordlog"
)

// Server wraps an http.Server with graceful shutdown.
type Server struct {
	httpServer *http.Server
	log        *coordlog.Logger
	name       string
}

// New creates a Server bound to port, serving handler.
func New(name string, port int, handler http.Handler, log *coordlog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:  log,
		name: name,
	}
}

// Run serves until a fatal listener error or a SIGINT/SIGTERM, in which case
// it drains outstanding requests for up to 30s before returning.
func (s *Server) Run() error {
	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("%s listening", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Error("graceful shutdown failed", "error", err)
			if closeErr := s.httpServer.Close(); closeErr != nil {
				return fmt.Errorf("could not stop server: %w", closeErr)
			}
		}
		s.log.Info("shutdown complete")
		return nil
	}
}

// Package server exposes one Host's status and control surface over HTTP:
// a JSON status/logs API, role-change and replicate/induce-fault control
// endpoints, and the websocket endpoint peers dial into to exchange
// replication traffic.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jfoltran/replicator/internal/daemon"
	"github.com/jfoltran/replicator/internal/metrics"
)

// Server is the HTTP server that serves the status/control REST API and
// the websocket transport endpoint peers dial into.
type Server struct {
	host      *daemon.Host
	collector *metrics.Collector
	logger    zerolog.Logger
	srv       *http.Server
}

// New creates a Server fronting an already-open Host.
func New(host *daemon.Host, logger zerolog.Logger) *Server {
	return &Server{
		host:      host,
		collector: host.Collector(),
		logger:    logger.With().Str("component", "http-server").Logger(),
	}
}

// Start begins serving on the given port. It blocks until the context is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	h := &handlers{collector: s.collector}
	rh := &roleHandlers{host: s.host}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("GET /api/v1/logs", h.logs)
	mux.HandleFunc("POST /api/v1/role", rh.changeRole)
	mux.HandleFunc("POST /api/v1/replicate", rh.replicate)
	mux.HandleFunc("POST /api/v1/induce-fault", rh.induceFault)
	mux.Handle("/ws/", http.StripPrefix("/ws", s.host.Transport()))

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return ctx
		},
	}

	s.logger.Info().Int("port", port).Msg("starting HTTP server")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return s.srv.Close()
	case err := <-errCh:
		return err
	}
}

// StartBackground starts the server in a goroutine (non-blocking).
func (s *Server) StartBackground(ctx context.Context, port int) {
	go func() {
		if err := s.Start(ctx, port); err != nil {
			s.logger.Err(err).Msg("http server error")
		}
	}()
}

// Package server constructs and starts the relay HTTP service and owns the
// lifecycle of every relay session it accepts.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/wsrelay/internal/observability"
	"github.com/Tyrowin/wsrelay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tylerb/graceful"
)

// Server accepts WebSocket connections and relays every message to all other
// connected clients.
type Server struct {
	cfg       *Config
	log       zerolog.Logger
	registry  *relay.Registry
	metrics   *observability.Metrics
	origins   *originPolicy
	admission *admission
	upgrader  websocket.Upgrader

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup
}

// New builds a Server from cfg. The configuration is sanitized in place.
func New(cfg *Config, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	cfg.Sanitize()

	adm, err := newAdmission(cfg.AdmissionRate)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		log:       logger,
		metrics:   metrics,
		origins:   newOriginPolicy(cfg.AllowedOrigins, logger),
		admission: adm,
		registry: relay.NewRegistry(
			relay.WithLogger(logger),
			relay.WithObserver(metrics),
		),
		ctx:    ctx,
		cancel: cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s, nil
}

// Config returns the sanitized configuration.
func (s *Server) Config() *Config {
	return s.cfg
}

// Registry returns the live connection registry.
func (s *Server) Registry() *relay.Registry {
	return s.registry
}

// Metrics returns the server's metrics collectors.
func (s *Server) Metrics() *observability.Metrics {
	return s.metrics
}

// NewHTTPServer creates the listener for s with reasonable timeouts. Relay
// connections set their own deadlines once upgraded. When the listener
// begins to stop, every relay session is terminated.
func (s *Server) NewHTTPServer() *graceful.Server {
	return &graceful.Server{
		Timeout: s.cfg.ShutdownTimeout,
		Server: &http.Server{
			Addr:         s.cfg.Addr(),
			Handler:      s.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		ShutdownInitiated: s.terminateSessions,
	}
}

// ListenAndServe serves until the process receives SIGINT or SIGTERM, then
// terminates all sessions and waits up to the shutdown timeout for them to
// finish.
func (s *Server) ListenAndServe() error {
	srv := s.NewHTTPServer()
	s.log.Info().Str("addr", srv.Server.Addr).Msg("relay listening")

	if err := srv.ListenAndServe(); err != nil {
		return errors.Wrap(err, "relay server stopped")
	}
	// A timeout is already logged and the process exits regardless.
	_ = s.Shutdown(s.cfg.ShutdownTimeout)
	return nil
}

// terminateSessions stops accepting new sessions and closes every
// registered connection. It does not wait.
func (s *Server) terminateSessions() {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	n := s.registry.CloseAll()
	s.log.Info().Int("connections", n).Msg("terminating relay sessions")
}

// Shutdown terminates all sessions abruptly and waits for them to
// deregister, or until timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.terminateSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("relay shutdown completed")
		return nil
	case <-time.After(timeout):
		s.log.Warn().Int("connections", s.registry.Len()).Msg("relay shutdown timed out")
		return context.DeadlineExceeded
	}
}

package server

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// Routes configures and returns the router with all application routes: the
// health check, the WebSocket endpoint, the test page and, when enabled,
// Prometheus metrics.
func (s *Server) Routes() http.Handler {
	r := httprouter.New()
	r.GET("/", s.HealthHandler)
	r.GET("/ws", s.WebSocketHandler)
	r.GET("/test", s.TestPageHandler)
	if s.cfg.MetricsEnabled {
		r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

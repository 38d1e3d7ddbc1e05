package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID, echoRequestID)
	r.Use(s.accessLog)
	r.Use(s.cors)
	r.Use(middleware.RequestSize(maxRequestBodySize))

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Read-only endpoints (no auth required)
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Get("/{id}", s.handleGetDevice)
			r.Get("/{id}/history", s.handleGetDeviceHistory)
		})

		r.Get("/discovery", s.handleDiscoveryStatus)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		// Mutating endpoints
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.Delete("/devices/{id}", s.handleDeleteDevice)
			r.Post("/devices/{id}/units/{unit}/command", s.handleUnitCommand)
			r.Post("/discovery", s.handleAddCandidate)
		})
	})

	return r
}

// healthCheckTimeout bounds the database ping behind GET /health.
const healthCheckTimeout = 2 * time.Second

// handleHealth reports the bridge's own health. It answers 503 when the
// database fails its ping; an upstream MQTT outage is reported but does not
// make the bridge unhealthy since devices are still tracked.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	resp := map[string]any{
		"status":     "ok",
		"version":    s.version,
		"ws_clients": s.hub.ClientCount(),
	}

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("health: database check failed", "error", err)
			status = http.StatusServiceUnavailable
			resp["status"] = "degraded"
			resp["database"] = "error"
		} else {
			resp["database"] = "ok"
		}
	}
	if s.mqtt != nil {
		resp["mqtt_connected"] = s.mqtt.IsConnected()
	}
	writeJSON(w, status, resp)
}

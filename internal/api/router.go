package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nerrad567/gray-logic-avr/internal/avr"
)

// healthProbeTimeout bounds each dependency probe in the health endpoint.
const healthProbeTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.metrics.middleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})

	r.Handle("/metrics", s.metrics.handler())
	r.Get("/ws", s.handleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/avr", func(r chi.Router) {
			r.Get("/state", s.handleGetState)
			r.Get("/inputs", s.handleListInputs)
			r.Patch("/inputs/{id}", s.handleUpdateInput)
			r.Post("/commands", s.handleCommand)
			r.Get("/history", s.handleGetHistory)
		})
	})

	return r
}

// componentHealth is one line of the health response.
type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// handleHealth returns the bridge health status.
//
// The overall status is "ok" when the receiver link, MQTT and the database
// are all up, "degraded" otherwise. The endpoint always answers 200 so load
// balancers can tell a degraded bridge from a dead one.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.receiver.Stats()
	components := map[string]componentHealth{
		"link": {Status: stats.Link.State.String()},
		"web":  {Status: stats.WebAvailability.String()},
	}
	healthy := stats.Link.State == avr.StateConnected

	if s.mqtt != nil {
		if s.mqtt.IsConnected() {
			components["mqtt"] = componentHealth{Status: "connected"}
		} else {
			components["mqtt"] = componentHealth{Status: "disconnected"}
			healthy = false
		}
	}

	if s.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		err := s.database.HealthCheck(ctx)
		cancel()
		if err != nil {
			components["database"] = componentHealth{Status: "error", Error: err.Error()}
			healthy = false
		} else {
			components["database"] = componentHealth{Status: "ok"}
		}
	}

	status := "ok"
	if !healthy {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"version":        s.version,
		"device_id":      s.bridge.DeviceID(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"components":     components,
		"bridge":         s.bridge.Health(),
	})
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/correlator-io/edgedetect/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	contentTypeProblemJSON = "application/problem+json"
	serviceName            = "edgedetect"

	statusReady       = "ready"
	statusDegraded    = "degraded"
	statusUnavailable = "unavailable"
	checkOK           = "ok"
)

// Route pairs a mux pattern with its handler.
type Route struct {
	Pattern string
	Handler http.HandlerFunc
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	routes := []Route{
		{"GET /ping", s.handlePing},     // K8s liveness probe
		{"GET /ready", s.handleReady},   // K8s readiness probe
		{"GET /health", s.handleHealth}, // status, uptime, version
		{"/", s.handleNotFound},

		{"POST /api/v1/detect", s.handleDetect},
		{"POST /api/v1/stream", s.handleStream},
		{"GET /api/v1/detections", s.handleListDetections},
		{"GET /api/v1/detections/{id}", s.handleGetDetection},
		{"GET /api/v1/detections/{id}/image", s.handleGetDetectionImage},
	}

	for _, route := range routes {
		mux.Handle(route.Pattern, route.Handler)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-Edgedetect-Version", Version)
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady reports whether this instance can serve traffic.
//
// Response codes:
//   - 200 OK: cache and broker are healthy; status is "degraded" when only the
//     primary store is down, since inserts fall back to the cache
//   - 503 Service Unavailable: the cache or the broker is unhealthy
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	ready := ReadyStatus{Status: statusReady, Checks: make(map[string]string)}
	code := http.StatusOK

	fail := func(name string, err error, fatal bool) {
		ready.Checks[name] = err.Error()

		if fatal {
			ready.Status = statusUnavailable
			code = http.StatusServiceUnavailable
		} else if ready.Status == statusReady {
			ready.Status = statusDegraded
		}

		s.logger.Warn("Readiness check failed",
			slog.String("check", name),
			slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.HealthCheck(ctx); err != nil {
		fail("cache", err, true)
	} else {
		ready.Checks["cache"] = checkOK
	}

	if s.broker != nil {
		if err := s.broker.HealthCheck(ctx); err != nil {
			fail("broker", err, true)
		} else {
			ready.Checks["broker"] = checkOK
		}
	}

	if err := s.objects.HealthCheck(ctx); err != nil {
		fail("objects", err, true)
	} else {
		ready.Checks["objects"] = checkOK
	}

	if err := s.store.PrimaryHealthCheck(ctx); err != nil {
		fail("primary", err, false)
	} else {
		ready.Checks["primary"] = checkOK
	}

	if stats, err := s.store.Stats(ctx); err == nil {
		ready.Unsynced = stats.Unsynced
	}

	s.writeJSON(w, r, code, ready)
}

// handleHealth returns status, uptime and version.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string

	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	w.Header().Set("X-Edgedetect-Version", Version)

	s.writeJSON(w, r, http.StatusOK, HealthStatus{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     Version,
		Uptime:      uptime,
	})
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// writeJSON marshals v before touching headers so an encoding failure can
// still produce a 500.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	correlationID := middleware.GetCorrelationID(r.Context())

	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const (
	healthCheckTimeout = 2 * time.Second
	serviceName        = "monitor"
)

type (
	// VersionResponse is the GET /version payload.
	VersionResponse struct {
		Version     string `json:"version"`
		ServiceName string `json:"serviceName"`
	}

	// HealthResponse is the GET /health payload.
	HealthResponse struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Leader      bool   `json:"leader"`
		Uptime      string `json:"uptime,omitempty"`
	}
)

// setupRoutes registers all HTTP routes for the operational server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)       // K8s liveness probe
	mux.HandleFunc("GET /ready", s.handleReady)     // K8s readiness probe
	mux.HandleFunc("GET /health", s.handleHealth)   // status, leadership, uptime
	mux.HandleFunc("GET /version", s.handleVersion) // build version
	mux.HandleFunc("/", s.handleNotFound)           // catch-all 404
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response", slog.String("error", err.Error()))
	}
}

// handleReady answers Kubernetes readiness probes. The replica is ready when
// its database is reachable; leadership is not required to serve traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)

		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.health.HealthCheck(ctx); err != nil {
		s.logger.Error("Storage health check failed", slog.String("error", err.Error()))

		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:      "healthy",
		ServiceName: serviceName,
		Version:     s.version,
		Leader:      s.isLeader(),
	}

	if !s.startTime.IsZero() {
		response.Uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, response)
}

// handleVersion returns the build version.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, VersionResponse{Version: s.version, ServiceName: serviceName})
}

// handleNotFound answers unknown paths with an RFC 7807 problem document.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("no such endpoint"))
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("Failed to marshal response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write response",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}

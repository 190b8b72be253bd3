// Package transport provides the HTTP status API.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/vrffulfiller/internal/tracker"
	"github.com/gateway-fm/vrffulfiller/pkg/types"
)

const maxRequestsLimit = 1000

// FulfillerAPI is what the handlers need from the running service.
type FulfillerAPI interface {
	Status(ctx context.Context) (types.EngineStatus, error)
	Request(ctx context.Context, requestID uint64) (*tracker.StoredRequest, error)
	Recent(ctx context.Context, status types.RequestStatus, limit int) ([]tracker.StoredRequest, error)
}

// HealthChecker reports whether the chain node is reachable.
type HealthChecker interface {
	CheckNode(ctx context.Context) error
}

// Server handles HTTP requests for the fulfillment service.
type Server struct {
	api       FulfillerAPI
	health    HealthChecker
	network   string
	logger    *slog.Logger
	startTime time.Time
	wsServer  *WebSocketServer
}

// NewServer creates a new HTTP server. The returned server's websocket
// broadcaster is already started; wire engine events to Publish.
func NewServer(api FulfillerAPI, health HealthChecker, network string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	wsServer := NewWebSocketServer(logger)
	wsServer.Start()

	return &Server{
		api:       api,
		health:    health,
		network:   network,
		logger:    logger,
		startTime: time.Now(),
		wsServer:  wsServer,
	}
}

// Publish forwards an engine event to websocket subscribers.
func (s *Server) Publish(event types.EngineEvent) {
	s.wsServer.Publish(event)
}

// Stop shuts down the websocket broadcaster.
func (s *Server) Stop() {
	s.wsServer.Stop()
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/requests", s.handleRequests)
	mux.HandleFunc("/v1/requests/", s.handleRequestDetail)
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoints (unversioned - standard Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)

	// Prometheus metrics (unversioned - standard path)
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// handleStatus returns the engine snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.api.Status(r.Context())
	if err != nil {
		s.logger.Error("Failed to read status", slog.String("error", err.Error()))
		s.writeJSONError(w, "Failed to read status: "+err.Error(), http.StatusInternalServerError)
		return
	}
	status.Network = s.network

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleRequests returns recent requests, optionally filtered by status.
func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var status types.RequestStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		switch types.RequestStatus(raw) {
		case types.StatusPending, types.StatusSubmitted, types.StatusFulfilled, types.StatusFailed:
			status = types.RequestStatus(raw)
		default:
			s.writeJSONError(w, "Invalid status filter: "+raw, http.StatusBadRequest)
			return
		}
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if l, err := strconv.Atoi(raw); err == nil && l > 0 && l <= maxRequestsLimit {
			limit = l
		}
	}

	requests, err := s.api.Recent(r.Context(), status, limit)
	if err != nil {
		s.writeJSONError(w, "Failed to list requests: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requests": requests,
		"count":    len(requests),
	})
}

// handleRequestDetail handles GET /v1/requests/{id}.
func (s *Server) handleRequestDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/requests/")
	if raw == "" || strings.Contains(raw, "/") {
		s.writeJSONError(w, "Missing request ID", http.StatusBadRequest)
		return
	}

	requestID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		s.writeJSONError(w, "Invalid request ID: "+raw, http.StatusBadRequest)
		return
	}

	req, err := s.api.Request(r.Context(), requestID)
	if err != nil {
		s.writeJSONError(w, "Failed to get request: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if req == nil {
		s.writeJSONError(w, "Request not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(req)
}

// handleHealth handles liveness probes.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	})
}

// ReadinessCheck represents a single readiness check result.
type ReadinessCheck struct {
	Name      string `json:"name"`
	Status    string `json:"status"` // "ok" or "failed"
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady handles readiness probes.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := []ReadinessCheck{}
	allHealthy := true

	if s.health != nil {
		start := time.Now()
		err := s.health.CheckNode(r.Context())
		latency := time.Since(start).Milliseconds()

		check := ReadinessCheck{
			Name:      "chain-rpc",
			LatencyMs: latency,
		}
		if err != nil {
			check.Status = "failed"
			check.Error = err.Error()
			allHealthy = false
		} else {
			check.Status = "ok"
		}
		checks = append(checks, check)
	}

	response := map[string]interface{}{
		"ready":  allHealthy,
		"checks": checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if allHealthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

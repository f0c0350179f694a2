package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/config"
)

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthResponse reports liveness and, when available, pool statistics.
type HealthResponse struct {
	Status      string                      `json:"status"`
	Connections *datasource.ConnectionStats `json:"connections,omitempty"`
}

type connectionStatsProvider interface {
	GetStats() datasource.ConnectionStats
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg         *config.Config
	connManager connectionStatsProvider
	logger      *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. connManager may be nil.
func NewHealthHandler(cfg *config.Config, connManager *datasource.ConnectionManager, logger *zap.Logger) *HealthHandler {
	h := &HealthHandler{cfg: cfg, logger: logger}
	if connManager != nil {
		h.connManager = connManager
	}
	return h
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok"}
	if h.connManager != nil {
		stats := h.connManager.GetStats()
		response.Connections = &stats
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "telemetry-mapper",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/logging"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
)

// Guard wraps a handler that mutates state, e.g. with an API key check.
type Guard func(http.HandlerFunc) http.HandlerFunc

// CreateDatasourceRequest is the POST body. It is the only type that carries
// a plaintext password across the API boundary.
type CreateDatasourceRequest struct {
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
	Username string `json:"username"`
	Password string `json:"password"`
	SSL      bool   `json:"ssl"`
}

// UpdateCredentialsRequest is the PUT credentials body.
type UpdateCredentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TestConnectionResponse for connection test result.
type TestConnectionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DatasourcesHandler handles datasource-related HTTP requests.
type DatasourcesHandler struct {
	datasourceService services.DataSourceService
	logger            *zap.Logger
}

// NewDatasourcesHandler creates a new datasources handler.
func NewDatasourcesHandler(datasourceService services.DataSourceService, logger *zap.Logger) *DatasourcesHandler {
	return &DatasourcesHandler{
		datasourceService: datasourceService,
		logger:            logger,
	}
}

// RegisterRoutes registers the datasources handler's routes on the given mux.
func (h *DatasourcesHandler) RegisterRoutes(mux *http.ServeMux, guard Guard) {
	mux.HandleFunc("GET /api/datasources/types", h.Types)
	mux.HandleFunc("GET /api/datasources", h.List)
	mux.HandleFunc("POST /api/datasources", guard(h.Create))
	mux.HandleFunc("GET /api/datasources/{id}", h.Get)
	mux.HandleFunc("DELETE /api/datasources/{id}", guard(h.Delete))
	mux.HandleFunc("PUT /api/datasources/{id}/credentials", guard(h.UpdateCredentials))
	mux.HandleFunc("POST /api/datasources/{id}/test", guard(h.TestConnection))
}

// Types handles GET /api/datasources/types
func (h *DatasourcesHandler) Types(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, h.datasourceService.Types()); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/datasources
// Passwords are never included.
func (h *DatasourcesHandler) List(w http.ResponseWriter, r *http.Request) {
	datasources, err := h.datasourceService.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list datasources", http.StatusNotImplemented)
		return
	}
	if datasources == nil {
		datasources = []*models.DataSource{}
	}

	if err := WriteJSON(w, http.StatusOK, datasources); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/datasources
func (h *DatasourcesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateDatasourceRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	ds, err := h.datasourceService.Create(r.Context(), &models.DataSource{
		Name:     req.Name,
		Engine:   req.Engine,
		Host:     req.Host,
		Port:     req.Port,
		Database: req.Database,
		Schema:   req.Schema,
		Username: req.Username,
		Password: req.Password,
		SSL:      req.SSL,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create datasource", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Get handles GET /api/datasources/{id}
func (h *DatasourcesHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}

	ds, err := h.datasourceService.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "get datasource", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ds); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/datasources/{id}
// Returns 409 while mappings still reference the datasource.
func (h *DatasourcesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.datasourceService.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err, "delete datasource", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UpdateCredentials handles PUT /api/datasources/{id}/credentials
func (h *DatasourcesHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}

	var req UpdateCredentialsRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	if err := h.datasourceService.UpdateCredentials(r.Context(), id, req.Username, req.Password); err != nil {
		writeServiceError(w, r, h.logger, err, "update credentials", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TestConnection handles POST /api/datasources/{id}/test
// A failed connection is a normal result, reported in the body.
func (h *DatasourcesHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	id, ok := ParseDatasourceID(w, r, h.logger)
	if !ok {
		return
	}

	resp := TestConnectionResponse{Success: true, Message: "Connection successful"}
	if err := h.datasourceService.TestConnection(r.Context(), id); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrCredentialsKeyMismatch) {
			writeServiceError(w, r, h.logger, err, "test connection", http.StatusBadRequest)
			return
		}
		resp = TestConnectionResponse{Success: false, Message: logging.SanitizeError(err)}
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

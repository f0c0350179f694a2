package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
)

// MappingsHandler handles the mapping catalog.
type MappingsHandler struct {
	mappingService services.MappingService
	logger         *zap.Logger
}

// NewMappingsHandler creates a new mappings handler.
func NewMappingsHandler(mappingService services.MappingService, logger *zap.Logger) *MappingsHandler {
	return &MappingsHandler{
		mappingService: mappingService,
		logger:         logger,
	}
}

// RegisterRoutes registers the mappings handler's routes on the given mux.
func (h *MappingsHandler) RegisterRoutes(mux *http.ServeMux, guard Guard) {
	mux.HandleFunc("POST /api/mappings/verify", h.Verify)
	mux.HandleFunc("GET /api/mappings", h.List)
	mux.HandleFunc("POST /api/mappings", guard(h.Create))
	mux.HandleFunc("PUT /api/mappings", guard(h.Replace))
	mux.HandleFunc("DELETE /api/mappings/{device}/{dsid}", guard(h.Delete))
}

// Verify handles POST /api/mappings/verify
// Always 200 once the body parses: a failed verification is reported as
// {"ok": false, "error": ...}.
func (h *MappingsHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var target models.MappingTarget
	if !decodeJSON(w, r, &target, h.logger) {
		return
	}

	result := h.mappingService.Verify(r.Context(), target)
	if err := WriteJSON(w, http.StatusOK, result); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Create handles POST /api/mappings
// Returns 409 when the device is already mapped on the datasource.
func (h *MappingsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateMappingRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	m, err := h.mappingService.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "create mapping", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, m); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Replace handles PUT /api/mappings
func (h *MappingsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	var req services.CreateMappingRequest
	if !decodeJSON(w, r, &req, h.logger) {
		return
	}

	m, err := h.mappingService.Replace(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "replace mapping", http.StatusBadRequest)
		return
	}

	if err := WriteJSON(w, http.StatusOK, m); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// List handles GET /api/mappings[?device=name]
func (h *MappingsHandler) List(w http.ResponseWriter, r *http.Request) {
	var (
		mappings []*models.Mapping
		err      error
	)
	if device := strings.TrimSpace(r.URL.Query().Get("device")); device != "" {
		mappings, err = h.mappingService.ListByDevice(r.Context(), device)
	} else {
		mappings, err = h.mappingService.List(r.Context())
	}
	if err != nil {
		writeServiceError(w, r, h.logger, err, "list mappings", http.StatusBadRequest)
		return
	}
	if mappings == nil {
		mappings = []*models.Mapping{}
	}

	if err := WriteJSON(w, http.StatusOK, mappings); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /api/mappings/{device}/{dsid}
func (h *MappingsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	dsID, ok := ParseMappingDatasourceID(w, r, h.logger)
	if !ok {
		return
	}

	if err := h.mappingService.Delete(r.Context(), r.PathValue("device"), dsID); err != nil {
		writeServiceError(w, r, h.logger, err, "delete mapping", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ParseDatasourceID extracts and validates the datasource ID from the request path.
// Returns the parsed UUID and true on success, or uuid.Nil and false on error
// (after writing an error response).
// Expects path parameter: id
func ParseDatasourceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "id", "invalid_datasource_id", "Invalid datasource ID format", logger)
}

// ParseMappingDatasourceID extracts the datasource half of a mapping key.
// Expects path parameter: dsid
func ParseMappingDatasourceID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	return parseUUID(w, r, "dsid", "invalid_datasource_id", "Invalid datasource ID format", logger)
}

// parseUUID is the internal helper that does the actual parsing work.
func parseUUID(w http.ResponseWriter, r *http.Request, pathParam, errorCode, errorMessage string, logger *zap.Logger) (uuid.UUID, bool) {
	idStr := r.PathValue(pathParam)
	id, err := uuid.Parse(idStr)
	if err != nil {
		if err := ErrorResponse(w, r, http.StatusBadRequest, errorCode, errorMessage); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return uuid.Nil, false
	}
	return id, true
}

// parseOptionalInt reads an integer query parameter. A missing parameter
// returns (nil, true); a malformed one writes a 400 and returns false.
func parseOptionalInt(w http.ResponseWriter, r *http.Request, name string, logger *zap.Logger) (*int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		if err := ErrorResponse(w, r, http.StatusBadRequest, "invalid_"+name, name+" must be an integer"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, false
	}
	return &v, true
}

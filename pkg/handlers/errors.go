package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/middleware"
)

// writeServiceError maps a service error to a status code and JSON body.
// unsupportedStatus is the status for UnsupportedEngineError, which differs
// between /latest (501) and the debug routes (400).
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error, action string, unsupportedStatus int) {
	status, code, message := http.StatusInternalServerError, "internal_error", "Failed to "+action

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		status, code, message = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, apperrors.ErrConflict):
		status, code, message = http.StatusConflict, "conflict", err.Error()
	case errors.Is(err, apperrors.ErrNotFound):
		status, code, message = http.StatusNotFound, "not_found", err.Error()
	case errors.Is(err, apperrors.ErrUnsupportedEngine):
		status, code, message = unsupportedStatus, "unsupported_engine", err.Error()
	case errors.Is(err, apperrors.ErrExternalQuery):
		status, code, message = http.StatusBadGateway, "external_query_failed", err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		status, code, message = http.StatusGatewayTimeout, "timeout", "Timed out trying to "+action
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("action", action), zap.Int("status", status),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())), zap.Error(err))
	} else {
		logger.Debug("Request rejected", zap.String("action", action), zap.Int("status", status), zap.Error(err))
	}

	if err := ErrorResponse(w, r, status, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *zap.Logger) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		if err := ErrorResponse(w, r, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			logger.Error("Failed to write error response", zap.Error(err))
		}
		return false
	}
	return true
}

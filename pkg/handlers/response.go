package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ekaya-inc/telemetry-mapper/pkg/middleware"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorResponse writes a JSON error response and returns any encoding error.
// The request's correlation id, when present, is echoed in the body.
func ErrorResponse(w http.ResponseWriter, r *http.Request, statusCode int, errorCode, message string) error {
	body := ErrorBody{Error: errorCode, Message: message}
	if r != nil {
		body.RequestID = middleware.RequestIDFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(body)
}

// WriteJSON writes a JSON response and returns any encoding error.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	return json.NewEncoder(w).Encode(data)
}

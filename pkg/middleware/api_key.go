package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// APIKeyHeader is the header mutating requests must carry.
const APIKeyHeader = "x-api-key"

// APIKeyGuard rejects requests whose x-api-key header does not match key.
// An empty key disables the check.
func APIKeyGuard(key string, logger *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		if key == "" {
			return next
		}
		want := []byte(key)

		return func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				logger.Debug("Rejected request without valid API key",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("request_id", RequestIDFromContext(r.Context())),
				)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "unauthorized",
					"message": "missing or invalid API key",
				})
				return
			}
			next(w, r)
		}
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestAPIKeyGuard(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		header     string
		wantStatus int
		wantCalled bool
	}{
		{"disabled when key empty", "", "", http.StatusOK, true},
		{"matching key", "s3cret", "s3cret", http.StatusOK, true},
		{"missing header", "s3cret", "", http.StatusUnauthorized, false},
		{"wrong key", "s3cret", "s3cret2", http.StatusUnauthorized, false},
		{"prefix of key", "s3cret", "s3c", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			handler := APIKeyGuard(tt.key, zaptest.NewLogger(t))(func(w http.ResponseWriter, r *http.Request) {
				called = true
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest(http.MethodPost, "/api/mappings", nil)
			if tt.header != "" {
				req.Header.Set(APIKeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantCalled, called)
			if !tt.wantCalled {
				assert.Contains(t, rec.Body.String(), "unauthorized")
			}
		})
	}
}

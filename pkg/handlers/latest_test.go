package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func newLatestMux(t *testing.T, svc *mockLatestService) (*http.ServeMux, *LatestHandler) {
	h := NewLatestHandler(svc, 5*time.Second, zaptest.NewLogger(t))
	h.now = func() time.Time { return time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC) }
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux, h
}

func TestLatestHandler_Latest(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := &mockLatestService{result: models.LatestResult{
		"Node 5.04": {Value: 21.5, Timestamp: ts, Unit: "°C", DataSourceID: uuid.New(), Table: "sensor_data"},
	}}
	mux, _ := newLatestMux(t, svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/latest?lookbackDays=30", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastLookback)
	assert.Equal(t, 30, *svc.lastLookback)
	assert.True(t, svc.hadDeadline, "request timeout bounds the fan-out")

	var got map[string]models.LatestValue
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, 21.5, got["Node 5.04"].Value)
	assert.True(t, ts.Equal(got["Node 5.04"].Timestamp))
}

func TestLatestHandler_Latest_DefaultLookback(t *testing.T) {
	svc := &mockLatestService{result: models.LatestResult{}}
	mux, _ := newLatestMux(t, svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/latest", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.lastLookback, "absent parameter is left to the service")
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestLatestHandler_Latest_Errors(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"non-integer lookback", "?lookbackDays=week", nil, http.StatusBadRequest, "invalid_lookbackDays"},
		{"no engine supports latest", "", apperrors.NewUnsupportedEngineError("postgres", "latest"), http.StatusNotImplemented, "unsupported_engine"},
		{"catalog failure", "", errors.New("catalog down"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _ := newLatestMux(t, &mockLatestService{err: tt.err})

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/latest"+tt.query, nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp["error"])
		})
	}
}

func TestLatestHandler_DebugSnapshot(t *testing.T) {
	svc := &mockLatestService{snapshot: &models.DebugSnapshot{DeviceName: "Node 5.04"}}
	mux, _ := newLatestMux(t, svc)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug/external/Node%205.04", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Node 5.04", svc.lastDevice)
	assert.Contains(t, rec.Body.String(), `"device_name":"Node 5.04"`)
}

func TestLatestHandler_DebugSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unsupported engine is a client error", apperrors.NewUnsupportedEngineError("postgres", "debug"), http.StatusBadRequest},
		{"unknown device", apperrors.NewNotFoundError("device", "ghost"), http.StatusNotFound},
		{"external failure", apperrors.NewExternalQueryError("mysql", "SELECT 1", errors.New("gone away")), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux, _ := newLatestMux(t, &mockLatestService{err: tt.err})

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug/external/ghost", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestLatestHandler_DebugHistory(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		svc := &mockLatestService{history: &models.DebugHistory{DeviceName: "node"}}
		mux, h := newLatestMux(t, svc)

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug/external/node/history", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, svc.lastFrom.Equal(time.UnixMilli(0)))
		assert.True(t, svc.lastTo.Equal(h.now()))
		assert.Equal(t, 0, svc.lastLimit, "service applies the default limit")
	})

	t.Run("explicit window", func(t *testing.T) {
		svc := &mockLatestService{history: &models.DebugHistory{DeviceName: "node"}}
		mux, _ := newLatestMux(t, svc)

		from := time.Date(2024, 12, 1, 0, 0, 0, 0, time.UTC)
		to := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
		url := "/api/debug/external/node/history?from=" + itoa64(from.UnixMilli()) + "&to=" + itoa64(to.UnixMilli()) + "&limit=20"

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, svc.lastFrom.Equal(from))
		assert.True(t, svc.lastTo.Equal(to))
		assert.Equal(t, 20, svc.lastLimit)
	})

	t.Run("bad parameters", func(t *testing.T) {
		for query, code := range map[string]string{
			"?from=yesterday": "invalid_from",
			"?to=1.5":         "invalid_to",
			"?limit=many":     "invalid_limit",
		} {
			mux, _ := newLatestMux(t, &mockLatestService{})

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug/external/node/history"+query, nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code, query)
			assert.Contains(t, rec.Body.String(), code, query)
		}
	})

	t.Run("inverted window", func(t *testing.T) {
		mux, _ := newLatestMux(t, &mockLatestService{err: apperrors.NewValidationError("to", "must not be before from")})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/debug/external/node/history?from=2000&to=1000", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "validation_error")
	})
}

func itoa64(v int64) string {
	return strconv.FormatInt(v, 10)
}

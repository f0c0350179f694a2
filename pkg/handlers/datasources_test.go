package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func newDatasourcesMux(t *testing.T, svc *mockDataSourceService) *http.ServeMux {
	mux := http.NewServeMux()
	NewDatasourcesHandler(svc, zaptest.NewLogger(t)).RegisterRoutes(mux, passthrough)
	return mux
}

func TestDatasourcesHandler_Create(t *testing.T) {
	svc := &mockDataSourceService{}
	mux := newDatasourcesMux(t, svc)

	body := `{"name":"mysqlA","engine":"mysql","host":"db","port":3306,"database":"sensordb","username":"reader","password":"s3cret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/datasources", strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), "s3cret")
	assert.NotContains(t, rec.Body.String(), "password")

	require.NotNil(t, svc.lastCreate)
	assert.Equal(t, "s3cret", svc.lastCreate.Password, "password reaches the service")
	assert.Equal(t, 3306, svc.lastCreate.Port)

	var got models.DataSource
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "mysqlA", got.Name)
	assert.NotEqual(t, uuid.Nil, got.ID)
}

func TestDatasourcesHandler_Create_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest, "invalid_request"},
		{"validation", `{}`, apperrors.NewValidationError("name", "is required"), http.StatusBadRequest, "validation_error"},
		{"duplicate name", `{"name":"a"}`, apperrors.NewConflictError("datasource", "name exists"), http.StatusConflict, "conflict"},
		{"storage failure", `{"name":"a"}`, errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newDatasourcesMux(t, &mockDataSourceService{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/api/datasources", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var resp map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.wantCode, resp["error"])
			assert.NotContains(t, resp["message"], "connection reset", "internal errors are not echoed")
		})
	}
}

func TestDatasourcesHandler_List(t *testing.T) {
	mux := newDatasourcesMux(t, &mockDataSourceService{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasources", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDatasourcesHandler_GetAndDelete(t *testing.T) {
	svc := &mockDataSourceService{}
	mux := newDatasourcesMux(t, svc)
	id := uuid.New()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasources/"+id.String(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/datasources/"+id.String(), nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, id, svc.lastDeletedID)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasources/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDatasourcesHandler_DeleteReferenced(t *testing.T) {
	mux := newDatasourcesMux(t, &mockDataSourceService{
		err: apperrors.NewConflictError("datasource", "referenced by 2 mapping(s)"),
	})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/datasources/"+uuid.NewString(), nil))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "referenced by 2 mapping(s)")
}

func TestDatasourcesHandler_UpdateCredentials(t *testing.T) {
	svc := &mockDataSourceService{}
	mux := newDatasourcesMux(t, svc)

	req := httptest.NewRequest(http.MethodPut, "/api/datasources/"+uuid.NewString()+"/credentials",
		strings.NewReader(`{"username":"writer","password":"rotated"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "writer", svc.lastUsername)
	assert.Equal(t, "rotated", svc.lastPassword)
}

func TestDatasourcesHandler_TestConnection(t *testing.T) {
	t.Run("failure is a normal result", func(t *testing.T) {
		mux := newDatasourcesMux(t, &mockDataSourceService{testErr: errors.New("dial tcp: connection refused")})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/datasources/"+uuid.NewString()+"/test", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp TestConnectionResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.False(t, resp.Success)
		assert.Contains(t, resp.Message, "connection refused")
	})

	t.Run("unknown datasource", func(t *testing.T) {
		mux := newDatasourcesMux(t, &mockDataSourceService{err: apperrors.NewNotFoundError("datasource", "x")})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/datasources/"+uuid.NewString()+"/test", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDatasourcesHandler_Types(t *testing.T) {
	mux := newDatasourcesMux(t, &mockDataSourceService{})

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasources/types", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mysql"`)
}

func TestDatasourcesHandler_GuardAppliesToMutations(t *testing.T) {
	denied := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) }
	}
	mux := http.NewServeMux()
	NewDatasourcesHandler(&mockDataSourceService{}, zaptest.NewLogger(t)).RegisterRoutes(mux, denied)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/datasources", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/datasources", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

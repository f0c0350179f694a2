package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
)

// mockDataSourceService is a configurable mock for datasource handler tests.
type mockDataSourceService struct {
	datasources   []*models.DataSource
	err           error
	testErr       error
	lastCreate    *models.DataSource
	lastUsername  string
	lastPassword  string
	lastDeletedID uuid.UUID
}

func (m *mockDataSourceService) Create(ctx context.Context, ds *models.DataSource) (*models.DataSource, error) {
	m.lastCreate = ds
	if m.err != nil {
		return nil, m.err
	}
	out := ds.Redacted()
	out.ID = uuid.New()
	return out, nil
}

func (m *mockDataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.DataSource{ID: id, Name: "mysqlA", Engine: models.EngineMySQL}, nil
}

func (m *mockDataSourceService) GetWithCredentials(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	return m.Get(ctx, id)
}

func (m *mockDataSourceService) List(ctx context.Context) ([]*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.datasources, nil
}

func (m *mockDataSourceService) UpdateCredentials(ctx context.Context, id uuid.UUID, username, password string) error {
	m.lastUsername, m.lastPassword = username, password
	return m.err
}

func (m *mockDataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	m.lastDeletedID = id
	return m.err
}

func (m *mockDataSourceService) TestConnection(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	return m.testErr
}

func (m *mockDataSourceService) Types() []datasource.AdapterInfo {
	return []datasource.AdapterInfo{{Type: models.EngineMySQL, DisplayName: "MySQL"}}
}

// mockMappingService is a configurable mock for mapping handler tests.
type mockMappingService struct {
	verifyResult *models.VerifyResult
	mappings     []*models.Mapping
	err          error
	lastRequest  *services.CreateMappingRequest
	lastTarget   models.MappingTarget
	lastDevice   string
	lastDSID     uuid.UUID
}

func (m *mockMappingService) Verify(ctx context.Context, target models.MappingTarget) *models.VerifyResult {
	m.lastTarget = target
	return m.verifyResult
}

func (m *mockMappingService) Create(ctx context.Context, req *services.CreateMappingRequest) (*models.Mapping, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.Mapping{ID: uuid.New(), DeviceName: req.DeviceName, DataSourceID: req.DataSourceID}, nil
}

func (m *mockMappingService) Replace(ctx context.Context, req *services.CreateMappingRequest) (*models.Mapping, error) {
	return m.Create(ctx, req)
}

func (m *mockMappingService) List(ctx context.Context) ([]*models.Mapping, error) {
	return m.mappings, m.err
}

func (m *mockMappingService) ListByDevice(ctx context.Context, deviceName string) ([]*models.Mapping, error) {
	m.lastDevice = deviceName
	return m.mappings, m.err
}

func (m *mockMappingService) Delete(ctx context.Context, deviceName string, dataSourceID uuid.UUID) error {
	m.lastDevice, m.lastDSID = deviceName, dataSourceID
	return m.err
}

// mockLatestService records the arguments of the last call.
type mockLatestService struct {
	result       models.LatestResult
	snapshot     *models.DebugSnapshot
	history      *models.DebugHistory
	err          error
	lastLookback *int
	lastDevice   string
	lastFrom     time.Time
	lastTo       time.Time
	lastLimit    int
	hadDeadline  bool
}

func (m *mockLatestService) FetchLatestForAllMappings(ctx context.Context, lookbackDays *int) (models.LatestResult, error) {
	m.lastLookback = lookbackDays
	_, m.hadDeadline = ctx.Deadline()
	return m.result, m.err
}

func (m *mockLatestService) DebugExternalSnapshot(ctx context.Context, deviceName string) (*models.DebugSnapshot, error) {
	m.lastDevice = deviceName
	return m.snapshot, m.err
}

func (m *mockLatestService) DebugExternalHistory(ctx context.Context, deviceName string, from, to time.Time, limit int) (*models.DebugHistory, error) {
	m.lastDevice, m.lastFrom, m.lastTo, m.lastLimit = deviceName, from, to, limit
	return m.history, m.err
}

// passthrough is a Guard that allows every request.
func passthrough(next http.HandlerFunc) http.HandlerFunc { return next }

package services

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource/mysql"
	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource/postgres"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/crypto"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// Test encryption key (32 bytes, base64 encoded) - same as crypto/credentials_test.go
const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

// fakeDatasourceRepository is an in-memory DatasourceRepository.
type fakeDatasourceRepository struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.DataSource
	passwords map[uuid.UUID]string
	deleted   []uuid.UUID
}

func newFakeDatasourceRepository() *fakeDatasourceRepository {
	return &fakeDatasourceRepository{
		rows:      make(map[uuid.UUID]*models.DataSource),
		passwords: make(map[uuid.UUID]string),
	}
}

func (r *fakeDatasourceRepository) Create(ctx context.Context, ds *models.DataSource, encryptedPassword string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.rows {
		if existing.Name == ds.Name {
			return apperrors.NewConflictError("datasource", "name %q already exists", ds.Name)
		}
	}
	if ds.ID == uuid.Nil {
		ds.ID = uuid.New()
	}
	stored := *ds
	stored.Password = ""
	r.rows[ds.ID] = &stored
	r.passwords[ds.ID] = encryptedPassword
	return nil
}

func (r *fakeDatasourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok {
		return nil, "", apperrors.NewNotFoundError("datasource", id.String())
	}
	c := *ds
	return &c, r.passwords[id], nil
}

func (r *fakeDatasourceRepository) GetByName(ctx context.Context, name string) (*models.DataSource, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ds := range r.rows {
		if ds.Name == name {
			c := *ds
			return &c, r.passwords[id], nil
		}
	}
	return nil, "", apperrors.NewNotFoundError("datasource", name)
}

func (r *fakeDatasourceRepository) List(ctx context.Context) ([]*models.DataSource, []string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var list []*models.DataSource
	for _, ds := range r.rows {
		c := *ds
		list = append(list, &c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	passwords := make([]string, len(list))
	for i, ds := range list {
		passwords[i] = r.passwords[ds.ID]
	}
	return list, passwords, nil
}

func (r *fakeDatasourceRepository) UpdateCredentials(ctx context.Context, id uuid.UUID, username, encryptedPassword string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.rows[id]
	if !ok {
		return apperrors.NewNotFoundError("datasource", id.String())
	}
	ds.Username = username
	r.passwords[id] = encryptedPassword
	return nil
}

func (r *fakeDatasourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return apperrors.NewNotFoundError("datasource", id.String())
	}
	delete(r.rows, id)
	r.deleted = append(r.deleted, id)
	return nil
}

// fakeMappingRepository is an in-memory MappingRepository keyed by (device, datasource).
type fakeMappingRepository struct {
	mu       sync.Mutex
	mappings []*models.Mapping
	listErr  error
}

func (r *fakeMappingRepository) find(device string, dsID uuid.UUID) int {
	for i, m := range r.mappings {
		if m.DeviceName == device && m.DataSourceID == dsID {
			return i
		}
	}
	return -1
}

func (r *fakeMappingRepository) Create(ctx context.Context, m *models.Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.find(m.DeviceName, m.DataSourceID) >= 0 {
		return apperrors.NewConflictError("mapping", "device %q already mapped on datasource %s", m.DeviceName, m.DataSourceID)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.mappings = append(r.mappings, m)
	return nil
}

func (r *fakeMappingRepository) Replace(ctx context.Context, m *models.Mapping) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.find(m.DeviceName, m.DataSourceID); i >= 0 {
		m.ID = r.mappings[i].ID
		r.mappings[i] = m
		return nil
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	r.mappings = append(r.mappings, m)
	return nil
}

func (r *fakeMappingRepository) Get(ctx context.Context, device string, dsID uuid.UUID) (*models.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.find(device, dsID); i >= 0 {
		return r.mappings[i], nil
	}
	return nil, apperrors.NewNotFoundError("mapping", device+"@"+dsID.String())
}

func (r *fakeMappingRepository) List(ctx context.Context) ([]*models.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	return append([]*models.Mapping(nil), r.mappings...), nil
}

func (r *fakeMappingRepository) ListByDevice(ctx context.Context, device string) ([]*models.Mapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Mapping
	for _, m := range r.mappings {
		if m.DeviceName == device {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeMappingRepository) CountByDataSource(ctx context.Context, dsID uuid.UUID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.mappings {
		if m.DataSourceID == dsID {
			n++
		}
	}
	return n, nil
}

func (r *fakeMappingRepository) Delete(ctx context.Context, device string, dsID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.find(device, dsID)
	if i < 0 {
		return apperrors.NewNotFoundError("mapping", device+"@"+dsID.String())
	}
	r.mappings = append(r.mappings[:i], r.mappings[i+1:]...)
	return nil
}

// recordingExecutor wraps an executor and captures every query it runs.
type recordingExecutor struct {
	datasource.QueryExecutor
	mu      sync.Mutex
	queries []recordedQuery
}

type recordedQuery struct {
	SQL  string
	Args []any
}

func (e *recordingExecutor) QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*datasource.QueryExecutionResult, error) {
	e.mu.Lock()
	e.queries = append(e.queries, recordedQuery{SQL: sqlQuery, Args: params})
	e.mu.Unlock()
	return e.QueryExecutor.QueryWithParams(ctx, sqlQuery, params, limit)
}

func (e *recordingExecutor) recorded() []recordedQuery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]recordedQuery(nil), e.queries...)
}

// nopCloseExecutor keeps a shared executor open across borrowers.
type nopCloseExecutor struct {
	datasource.QueryExecutor
}

func (nopCloseExecutor) Close() error { return nil }

// fakeAdapterFactory hands out executors per data source and declares
// capabilities per engine.
type fakeAdapterFactory struct {
	mu           sync.Mutex
	executors    map[uuid.UUID]datasource.QueryExecutor
	introspector map[uuid.UUID]datasource.SchemaIntrospector
	connectErr   map[uuid.UUID]error
	capabilities map[string][]datasource.Capability
	connects     map[uuid.UUID]*atomic.Int32
}

func newFakeAdapterFactory() *fakeAdapterFactory {
	return &fakeAdapterFactory{
		executors:    make(map[uuid.UUID]datasource.QueryExecutor),
		introspector: make(map[uuid.UUID]datasource.SchemaIntrospector),
		connectErr:   make(map[uuid.UUID]error),
		connects:     make(map[uuid.UUID]*atomic.Int32),
		capabilities: map[string][]datasource.Capability{
			models.EngineMySQL: {datasource.CapabilityLatest, datasource.CapabilityDebug, datasource.CapabilityIntrospection},
			models.EnginePostgres: {datasource.CapabilityLatest, datasource.CapabilityIntrospection},
		},
	}
}

func (f *fakeAdapterFactory) counter(id uuid.UUID) *atomic.Int32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.connects[id]
	if !ok {
		c = &atomic.Int32{}
		f.connects[id] = c
	}
	return c
}

func (f *fakeAdapterFactory) NewQueryExecutor(ctx context.Context, ds *models.DataSource) (datasource.QueryExecutor, error) {
	f.counter(ds.ID).Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.connectErr[ds.ID]; err != nil {
		return nil, err
	}
	exec, ok := f.executors[ds.ID]
	if !ok {
		return nil, apperrors.NewUnsupportedEngineError(ds.Engine, "query execution")
	}
	return nopCloseExecutor{exec}, nil
}

func (f *fakeAdapterFactory) NewSchemaIntrospector(ctx context.Context, ds *models.DataSource) (datasource.SchemaIntrospector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in, ok := f.introspector[ds.ID]; ok {
		return in, nil
	}
	return nil, apperrors.NewUnsupportedEngineError(ds.Engine, "introspection")
}

func (f *fakeAdapterFactory) Dialect(engine string) (sqlbuilder.Dialect, error) {
	switch engine {
	case models.EngineMySQL:
		return mysql.Dialect{}, nil
	case models.EnginePostgres:
		return postgres.Dialect{}, nil
	}
	return nil, apperrors.NewUnsupportedEngineError(engine, "")
}

func (f *fakeAdapterFactory) Supports(engine string, capability datasource.Capability) bool {
	for _, c := range f.capabilities[engine] {
		if c == capability {
			return true
		}
	}
	return false
}

func (f *fakeAdapterFactory) ListTypes() []datasource.AdapterInfo {
	return []datasource.AdapterInfo{
		{Type: models.EngineMySQL, DisplayName: "MySQL"},
		{Type: models.EnginePostgres, DisplayName: "PostgreSQL"},
	}
}

// testEnv wires the real services over in-memory repositories.
type testEnv struct {
	t           *testing.T
	dsRepo      *fakeDatasourceRepository
	mappingRepo *fakeMappingRepository
	factory     *fakeAdapterFactory
	dataSources DataSourceService
	mappings    MappingService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	encryptor, err := crypto.NewCredentialEncryptor(testEncryptionKey)
	require.NoError(t, err)

	env := &testEnv{
		t:           t,
		dsRepo:      newFakeDatasourceRepository(),
		mappingRepo: &fakeMappingRepository{},
		factory:     newFakeAdapterFactory(),
	}
	logger := zaptest.NewLogger(t)
	env.dataSources = NewDataSourceService(env.dsRepo, env.mappingRepo, encryptor, env.factory, nil, logger)
	env.mappings = NewMappingService(env.mappingRepo, env.dataSources, env.factory, nil, 0, logger)
	return env
}

// addSource registers a data source and, when ddl is given, backs it with an
// in-memory SQLite database speaking the MySQL dialect.
func (env *testEnv) addSource(name, engine string, ddl ...string) (*models.DataSource, *recordingExecutor) {
	env.t.Helper()
	ds, err := env.dataSources.Create(context.Background(), &models.DataSource{
		Name:     name,
		Engine:   engine,
		Host:     "h",
		Port:     3306,
		Database: "sensordb",
		Username: "reader",
		Password: "s3cret",
	})
	require.NoError(env.t, err)

	if len(ddl) == 0 {
		return ds, nil
	}

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(env.t, err)
	db.SetMaxOpenConns(1)
	env.t.Cleanup(func() { _ = db.Close() })
	for _, stmt := range ddl {
		_, err := db.Exec(stmt)
		require.NoError(env.t, err)
	}

	exec := &recordingExecutor{QueryExecutor: mysql.NewQueryExecutorFromDB(db, &mysql.Config{Database: "sensordb"})}
	env.factory.mu.Lock()
	env.factory.executors[ds.ID] = exec
	env.factory.mu.Unlock()
	return ds, exec
}

func (env *testEnv) addMapping(m *models.Mapping) {
	env.t.Helper()
	require.NoError(env.t, env.mappingRepo.Create(context.Background(), m))
}

// stubIntrospector returns fixed columns for every table.
type stubIntrospector struct {
	columns []models.ColumnDescriptor
}

func (s stubIntrospector) DescribeTable(ctx context.Context, table string) ([]models.ColumnDescriptor, error) {
	return s.columns, nil
}

func (stubIntrospector) Close() error { return nil }

// memoryLatestCache is an in-process LatestCache that counts invalidations.
type memoryLatestCache struct {
	mu          sync.Mutex
	entries     map[int]models.LatestResult
	invalidated int
}

func newMemoryLatestCache() *memoryLatestCache {
	return &memoryLatestCache{entries: make(map[int]models.LatestResult)}
}

func (c *memoryLatestCache) Get(ctx context.Context, days int) (models.LatestResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[days]
	return r, ok
}

func (c *memoryLatestCache) Set(ctx context.Context, days int, result models.LatestResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[days] = result
}

func (c *memoryLatestCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int]models.LatestResult)
	c.invalidated++
}

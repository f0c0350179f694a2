package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/crypto"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func validDataSource() *models.DataSource {
	return &models.DataSource{
		Name:     "mysqlA",
		Engine:   "mysql",
		Host:     "h",
		Port:     3306,
		Database: "sensordb",
		Username: "reader",
		Password: "s3cret",
	}
}

type recordingInvalidator struct {
	ids []uuid.UUID
}

func (r *recordingInvalidator) Invalidate(id uuid.UUID) { r.ids = append(r.ids, id) }

func TestDataSourceService_Create_RedactsAndEncrypts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.dataSources.Create(ctx, validDataSource())
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Empty(t, created.Password, "returned record must be redacted")

	_, stored, err := env.dsRepo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored)
	assert.NotEqual(t, "s3cret", stored, "password must be encrypted at rest")

	body, err := json.Marshal(created)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "s3cret")
	assert.NotContains(t, string(body), "password")
}

func TestDataSourceService_Create_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(ds *models.DataSource)
		field  string
	}{
		{"missing name", func(ds *models.DataSource) { ds.Name = " " }, "name"},
		{"missing engine", func(ds *models.DataSource) { ds.Engine = "" }, "engine"},
		{"unknown engine", func(ds *models.DataSource) { ds.Engine = "oracle" }, "engine"},
		{"missing host", func(ds *models.DataSource) { ds.Host = "" }, "host"},
		{"zero port", func(ds *models.DataSource) { ds.Port = 0 }, "port"},
		{"port too large", func(ds *models.DataSource) { ds.Port = 70000 }, "port"},
		{"missing database", func(ds *models.DataSource) { ds.Database = "" }, "database"},
		{"missing username", func(ds *models.DataSource) { ds.Username = "" }, "username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ds := validDataSource()
			tt.mutate(ds)

			_, err := env.dataSources.Create(context.Background(), ds)
			require.Error(t, err)

			var vErr *apperrors.ValidationError
			require.True(t, errors.As(err, &vErr), "expected ValidationError, got %T", err)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestDataSourceService_Create_DuplicateName(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.dataSources.Create(ctx, validDataSource())
	require.NoError(t, err)

	_, err = env.dataSources.Create(ctx, validDataSource())
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestDataSourceService_Create_PostgresDefaultsSchema(t *testing.T) {
	env := newTestEnv(t)
	ds := validDataSource()
	ds.Engine = "Postgres"
	ds.Port = 5432

	created, err := env.dataSources.Create(context.Background(), ds)
	require.NoError(t, err)
	assert.Equal(t, models.EnginePostgres, created.Engine)
	assert.Equal(t, "public", created.Schema)
}

func TestDataSourceService_GetRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.dataSources.Create(ctx, validDataSource())
	require.NoError(t, err)

	got, err := env.dataSources.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Password)

	internal, err := env.dataSources.GetWithCredentials(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", internal.Password)

	_, err = env.dataSources.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDataSourceService_GetWithCredentials_WrongKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	created, err := env.dataSources.Create(ctx, validDataSource())
	require.NoError(t, err)

	otherKey, err := crypto.NewCredentialEncryptor("a different passphrase")
	require.NoError(t, err)
	other := NewDataSourceService(env.dsRepo, env.mappingRepo, otherKey, env.factory, nil, zaptest.NewLogger(t))

	_, err = other.GetWithCredentials(ctx, created.ID)
	assert.ErrorIs(t, err, apperrors.ErrCredentialsKeyMismatch)
}

func TestDataSourceService_List_Redacted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.dataSources.Create(ctx, validDataSource())
	require.NoError(t, err)
	second := validDataSource()
	second.Name = "mysqlB"
	_, err = env.dataSources.Create(ctx, second)
	require.NoError(t, err)

	list, err := env.dataSources.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, ds := range list {
		assert.Empty(t, ds.Password)
	}
}

func TestDataSourceService_Delete_GuardedByMappings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pools := &recordingInvalidator{}
	encryptor, err := crypto.NewCredentialEncryptor(testEncryptionKey)
	require.NoError(t, err)
	svc := NewDataSourceService(env.dsRepo, env.mappingRepo, encryptor, env.factory, pools, zaptest.NewLogger(t))

	created, err := svc.Create(ctx, validDataSource())
	require.NoError(t, err)
	env.addMapping(&models.Mapping{DeviceName: "node_5.04", DataSourceID: created.ID})

	err = svc.Delete(ctx, created.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Empty(t, env.dsRepo.deleted)

	require.NoError(t, env.mappingRepo.Delete(ctx, "node_5.04", created.ID))
	require.NoError(t, svc.Delete(ctx, created.ID))
	assert.Equal(t, []uuid.UUID{created.ID}, pools.ids)

	assert.ErrorIs(t, svc.Delete(ctx, created.ID), apperrors.ErrNotFound)
}

func TestDataSourceService_UpdateCredentials(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pools := &recordingInvalidator{}
	encryptor, err := crypto.NewCredentialEncryptor(testEncryptionKey)
	require.NoError(t, err)
	svc := NewDataSourceService(env.dsRepo, env.mappingRepo, encryptor, env.factory, pools, zaptest.NewLogger(t))

	created, err := svc.Create(ctx, validDataSource())
	require.NoError(t, err)

	require.NoError(t, svc.UpdateCredentials(ctx, created.ID, "writer", "rotated"))

	internal, err := svc.GetWithCredentials(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "writer", internal.Username)
	assert.Equal(t, "rotated", internal.Password)
	assert.Equal(t, []uuid.UUID{created.ID}, pools.ids)

	var vErr *apperrors.ValidationError
	assert.True(t, errors.As(svc.UpdateCredentials(ctx, created.ID, "", "x"), &vErr))
}

func TestDataSourceService_TestConnection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ds, _ := env.addSource("mysqlA", models.EngineMySQL, "CREATE TABLE t (x INT)")
	// SQLite has no DATABASE(); the failure still arrives as an ExternalQueryError.
	err := env.dataSources.TestConnection(ctx, ds.ID)
	assert.ErrorIs(t, err, apperrors.ErrExternalQuery)

	unreachable, _ := env.addSource("down", models.EngineMySQL)
	env.factory.connectErr[unreachable.ID] = errors.New("dial tcp: connection refused")
	err = env.dataSources.TestConnection(ctx, unreachable.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestDataSourceService_Types(t *testing.T) {
	env := newTestEnv(t)
	types := env.dataSources.Types()
	require.Len(t, types, 2)
	assert.Equal(t, "mysql", types[0].Type)
}

//go:build integration

package mysql

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
	"github.com/ekaya-inc/telemetry-mapper/pkg/testhelpers"
)

func setupMySQLTelemetry(t *testing.T) (*testhelpers.MySQLDB, *Config) {
	t.Helper()
	my := testhelpers.GetMySQL(t)

	ctx := context.Background()
	stmts := []string{
		"DROP TABLE IF EXISTS sensor_data",
		"CREATE TABLE sensor_data (ts DATETIME(3) NOT NULL, sensor_uuid VARCHAR(64) NOT NULL, value DECIMAL(10,2), humidity DOUBLE)",
		"DROP TABLE IF EXISTS pivot_data",
		"CREATE TABLE pivot_data (ts DATETIME(3) NOT NULL, `uuid-123` DOUBLE, `uuid-456` DOUBLE)",
	}
	for _, stmt := range stmts {
		_, err := my.DB.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	cfg := &Config{
		Host:     my.Host,
		Port:     my.Port,
		User:     my.User,
		Password: my.Password,
		Database: my.Database,
	}
	return my, cfg
}

func TestMySQLIntegration_LatestLongTable(t *testing.T) {
	my, cfg := setupMySQLTelemetry(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := my.DB.ExecContext(ctx,
		"INSERT INTO sensor_data VALUES (?, 'uuid-123', 20.25, 40), (?, 'uuid-123', 21.50, 41), (?, 'uuid-999', 99, 0)",
		now.Add(-time.Hour), now.Add(-time.Minute), now)
	require.NoError(t, err)

	connMgr := datasource.NewConnectionManager(datasource.ConnectionManagerConfig{}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = connMgr.Close() })

	exec, err := NewQueryExecutor(ctx, cfg, connMgr, uuid.New())
	require.NoError(t, err)
	defer exec.Close()

	require.NoError(t, exec.TestConnection(ctx))

	spec, err := sqlbuilder.Build(exec.Dialect(), models.MappingTarget{
		TableName:             "sensor_data",
		DeviceIDColumn:        "sensor_uuid",
		DeviceIdentifierValue: "uuid-123",
		TimestampColumn:       "ts",
		ValueColumns:          []string{"value", "humidity"},
	}, sqlbuilder.BuildOptions{Mode: models.QueryModeLatest, LookbackDays: 1, Now: now})
	require.NoError(t, err)

	result, err := exec.QueryWithParams(ctx, spec.SQL, spec.Args, spec.Limit)
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)

	row := result.Rows[0]
	assert.Equal(t, 21.5, row["value"])
	assert.Equal(t, 41.0, row["humidity"])
	ts, ok := row["ts"].(time.Time)
	require.True(t, ok, "expected ts to be time.Time, got %T", row["ts"])
	assert.True(t, ts.Equal(now.Add(-time.Minute)))
}

func TestMySQLIntegration_PivotTable(t *testing.T) {
	my, cfg := setupMySQLTelemetry(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	_, err := my.DB.ExecContext(ctx, "INSERT INTO pivot_data VALUES (?, 1.0, 3.0)", now)
	require.NoError(t, err)

	exec, err := NewQueryExecutor(ctx, cfg, nil, uuid.New())
	require.NoError(t, err)
	defer exec.Close()

	spec, err := sqlbuilder.Build(exec.Dialect(), models.MappingTarget{
		TableName:             "pivot_data",
		DeviceIDColumn:        models.PivotSentinel,
		DeviceIdentifierValue: "uuid-456",
		TimestampColumn:       "ts",
	}, sqlbuilder.BuildOptions{Mode: models.QueryModeLatest, LookbackDays: 1, Now: now.Add(time.Second)})
	require.NoError(t, err)

	result, err := exec.QueryWithParams(ctx, spec.SQL, spec.Args, spec.Limit)
	require.NoError(t, err)
	require.Equal(t, 1, result.RowCount)
	assert.Equal(t, 3.0, result.Rows[0]["uuid-456"])
	assert.NotContains(t, result.Rows[0], "uuid-123")
}

func TestMySQLIntegration_DescribeTable(t *testing.T) {
	_, cfg := setupMySQLTelemetry(t)
	ctx := context.Background()

	exec, err := NewQueryExecutor(ctx, cfg, nil, uuid.New())
	require.NoError(t, err)
	defer exec.Close()

	columns, err := exec.DescribeTable(ctx, "sensor_data")
	require.NoError(t, err)
	require.Len(t, columns, 4)
	assert.Equal(t, "ts", columns[0].Name)
	assert.Equal(t, "value", columns[2].Name)
	require.NotNil(t, columns[2].NumericScale)
	assert.Equal(t, 2, *columns[2].NumericScale)

	_, err = exec.DescribeTable(ctx, "no_such_table")
	assert.Error(t, err)
}

// Package mysql reads telemetry from MySQL data sources through
// go-sql-driver/mysql.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// QueryExecutor provides MySQL query execution and table introspection.
type QueryExecutor struct {
	db      *sql.DB
	config  *Config
	ownedDB bool
}

// NewQueryExecutor creates a MySQL query executor using the connection manager.
// If connMgr is nil, opens an unmanaged pool (for tests or direct instantiation).
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, datasourceID uuid.UUID) (*QueryExecutor, error) {
	dsn := buildDSN(cfg)

	if connMgr == nil {
		connector, err := datasource.CreateSQLPool(ctx, "mysql", "mysql", dsn, datasource.ConnectionManagerConfig{
			TTLMinutes:   datasource.DefaultConnectionTTLMinutes,
			PoolMaxConns: datasource.DefaultPoolMaxConns,
			PoolMinConns: datasource.DefaultPoolMinConns,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to mysql: %w", err)
		}
		db, err := datasource.GetSQLDB(connector)
		if err != nil {
			return nil, err
		}
		return &QueryExecutor{db: db, config: cfg, ownedDB: true}, nil
	}

	connector, err := connMgr.GetOrCreateConnection(ctx, "mysql", datasourceID, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	db, err := datasource.GetSQLDB(connector)
	if err != nil {
		return nil, fmt.Errorf("failed to extract mysql pool: %w", err)
	}

	return &QueryExecutor{db: db, config: cfg}, nil
}

// NewQueryExecutorFromDB wraps an existing database/sql pool that speaks the
// MySQL dialect. The pool is not closed by Close.
func NewQueryExecutorFromDB(db *sql.DB, cfg *Config) *QueryExecutor {
	if cfg == nil {
		cfg = &Config{}
	}
	return &QueryExecutor{db: db, config: cfg}
}

// createPool is the registered PoolFactory.
func createPool(ctx context.Context, dsn string, cfg datasource.ConnectionManagerConfig) (datasource.PoolConnector, error) {
	return datasource.CreateSQLPool(ctx, "mysql", "mysql", dsn, cfg)
}

func (e *QueryExecutor) Dialect() sqlbuilder.Dialect { return Dialect{} }

// QueryWithParams runs a parameterized SELECT with '?' placeholders.
func (e *QueryExecutor) QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*datasource.QueryExecutionResult, error) {
	rows, err := e.db.QueryContext(ctx, sqlQuery, params...)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", sqlQuery, err)
	}
	defer rows.Close()

	result, err := datasource.ScanSQLRows(ctx, rows, datasource.EffectiveLimit(limit))
	if err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", sqlQuery, err)
	}
	return result, nil
}

// ExecuteWithParams runs a parameterized DML statement.
func (e *QueryExecutor) ExecuteWithParams(ctx context.Context, sqlStatement string, params []any) (*datasource.ExecuteResult, error) {
	res, err := e.db.ExecContext(ctx, sqlStatement, params...)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", sqlStatement, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", sqlStatement, err)
	}
	return &datasource.ExecuteResult{RowsAffected: affected}, nil
}

// TestConnection verifies the database is reachable with valid credentials
// and that the connection selected the configured database.
func (e *QueryExecutor) TestConnection(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var currentDB sql.NullString
	if err := e.db.QueryRowContext(ctx, "SELECT DATABASE()").Scan(&currentDB); err != nil {
		return fmt.Errorf("failed to get current database name: %w", err)
	}

	if !strings.EqualFold(currentDB.String, e.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", e.config.Database, currentDB.String)
	}
	return nil
}

const describeTableQuery = `
	SELECT column_name, data_type, column_type, is_nullable = 'YES',
	       numeric_precision, numeric_scale
	FROM information_schema.columns
	WHERE table_schema = ? AND table_name = ?
	ORDER BY ordinal_position`

// DescribeTable returns the columns of a table. Unqualified names resolve
// against the configured database.
func (e *QueryExecutor) DescribeTable(ctx context.Context, table string) ([]models.ColumnDescriptor, error) {
	schema, name := sqlbuilder.SplitQualified(table)
	if schema == "" {
		schema = e.config.Database
	}

	rows, err := e.db.QueryContext(ctx, describeTableQuery, schema, name)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", describeTableQuery, err)
	}
	defer rows.Close()

	var columns []models.ColumnDescriptor
	for rows.Next() {
		var (
			col       models.ColumnDescriptor
			precision sql.NullInt64
			scale     sql.NullInt64
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.ColumnType, &col.Nullable, &precision, &scale); err != nil {
			return nil, apperrors.NewExternalQueryError("mysql", describeTableQuery, err)
		}
		col.NumericPrecision = nullIntPtr(precision)
		col.NumericScale = nullIntPtr(scale)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalQueryError("mysql", describeTableQuery, err)
	}

	if len(columns) == 0 {
		return nil, apperrors.NewNotFoundError("table", schema+"."+name)
	}
	return columns, nil
}

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}

// Close releases the executor (but NOT the pool if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedDB && e.db != nil {
		return e.db.Close()
	}
	return nil
}

// Ensure QueryExecutor implements the adapter interfaces at compile time.
var (
	_ datasource.QueryExecutor      = (*QueryExecutor)(nil)
	_ datasource.SchemaIntrospector = (*QueryExecutor)(nil)
)

package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// QueryExecutor provides PostgreSQL query execution and table introspection.
type QueryExecutor struct {
	pool      *pgxpool.Pool
	config    *Config
	ownedPool bool // true if we created the pool (for tests or direct instantiation)
}

// NewQueryExecutor creates a PostgreSQL query executor using the connection manager.
// If connMgr is nil, creates an unmanaged pool (for tests or direct instantiation).
func NewQueryExecutor(ctx context.Context, cfg *Config, connMgr *datasource.ConnectionManager, datasourceID uuid.UUID) (*QueryExecutor, error) {
	connStr := buildConnectionString(cfg)

	if connMgr == nil {
		pool, err := pgxpool.New(ctx, connStr)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		return &QueryExecutor{pool: pool, config: cfg, ownedPool: true}, nil
	}

	connector, err := connMgr.GetOrCreateConnection(ctx, "postgres", datasourceID, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to get pooled connection: %w", err)
	}

	pool, err := datasource.GetPostgresPool(connector)
	if err != nil {
		return nil, fmt.Errorf("failed to extract postgres pool: %w", err)
	}

	return &QueryExecutor{pool: pool, config: cfg}, nil
}

// NewQueryExecutorFromPool wraps an existing pool. The pool is not closed by Close.
func NewQueryExecutorFromPool(pool *pgxpool.Pool, cfg *Config) *QueryExecutor {
	return &QueryExecutor{pool: pool, config: cfg}
}

func (e *QueryExecutor) Dialect() sqlbuilder.Dialect { return Dialect{} }

// QueryWithParams runs a parameterized SELECT. pgx binds parameters natively.
func (e *QueryExecutor) QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*datasource.QueryExecutionResult, error) {
	limit = datasource.EffectiveLimit(limit)

	rows, err := e.pool.Query(ctx, sqlQuery, params...)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("postgres", sqlQuery, err)
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	columns := make([]datasource.ColumnInfo, len(fieldDescs))
	for i, fd := range fieldDescs {
		columns[i] = datasource.ColumnInfo{
			Name: fd.Name,
			Type: pgTypeNameFromOID(fd.DataTypeOID),
		}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		if len(resultRows) >= limit {
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, apperrors.NewExternalQueryError("postgres", sqlQuery, fmt.Errorf("read row values: %w", err))
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = datasource.NormalizeValue(values[i])
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalQueryError("postgres", sqlQuery, err)
	}

	return &datasource.QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

// ExecuteWithParams runs a parameterized DML statement.
func (e *QueryExecutor) ExecuteWithParams(ctx context.Context, sqlStatement string, params []any) (*datasource.ExecuteResult, error) {
	tag, err := e.pool.Exec(ctx, sqlStatement, params...)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("postgres", sqlStatement, err)
	}
	return &datasource.ExecuteResult{RowsAffected: tag.RowsAffected()}, nil
}

// TestConnection verifies the database is reachable with valid credentials
// and that the connection landed on the configured database.
func (e *QueryExecutor) TestConnection(ctx context.Context) error {
	if err := e.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var currentDB string
	if err := e.pool.QueryRow(ctx, "SELECT current_database()").Scan(&currentDB); err != nil {
		return fmt.Errorf("failed to get current database name: %w", err)
	}

	if !strings.EqualFold(currentDB, e.config.Database) {
		return fmt.Errorf("connected to wrong database: expected %q but connected to %q", e.config.Database, currentDB)
	}
	return nil
}

const describeTableQuery = `
	SELECT column_name, data_type, udt_name, is_nullable = 'YES',
	       numeric_precision, numeric_scale
	FROM information_schema.columns
	WHERE table_schema = $1 AND table_name = $2
	ORDER BY ordinal_position`

// DescribeTable returns the columns of a table. Unqualified names resolve
// against the configured schema.
func (e *QueryExecutor) DescribeTable(ctx context.Context, table string) ([]models.ColumnDescriptor, error) {
	schema, name := sqlbuilder.SplitQualified(table)
	if schema == "" {
		schema = e.config.Schema
	}

	rows, err := e.pool.Query(ctx, describeTableQuery, schema, name)
	if err != nil {
		return nil, apperrors.NewExternalQueryError("postgres", describeTableQuery, err)
	}
	defer rows.Close()

	var columns []models.ColumnDescriptor
	for rows.Next() {
		var (
			col       models.ColumnDescriptor
			precision *int32
			scale     *int32
		)
		if err := rows.Scan(&col.Name, &col.DataType, &col.ColumnType, &col.Nullable, &precision, &scale); err != nil {
			return nil, apperrors.NewExternalQueryError("postgres", describeTableQuery, err)
		}
		col.NumericPrecision = intPtr(precision)
		col.NumericScale = intPtr(scale)
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewExternalQueryError("postgres", describeTableQuery, err)
	}

	if len(columns) == 0 {
		return nil, apperrors.NewNotFoundError("table", schema+"."+name)
	}
	return columns, nil
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

// Close releases the executor (but NOT the pool if managed).
func (e *QueryExecutor) Close() error {
	if e.ownedPool && e.pool != nil {
		e.pool.Close()
	}
	return nil
}

// pgTypeNameFromOID maps common PostgreSQL type OIDs to type names.
func pgTypeNameFromOID(oid uint32) string {
	switch oid {
	case pgtype.BoolOID:
		return "BOOL"
	case pgtype.Int2OID:
		return "INT2"
	case pgtype.Int4OID:
		return "INT4"
	case pgtype.Int8OID:
		return "INT8"
	case pgtype.Float4OID:
		return "FLOAT4"
	case pgtype.Float8OID:
		return "FLOAT8"
	case pgtype.NumericOID:
		return "NUMERIC"
	case pgtype.TextOID:
		return "TEXT"
	case pgtype.VarcharOID:
		return "VARCHAR"
	case pgtype.BPCharOID:
		return "BPCHAR"
	case pgtype.DateOID:
		return "DATE"
	case pgtype.TimestampOID:
		return "TIMESTAMP"
	case pgtype.TimestamptzOID:
		return "TIMESTAMPTZ"
	case pgtype.JSONOID:
		return "JSON"
	case pgtype.JSONBOID:
		return "JSONB"
	case pgtype.UUIDOID:
		return "UUID"
	default:
		return fmt.Sprintf("OID_%d", oid)
	}
}

// Ensure QueryExecutor implements the adapter interfaces at compile time.
var (
	_ datasource.QueryExecutor      = (*QueryExecutor)(nil)
	_ datasource.SchemaIntrospector = (*QueryExecutor)(nil)
)

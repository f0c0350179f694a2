package datasource

import (
	"context"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// MaxQueryLimit is the hard cap on rows returned by QueryWithParams.
// This protects against unbounded queries that could crash the server.
const MaxQueryLimit = 1000

// QueryExecutor executes SQL against an external data source.
// Implementations borrow a pool from the ConnectionManager; Close releases
// the executor, not the pool.
type QueryExecutor interface {
	// QueryWithParams runs a parameterized SELECT and returns at most limit rows.
	// Placeholders follow the executor's dialect ($1 for postgres, ? for mysql).
	//
	// Limit behavior:
	//   - limit <= 0: uses MaxQueryLimit (1000)
	//   - limit > MaxQueryLimit: capped to MaxQueryLimit (1000)
	//
	// Driver failures are returned as *apperrors.ExternalQueryError carrying the SQL.
	QueryWithParams(ctx context.Context, sqlQuery string, params []any, limit int) (*QueryExecutionResult, error)

	// ExecuteWithParams runs a parameterized DML statement (INSERT/UPDATE/DELETE).
	ExecuteWithParams(ctx context.Context, sqlStatement string, params []any) (*ExecuteResult, error)

	// Dialect returns the quoting and placeholder rules of the engine.
	Dialect() sqlbuilder.Dialect

	// TestConnection verifies the database is reachable with valid credentials.
	TestConnection(ctx context.Context) error

	// Close releases any resources held by the executor.
	Close() error
}

// SchemaIntrospector discovers column metadata of external tables.
type SchemaIntrospector interface {
	// DescribeTable returns the columns of table in ordinal order. The table may
	// be qualified ("schema.table"). An unknown table yields a NotFoundError.
	DescribeTable(ctx context.Context, table string) ([]models.ColumnDescriptor, error)

	Close() error
}

// ExecuteResult holds the results from executing a DML statement.
type ExecuteResult struct {
	RowsAffected int64 `json:"rows_affected"`
}

// ColumnInfo describes a result column with database-agnostic type information.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"` // Database type name (e.g., "TEXT", "INT4", "VARCHAR")
}

// QueryExecutionResult holds the results from executing a query.
type QueryExecutionResult struct {
	Columns  []ColumnInfo     `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// EffectiveLimit applies the MaxQueryLimit rules to limit.
func EffectiveLimit(limit int) int {
	if limit <= 0 || limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return limit
}

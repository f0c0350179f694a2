package datasource

import (
	"context"
	"database/sql"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// NormalizeValue converts driver values into JSON-friendly Go values.
// Bytes become strings, decimals become float64 and timestamps are reported in UTC.
// NaN and infinities have no JSON encoding and become nil.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(val)
	case float32:
		return FiniteOrNil(float64(val))
	case float64:
		return FiniteOrNil(val)
	case time.Time:
		return val.UTC()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		f, err := val.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return FiniteOrNil(f.Float64)
	default:
		return v
	}
}

// FiniteOrNil returns v unless it is a NaN or infinite float.
func FiniteOrNil(v any) any {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return v
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return v
}

// NormalizeColumnValue is NormalizeValue with knowledge of the column type.
// mysql reports DECIMAL values as text.
func NormalizeColumnValue(v any, dbType string) any {
	if b, ok := v.([]byte); ok && isDecimalType(dbType) {
		if f, err := strconv.ParseFloat(string(b), 64); err == nil {
			return FiniteOrNil(f)
		}
	}
	return NormalizeValue(v)
}

func isDecimalType(dbType string) bool {
	switch strings.ToUpper(dbType) {
	case "DECIMAL", "NUMERIC", "NEWDECIMAL":
		return true
	}
	return false
}

// ScanSQLRows reads every row of a database/sql result into maps keyed by
// column name, stopping at limit rows.
func ScanSQLRows(ctx context.Context, rows *sql.Rows, limit int) (*QueryExecutionResult, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	columns := make([]ColumnInfo, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = ColumnInfo{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	resultRows := make([]map[string]any, 0)
	for rows.Next() {
		if len(resultRows) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rowMap := make(map[string]any, len(columns))
		for i, col := range columns {
			rowMap[col.Name] = NormalizeColumnValue(values[i], col.Type)
		}
		resultRows = append(resultRows, rowMap)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &QueryExecutionResult{
		Columns:  columns,
		Rows:     resultRows,
		RowCount: len(resultRows),
	}, nil
}

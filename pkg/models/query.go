package models

import "time"

// QueryMode selects the shape of a generated telemetry query.
type QueryMode string

const (
	QueryModeSample  QueryMode = "sample"
	QueryModeLatest  QueryMode = "latest"
	QueryModeHistory QueryMode = "history"
)

// QuerySpec is the resolved, dialect-specific query for one mapping.
// It is never persisted.
type QuerySpec struct {
	Engine          string     `json:"engine"`
	Mode            QueryMode  `json:"mode"`
	Table           string     `json:"table"`
	Pivot           bool       `json:"pivot"`
	TimestampColumn string     `json:"timestamp_column"`
	ValueColumns    []string   `json:"value_columns"`
	Limit           int        `json:"limit"`
	From            *time.Time `json:"from,omitempty"`
	To              *time.Time `json:"to,omitempty"`
	SQL             string     `json:"sql"`
	Args            []any      `json:"args"`
}

// ColumnDescriptor describes one column discovered by schema introspection.
type ColumnDescriptor struct {
	Name             string `json:"name"`
	DataType         string `json:"data_type"`
	ColumnType       string `json:"column_type,omitempty"`
	Nullable         bool   `json:"nullable"`
	NumericPrecision *int   `json:"numeric_precision,omitempty"`
	NumericScale     *int   `json:"numeric_scale,omitempty"`
}

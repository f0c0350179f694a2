package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PivotSentinel in DeviceIDColumn marks a wide table where each device owns a column.
const PivotSentinel = "COLUMN"

// IsPivotColumn reports whether a device_id_column value selects pivot mode.
// The comparison is case-insensitive.
func IsPivotColumn(deviceIDColumn string) bool {
	return strings.EqualFold(strings.TrimSpace(deviceIDColumn), PivotSentinel)
}

// Mapping binds a logical device to the table and columns holding its telemetry.
type Mapping struct {
	ID                    uuid.UUID `json:"id"`
	DeviceName            string    `json:"device_name"`
	DataSourceID          uuid.UUID `json:"data_source_id"`
	TableName             string    `json:"table_name"`
	DeviceIDColumn        string    `json:"device_id_column"`
	DeviceIdentifierValue string    `json:"device_identifier_value"`
	TimestampColumn       string    `json:"timestamp_column"`
	ValueColumns          []string  `json:"value_columns"`
	PrimaryValueColumn    string    `json:"primary_value_column"`
	Unit                  string    `json:"unit,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// IsPivot reports whether the mapping reads a wide table.
func (m *Mapping) IsPivot() bool {
	return IsPivotColumn(m.DeviceIDColumn)
}

// Target returns the part of the mapping the query builder needs.
func (m *Mapping) Target() MappingTarget {
	return MappingTarget{
		DataSourceID:          m.DataSourceID,
		TableName:             m.TableName,
		DeviceIDColumn:        m.DeviceIDColumn,
		DeviceIdentifierValue: m.DeviceIdentifierValue,
		TimestampColumn:       m.TimestampColumn,
		ValueColumns:          m.ValueColumns,
	}
}

// MappingTarget is a committed or proposed location of one device's telemetry.
// It is also the verify request body.
type MappingTarget struct {
	DataSourceID          uuid.UUID `json:"data_source_id"`
	TableName             string    `json:"table_name"`
	DeviceIDColumn        string    `json:"device_id_column"`
	DeviceIdentifierValue string    `json:"device_identifier_value"`
	TimestampColumn       string    `json:"timestamp_column"`
	ValueColumns          []string  `json:"value_columns"`
}

// IsPivot reports whether the target reads a wide table.
func (t *MappingTarget) IsPivot() bool {
	return IsPivotColumn(t.DeviceIDColumn)
}

// SelectedValueColumns returns the value columns a query reads. In pivot mode
// that is the device's own column.
func (t *MappingTarget) SelectedValueColumns() []string {
	if t.IsPivot() {
		return []string{t.DeviceIdentifierValue}
	}
	return t.ValueColumns
}

// VerifyResult is the outcome of a read-only sample query. A failed
// verification is a normal result, not an error. Rows is always present on
// success, empty when the sample matched nothing.
type VerifyResult struct {
	OK    bool             `json:"ok"`
	Rows  []map[string]any `json:"rows"`
	SQL   string           `json:"sql,omitempty"`
	Error string           `json:"error,omitempty"`
}

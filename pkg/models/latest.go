package models

import (
	"time"

	"github.com/google/uuid"
)

// LatestValue is the most recent reading of one device.
type LatestValue struct {
	Value        any            `json:"value"`
	Timestamp    time.Time      `json:"timestamp"`
	Unit         string         `json:"unit,omitempty"`
	Values       map[string]any `json:"values,omitempty"`
	DataSourceID uuid.UUID      `json:"data_source_id"`
	Table        string         `json:"table"`
}

// LatestResult maps device name to its latest value. Devices without data in
// the lookback window are absent.
type LatestResult map[string]LatestValue

// Merge folds v into the entry for device. The newest timestamp supplies the
// primary value, while per-column values from every source are kept.
func (r LatestResult) Merge(device string, v LatestValue) {
	cur, ok := r[device]
	if !ok {
		r[device] = v
		return
	}

	values := make(map[string]any, len(cur.Values)+len(v.Values))
	older, newer := cur, v
	if cur.Timestamp.After(v.Timestamp) {
		older, newer = v, cur
	}
	for k, val := range older.Values {
		values[k] = val
	}
	for k, val := range newer.Values {
		values[k] = val
	}
	newer.Values = values
	r[device] = newer
}

// DebugMappingResult is the resolved query and raw rows for one mapping of a device.
type DebugMappingResult struct {
	Mapping *Mapping           `json:"mapping"`
	Engine  string             `json:"engine"`
	Query   *QuerySpec         `json:"query,omitempty"`
	Columns []ColumnDescriptor `json:"columns,omitempty"`
	Rows    []map[string]any   `json:"rows"`
	Error   string             `json:"error,omitempty"`
}

// DebugSnapshot is the operator view of a device's most recent rows.
type DebugSnapshot struct {
	DeviceName string               `json:"device_name"`
	Results    []DebugMappingResult `json:"results"`
}

// DebugHistory is a bounded window of a device's rows.
type DebugHistory struct {
	DeviceName string               `json:"device_name"`
	From       time.Time            `json:"from"`
	To         time.Time            `json:"to"`
	Limit      int                  `json:"limit"`
	Results    []DebugMappingResult `json:"results"`
}

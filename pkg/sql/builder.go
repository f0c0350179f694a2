package sql

import (
	"fmt"
	"strings"
	"time"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

const (
	DefaultSampleLimit  = 5
	DefaultHistoryLimit = 5
	MaxRowLimit         = 1000

	// DefaultLookbackDays is used when no lookback is supplied.
	DefaultLookbackDays = 3650
	MaxLookbackDays     = 3650
)

// BuildOptions selects the query shape.
type BuildOptions struct {
	Mode models.QueryMode

	// Limit caps sample and history rows. Zero selects the mode default.
	// Latest queries always read one row.
	Limit int

	// DefaultSchema qualifies unqualified table names.
	DefaultSchema string

	// Now anchors the latest lookback window. Zero means time.Now().
	Now time.Time

	// LookbackDays bounds latest queries. It is clamped to [0, MaxLookbackDays].
	LookbackDays int

	// From and To bound history queries (inclusive).
	From time.Time
	To   time.Time
}

// ClampLookbackDays bounds a lookback to [0, MaxLookbackDays].
func ClampLookbackDays(days int) int {
	if days < 0 {
		return 0
	}
	if days > MaxLookbackDays {
		return MaxLookbackDays
	}
	return days
}

// ClampLimit returns def for non-positive limits and caps the rest at MaxRowLimit.
func ClampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxRowLimit {
		return MaxRowLimit
	}
	return limit
}

// ValidateTarget checks every identifier a query for target would interpolate.
func ValidateTarget(target models.MappingTarget) error {
	if err := ValidateTableName("table_name", target.TableName); err != nil {
		return err
	}
	if err := ValidateColumnName("timestamp_column", target.TimestampColumn); err != nil {
		return err
	}
	if target.IsPivot() {
		// The identifier value is the device's column name.
		return ValidateColumnName("device_identifier_value", target.DeviceIdentifierValue)
	}
	if err := ValidateColumnName("device_id_column", target.DeviceIDColumn); err != nil {
		return err
	}
	if target.DeviceIdentifierValue == "" {
		return apperrors.NewValidationError("device_identifier_value", "is required")
	}
	if len(target.ValueColumns) == 0 {
		return apperrors.NewValidationError("value_columns", "at least one value column is required")
	}
	for _, c := range target.ValueColumns {
		if err := ValidateColumnName("value_columns", c); err != nil {
			return err
		}
	}
	return nil
}

// Build translates a mapping target into SQL text plus bound arguments.
//
// Long tables select rows tagged with the device identifier:
//
//	SELECT ts, v1, v2 FROM t WHERE id_col = ? [AND ts ...] ORDER BY ts DESC LIMIT n
//
// Pivot tables have no device filter; the device's column is the only value read.
func Build(d Dialect, target models.MappingTarget, opts BuildOptions) (*models.QuerySpec, error) {
	if d == nil {
		return nil, apperrors.NewUnsupportedEngineError("", "query generation")
	}
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}

	table := QualifyTable(target.TableName, opts.DefaultSchema)
	if err := ValidateTableName("table_name", table); err != nil {
		return nil, err
	}

	spec := &models.QuerySpec{
		Engine:          d.Engine(),
		Mode:            opts.Mode,
		Table:           table,
		Pivot:           target.IsPivot(),
		TimestampColumn: target.TimestampColumn,
	}

	ts := d.QuoteIdentifier(target.TimestampColumn)
	selectCols := []string{ts}
	seen := map[string]bool{target.TimestampColumn: true}
	for _, c := range target.SelectedValueColumns() {
		if seen[c] {
			continue
		}
		seen[c] = true
		spec.ValueColumns = append(spec.ValueColumns, c)
		selectCols = append(selectCols, d.QuoteIdentifier(c))
	}

	var where []string
	bind := func(v any) string {
		spec.Args = append(spec.Args, v)
		return d.Placeholder(len(spec.Args))
	}

	if !spec.Pivot {
		where = append(where, fmt.Sprintf("%s = %s", d.QuoteIdentifier(target.DeviceIDColumn), bind(target.DeviceIdentifierValue)))
	}

	switch opts.Mode {
	case models.QueryModeSample:
		spec.Limit = ClampLimit(opts.Limit, DefaultSampleLimit)

	case models.QueryModeLatest:
		now := opts.Now
		if now.IsZero() {
			now = time.Now()
		}
		days := ClampLookbackDays(opts.LookbackDays)
		from := now.UTC().Add(-time.Duration(days) * 24 * time.Hour)
		spec.From = &from
		spec.Limit = 1
		where = append(where, fmt.Sprintf("%s >= %s", ts, bind(from)))

	case models.QueryModeHistory:
		from, to := opts.From.UTC(), opts.To.UTC()
		if to.Before(from) {
			return nil, apperrors.NewValidationError("from", "must not be after to")
		}
		spec.From, spec.To = &from, &to
		spec.Limit = ClampLimit(opts.Limit, DefaultHistoryLimit)
		where = append(where, fmt.Sprintf("%s BETWEEN %s AND %s", ts, bind(from), bind(to)))

	default:
		return nil, apperrors.NewValidationError("mode", "unknown query mode %q", opts.Mode)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(selectCols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(QuoteQualified(d, table))
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	// LIMIT is an int produced above, never caller text.
	fmt.Fprintf(&b, " ORDER BY %s DESC LIMIT %d", ts, spec.Limit)

	spec.SQL = b.String()
	return spec, nil
}

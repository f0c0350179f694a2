package services

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// GenerateValue returns a random value suitable for inserting into col.
// Temporal columns yield nil; the writer stamps the timestamp column itself.
func GenerateValue(col models.ColumnDescriptor, rng *rand.Rand) any {
	switch strings.ToLower(col.DataType) {
	case "enum":
		opts := ParseEnumOptions(col.ColumnType)
		if len(opts) == 0 {
			return nil
		}
		return opts[rng.IntN(len(opts))]
	case "tinyint", "bit", "bool", "boolean":
		return rng.IntN(2)
	case "smallint", "int2":
		return rng.IntN(2001)
	case "mediumint", "int", "integer", "int4":
		return rng.IntN(100001)
	case "bigint", "int8":
		return rng.Int64N(10000001)
	case "decimal", "numeric":
		return randomDecimal(col, rng)
	case "float", "double", "real", "double precision", "float4", "float8":
		return roundTo(rng.Float64()*1000, 3)
	case "varchar", "char", "text", "tinytext", "mediumtext", "longtext", "character varying", "character":
		return fmt.Sprintf("val_%d", rng.IntN(100000))
	case "date", "datetime", "timestamp", "time", "timestamp without time zone", "timestamp with time zone":
		return nil
	default:
		if col.Nullable {
			return nil
		}
		return fmt.Sprintf("val_%d", rng.IntN(10000))
	}
}

func randomDecimal(col models.ColumnDescriptor, rng *rand.Rand) float64 {
	precision, scale := 10, 2
	if col.NumericPrecision != nil {
		precision = *col.NumericPrecision
	}
	if col.NumericScale != nil {
		scale = *col.NumericScale
	}

	upper := math.Pow(10, float64(max(1, precision-scale))) - 1
	upper = max(1, min(upper, 10000))

	decimals := scale
	if decimals == 0 {
		decimals = 2
	}
	return roundTo(rng.Float64()*upper, min(6, decimals))
}

func roundTo(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// ParseEnumOptions extracts the options of a MySQL column type such as
// enum('FreshAir','high','it''s'). Returns nil for other types.
func ParseEnumOptions(columnType string) []string {
	ct := strings.TrimSpace(columnType)
	if len(ct) < 6 || !strings.EqualFold(ct[:5], "enum(") || !strings.HasSuffix(ct, ")") {
		return nil
	}
	inner := ct[5 : len(ct)-1]

	var (
		opts    []string
		cur     strings.Builder
		inQuote bool
	)
	for i := 0; i < len(inner); i++ {
		ch := inner[i]
		switch {
		case ch == '\\' && inQuote && i+1 < len(inner):
			i++
			cur.WriteByte(inner[i])
		case ch == '\'' && inQuote && i+1 < len(inner) && inner[i+1] == '\'':
			i++
			cur.WriteByte('\'')
		case ch == '\'':
			inQuote = !inQuote
		case ch == ',' && !inQuote:
			opts = append(opts, cur.String())
			cur.Reset()
		case inQuote:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 || strings.HasSuffix(inner, "''") {
		opts = append(opts, cur.String())
	}
	return opts
}

// DetectTimestampColumn picks the column to stamp with the current time:
// the first TIMESTAMP column, otherwise the first column whose type mentions
// time. Returns "" when there is none.
func DetectTimestampColumn(columns []models.ColumnDescriptor) string {
	for _, c := range columns {
		if strings.EqualFold(c.DataType, "timestamp") {
			return c.Name
		}
	}
	for _, c := range columns {
		if strings.Contains(strings.ToLower(c.DataType), "time") {
			return c.Name
		}
	}
	return ""
}

package services

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

func TestParseEnumOptions(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"enum('FreshAir','high','low')", []string{"FreshAir", "high", "low"}},
		{"ENUM('it''s','a\\,b')", []string{"it's", "a,b"}},
		{"enum('a','')", []string{"a", ""}},
		{"enum('with space', 'x')", []string{"with space", "x"}},
		{"varchar(32)", nil},
		{"enum(", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseEnumOptions(tt.in))
		})
	}
}

func TestGenerateValue(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for range 50 {
		v := GenerateValue(models.ColumnDescriptor{DataType: "enum", ColumnType: "enum('on','off')"}, rng)
		assert.Contains(t, []any{"on", "off"}, v)

		b := GenerateValue(models.ColumnDescriptor{DataType: "tinyint"}, rng).(int)
		assert.True(t, b == 0 || b == 1)

		s := GenerateValue(models.ColumnDescriptor{DataType: "smallint"}, rng).(int)
		assert.True(t, s >= 0 && s <= 2000)

		d := GenerateValue(models.ColumnDescriptor{DataType: "decimal", NumericPrecision: intPtr(5), NumericScale: intPtr(2)}, rng).(float64)
		assert.True(t, d >= 0 && d <= 999, "decimal(5,2) stays below 10^3: %v", d)
		assert.InDelta(t, d, roundTo(d, 2), 1e-9)

		f := GenerateValue(models.ColumnDescriptor{DataType: "double"}, rng).(float64)
		assert.True(t, f >= 0 && f <= 1000)
	}

	assert.Nil(t, GenerateValue(models.ColumnDescriptor{DataType: "timestamp"}, rng))
	assert.Nil(t, GenerateValue(models.ColumnDescriptor{DataType: "json", Nullable: true}, rng))
	assert.IsType(t, "", GenerateValue(models.ColumnDescriptor{DataType: "json"}, rng))
	assert.Regexp(t, `^val_\d+$`, GenerateValue(models.ColumnDescriptor{DataType: "varchar"}, rng))
}

func TestDetectTimestampColumn(t *testing.T) {
	cols := []models.ColumnDescriptor{
		{Name: "id", DataType: "int"},
		{Name: "created", DataType: "datetime"},
		{Name: "ts", DataType: "timestamp"},
	}
	assert.Equal(t, "ts", DetectTimestampColumn(cols))

	assert.Equal(t, "created", DetectTimestampColumn(cols[:2]))
	assert.Equal(t, "", DetectTimestampColumn(cols[:1]))
}

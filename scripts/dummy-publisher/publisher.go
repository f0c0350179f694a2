package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/ekaya-inc/telemetry-mapper/pkg/adapters/datasource"
	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
	"github.com/ekaya-inc/telemetry-mapper/pkg/services"
	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// rowWriter is the part of a query executor the publisher needs.
type rowWriter interface {
	Dialect() sqlbuilder.Dialect
	ExecuteWithParams(ctx context.Context, sqlStatement string, params []any) (*datasource.ExecuteResult, error)
}

type publisher struct {
	writer   rowWriter
	table    string
	tsColumn string
	columns  []models.ColumnDescriptor
	rng      *rand.Rand
}

// newPublisher validates the target and splits the timestamp column off the
// value columns.
func newPublisher(writer rowWriter, table, tsColumn string, columns []models.ColumnDescriptor, rng *rand.Rand) (*publisher, error) {
	if err := sqlbuilder.ValidateTableName("table", table); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s not found or has no columns", table)
	}
	if tsColumn == "" {
		tsColumn = services.DetectTimestampColumn(columns)
		if tsColumn == "" {
			return nil, fmt.Errorf("no timestamp column detected in %s; set -timestamp-column", table)
		}
	}

	values := make([]models.ColumnDescriptor, 0, len(columns))
	found := false
	for _, c := range columns {
		if c.Name == tsColumn {
			found = true
			continue
		}
		if err := sqlbuilder.ValidateColumnName("column", c.Name); err != nil {
			return nil, err
		}
		values = append(values, c)
	}
	if !found {
		return nil, fmt.Errorf("timestamp column %q not in %s", tsColumn, table)
	}

	return &publisher{writer: writer, table: table, tsColumn: tsColumn, columns: values, rng: rng}, nil
}

// buildInsert renders one INSERT with NOW() for the timestamp column and a
// bound random value for every other column.
func (p *publisher) buildInsert() (string, []any) {
	d := p.writer.Dialect()
	names := make([]string, 0, len(p.columns)+1)
	marks := make([]string, 0, len(p.columns)+1)
	params := make([]any, 0, len(p.columns))

	names = append(names, d.QuoteIdentifier(p.tsColumn))
	marks = append(marks, "NOW()")
	for i, c := range p.columns {
		names = append(names, d.QuoteIdentifier(c.Name))
		marks = append(marks, d.Placeholder(i+1))
		params = append(params, services.GenerateValue(c, p.rng))
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlbuilder.QuoteQualified(d, p.table), strings.Join(names, ", "), strings.Join(marks, ", "))
	return stmt, params
}

func (p *publisher) insert(ctx context.Context) error {
	stmt, params := p.buildInsert()
	if _, err := p.writer.ExecuteWithParams(ctx, stmt, params); err != nil {
		return err
	}
	fmt.Printf("[dummy] Inserted row at NOW() with %d values\n", len(params))
	return nil
}

// run inserts immediately and then every interval until ctx is done. Insert
// errors are reported and do not stop the loop.
func (p *publisher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.insert(ctx); err != nil {
			fmt.Printf("[dummy] Insert error: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

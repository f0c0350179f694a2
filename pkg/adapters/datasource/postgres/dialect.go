package postgres

import (
	"strconv"

	"github.com/jackc/pgx/v5"

	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// Dialect is the PostgreSQL quoting and placeholder style.
type Dialect struct{}

func (Dialect) Engine() string { return "postgres" }

// QuoteIdentifier uses pgx's identifier sanitizer (double quotes, embedded
// quotes doubled).
func (Dialect) QuoteIdentifier(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

var _ sqlbuilder.Dialect = Dialect{}

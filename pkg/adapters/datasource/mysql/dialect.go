package mysql

import (
	"strings"

	sqlbuilder "github.com/ekaya-inc/telemetry-mapper/pkg/sql"
)

// Dialect is the MySQL quoting and placeholder style.
type Dialect struct{}

func (Dialect) Engine() string { return "mysql" }

// QuoteIdentifier wraps name in backticks, doubling embedded backticks.
func (Dialect) QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (Dialect) Placeholder(int) string { return "?" }

var _ sqlbuilder.Dialect = Dialect{}

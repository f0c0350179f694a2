package sql

import "strings"

// Dialect is the engine-specific part of query generation. Each datasource
// adapter provides one.
type Dialect interface {
	// Engine returns the engine name, e.g. "mysql".
	Engine() string

	// QuoteIdentifier quotes a single, already validated identifier part.
	QuoteIdentifier(name string) string

	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string
}

// QuoteQualified quotes each part of a dotted name.
func QuoteQualified(d Dialect, name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = d.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// QualifyTable prefixes an unqualified table with defaultSchema.
func QualifyTable(table, defaultSchema string) string {
	if defaultSchema == "" || strings.Contains(table, ".") {
		return table
	}
	return defaultSchema + "." + table
}

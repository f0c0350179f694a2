// Package sql builds dialect-correct telemetry queries from device mappings.
//
// Identifiers (tables, columns) cannot be bound as parameters, so they are
// checked against a strict allow-list and quoted before interpolation.
// Values are always bound.
package sql

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/telemetry-mapper/pkg/apperrors"
)

// MaxIdentifierLength is the longest identifier part accepted. MySQL caps
// identifiers at 64 characters, Postgres at 63 bytes; 64 is the common bound.
const MaxIdentifierLength = 64

// Wide sensor tables name columns after device UUIDs, so '-' is allowed
// after the first character.
var identifierPartPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_-]*$`)

// ValidateColumnName checks a single, unqualified column name.
func ValidateColumnName(field, name string) error {
	if name == "" {
		return apperrors.NewValidationError(field, "is required")
	}
	return validatePart(field, name, name)
}

// ValidateTableName checks a table reference. A table may be qualified with a
// schema (postgres) or database (mysql) as "qualifier.table".
func ValidateTableName(field, name string) error {
	if name == "" {
		return apperrors.NewValidationError(field, "is required")
	}
	parts := strings.Split(name, ".")
	if len(parts) > 2 {
		return apperrors.NewValidationError(field, "%q has too many qualifiers", name)
	}
	for _, p := range parts {
		if err := validatePart(field, name, p); err != nil {
			return err
		}
	}
	return nil
}

func validatePart(field, full, part string) error {
	if part == "" {
		return apperrors.NewValidationError(field, "%q contains an empty name segment", full)
	}
	if len(part) > MaxIdentifierLength {
		return apperrors.NewValidationError(field, "%q exceeds %d characters", part, MaxIdentifierLength)
	}
	if !identifierPartPattern.MatchString(part) {
		return apperrors.NewValidationError(field, "%q may only contain letters, digits, '_' and '-'", full)
	}
	return nil
}

// SplitQualified splits "schema.table" into its qualifier and table name.
// The qualifier is empty for unqualified names.
func SplitQualified(name string) (qualifier, table string) {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

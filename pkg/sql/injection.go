package sql

import (
	libinjection "github.com/corazawaf/libinjection-go"

	"github.com/ekaya-inc/telemetry-mapper/pkg/models"
)

// InjectionCheckResult contains the result of an injection check on a value.
type InjectionCheckResult struct {
	IsSQLi      bool   // True if SQL injection pattern detected
	Fingerprint string // libinjection fingerprint of the detected pattern
	Field       string // Name of the field that failed the check
	Value       string // The value that was checked
}

// CheckValueForInjection uses libinjection to detect SQL injection patterns
// in a value that will be bound as a query parameter.
//
// Bound values cannot change the statement, so a hit is a signal worth
// logging rather than a reason to reject the request.
//
// Returns nil if no injection is detected.
func CheckValueForInjection(field, value string) *InjectionCheckResult {
	if value == "" {
		return nil
	}

	isSQLi, fingerprint := libinjection.IsSQLi(value)
	if !isSQLi {
		return nil
	}
	return &InjectionCheckResult{
		IsSQLi:      true,
		Fingerprint: string(fingerprint),
		Field:       field,
		Value:       value,
	}
}

// CheckTargetValues screens the caller-supplied values of a mapping target.
// Only long-table identifier values are bound; pivot identifiers are column
// names and go through identifier validation instead.
func CheckTargetValues(target models.MappingTarget) []*InjectionCheckResult {
	if target.IsPivot() {
		return nil
	}
	var results []*InjectionCheckResult
	if r := CheckValueForInjection("device_identifier_value", target.DeviceIdentifierValue); r != nil {
		results = append(results, r)
	}
	return results
}

package planparse

import "fmt"

// MalformedPlanError reports an execution-statistics document that lacks a
// field the parser needs. The parser never substitutes defaults for required
// fields, so callers must not record a sample when this is returned.
type MalformedPlanError struct {
	Field  string
	Reason string
}

func (e *MalformedPlanError) Error() string {
	return "planparse: malformed plan: " + e.Detail()
}

// Detail describes the problem without the package prefix.
func (e *MalformedPlanError) Detail() string {
	if e.Reason == "" {
		return fmt.Sprintf("%q missing", e.Field)
	}
	return fmt.Sprintf("%q %s", e.Field, e.Reason)
}

func missing(field string) error { return &MalformedPlanError{Field: field} }

func invalid(field, reason string) error {
	return &MalformedPlanError{Field: field, Reason: reason}
}

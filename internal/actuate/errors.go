package actuate

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError means the DDL did not finish within the build timeout. Any
// partial index has been dropped (best effort).
type TimeoutError struct {
	Index string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("actuate: %s timed out after %s", e.Index, e.After)
}

func (e *TimeoutError) Reason() string { return "timeout" }

// DDLExecutionError means the database rejected the statement.
type DDLExecutionError struct {
	Index string
	Err   error
}

func (e *DDLExecutionError) Error() string {
	return fmt.Sprintf("actuate: %s: %v", e.Index, e.Err)
}

func (e *DDLExecutionError) Unwrap() error { return e.Err }

func (e *DDLExecutionError) Reason() string { return "ddl_error: " + e.Err.Error() }

// ValidationError means the build completed but Postgres marked the index
// invalid or not ready. The index has been dropped.
type ValidationError struct {
	Index string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("actuate: index %s is not valid after build", e.Index)
}

func (e *ValidationError) Reason() string { return "invalid_index" }

// RefusedError means the actuator declined to touch an index it does not own.
type RefusedError struct {
	Index string
	Why   string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("actuate: refusing to drop %s: %s", e.Index, e.Why)
}

func (e *RefusedError) Reason() string { return "refused: " + e.Why }

// ParameterError means the action carried unusable build parameters.
type ParameterError struct {
	Name   string
	Reason string
}

func (e *ParameterError) Error() string {
	return fmt.Sprintf("actuate: parameter %s: %s", e.Name, e.Reason)
}

// Reason returns the failure reason recorded for err.
func Reason(err error) string {
	var r interface{ Reason() string }
	if errors.As(err, &r) {
		return r.Reason()
	}
	var perr *ParameterError
	if errors.As(err, &perr) {
		return "invalid_parameters: " + perr.Name + " " + perr.Reason
	}
	return err.Error()
}

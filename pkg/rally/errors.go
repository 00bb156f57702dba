package rally

import (
	"fmt"
	"strings"
)

// ValidationError is returned before any remote call when arguments are
// missing or malformed.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// NotFoundError names an entity a lookup required but did not find.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	if e.Key == "" {
		return e.Entity + " not found"
	}
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Key)
}

// OperationError carries the Errors array of a WSAPI response.
type OperationError struct {
	Operation string
	Errors    []string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("rally %s failed: %s", e.Operation, strings.Join(e.Errors, "; "))
}

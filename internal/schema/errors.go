package schema

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by validation.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(result.Err, schema.ErrSchema) {
//	    // shape is wrong; inspect *SchemaError for every violated field
//	}
var (
	// ErrParse indicates the raw bytes are not well-formed JSON.
	ErrParse = errors.New("schema: document is not well-formed JSON")

	// ErrSchema indicates the parsed value does not match the expected shape.
	// The concrete error is a [*SchemaError] listing every violated field.
	ErrSchema = errors.New("schema: document shape is invalid")
)

// FieldViolation names one violated field constraint.
type FieldViolation struct {
	Field  string // JSON path, e.g. "metadata.version" or "tasks[3].date"
	Reason string
}

func (v FieldViolation) String() string {
	return v.Field + ": " + v.Reason
}

// SchemaError enumerates every violated field constraint, not just the first.
//
// Matches [ErrSchema] under [errors.Is].
type SchemaError struct {
	Violations []FieldViolation
}

// Error lists all violations on one line.
func (e *SchemaError) Error() string {
	if len(e.Violations) == 0 {
		return ErrSchema.Error()
	}

	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.String()
	}

	return fmt.Sprintf("%s: %s", ErrSchema.Error(), strings.Join(parts, "; "))
}

// Is matches [ErrSchema] so callers can use errors.Is without knowing the
// concrete type.
func (e *SchemaError) Is(target error) bool {
	return target == ErrSchema
}

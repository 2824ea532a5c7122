package patient

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDuplicateEmail is returned when the email-uniqueness invariant would be
// violated, whether caught by the advisory pre-check or by the store's atomic
// constraint. Store-level constraint violations are always translated to this
// error before they leave the service.
var ErrDuplicateEmail = errors.New("a patient with this email already exists")

// ErrNotFound is returned when an operation targets a nonexistent patient.
var ErrNotFound = errors.New("patient not found")

// FieldError names a single offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports malformed or missing input fields. It is produced
// before any store access, so a validation failure guarantees zero side
// effects.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Field
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(names, ", "))
}

package model

import (
	"fmt"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// maxTitleLen bounds update titles, in characters.
const maxTitleLen = 200

// ValidateUpdate checks an update record before it is appended. A nil
// payload is allowed and is replaced with the zero payload by the log.
func ValidateUpdate(r *UpdateRecord) error {
	var ve ValidationError
	if !r.Type.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "type", Message: fmt.Sprintf("unknown update type %q", r.Type)})
	}
	if !r.Stage.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", r.Stage)})
	}
	if !r.Role.IsValid() {
		ve.Errors = append(ve.Errors, FieldError{Field: "role", Message: fmt.Sprintf("unknown role %q", r.Role)})
	}
	if r.Data != nil && r.Type.IsValid() && r.Data.UpdateType() != r.Type {
		ve.Errors = append(ve.Errors, FieldError{
			Field:   "data",
			Message: fmt.Sprintf("payload is %s, want %s", r.Data.UpdateType(), r.Type),
		})
	}
	if len([]rune(r.Title)) > maxTitleLen {
		ve.Errors = append(ve.Errors, FieldError{Field: "title", Message: fmt.Sprintf("must be %d characters or fewer", maxTitleLen)})
	}
	if ve.HasErrors() {
		return &ve
	}
	return nil
}

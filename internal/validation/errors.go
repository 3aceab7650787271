package validation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// FieldError names one offending input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a client-facing rejection. Status is the HTTP status the
// gateway answers with; Code is a stable machine-readable identifier.
type ValidationError struct {
	Status       int          `json:"-"`
	Code         string       `json:"code"`
	Message      string       `json:"message"`
	Requirements []string     `json:"requirements,omitempty"`
	Details      []FieldError `json:"details,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Message)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
}

// New builds a ValidationError. A zero status means 400.
func New(status int, code, message string) *ValidationError {
	if status == 0 {
		status = http.StatusBadRequest
	}
	return &ValidationError{Status: status, Code: code, Message: message}
}

func Errorf(status int, code, format string, args ...any) *ValidationError {
	return New(status, code, fmt.Sprintf(format, args...))
}

func (e *ValidationError) WithDetail(field, message string) *ValidationError {
	e.Details = append(e.Details, FieldError{Field: field, Message: message})
	return e
}

func (e *ValidationError) WithRequirements(reqs []string) *ValidationError {
	e.Requirements = append([]string(nil), reqs...)
	return e
}

// As extracts a *ValidationError from err.
func As(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

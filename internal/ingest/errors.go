package ingest

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ValidationError means an export file does not match the provider's schema.
// Nothing from the file is stored when it is returned.
type ValidationError struct {
	File       string
	Line       int
	Diagnostic string
	Err        error
}

func (e *ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("export %s line %d: %s", e.File, e.Line, e.Diagnostic)
	}
	return fmt.Sprintf("export %s: %s", e.File, e.Diagnostic)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Kind() string { return "validation" }

// describe flattens validator output into one diagnostic line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "numeric":
			parts = append(parts, fmt.Sprintf("%s: %q is not numeric", fe.Field(), fe.Value()))
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return strings.Join(parts, "; ")
}

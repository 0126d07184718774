package query

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

// FieldError names the request field a query failed on.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Kind is the machine-readable error kind reported to API clients.
func (e *FieldError) Kind() string {
	var kinded interface{ Kind() string }
	if errors.As(e.Err, &kinded) {
		return kinded.Kind()
	}
	switch {
	case errors.Is(e.Err, weather.ErrUnknownProvider):
		return "unknown_provider"
	case errors.Is(e.Err, ErrInvalidRange):
		return "invalid_time_range"
	}
	return "invalid_request"
}

func fieldError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &FieldError{Field: "request", Err: err}
	}
	fe := verrs[0]
	msg := fmt.Sprintf("failed %q validation", fe.Tag())
	if fe.Tag() == "required" {
		msg = "is required"
	}
	return &FieldError{Field: fe.Field(), Err: errors.New(msg)}
}

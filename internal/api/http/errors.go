package httpapi

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/meteo-gateway/internal/export"
	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/query"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// requestError is a malformed request attributed to one field.
type requestError struct {
	field string
	err   error
}

func (e *requestError) Error() string { return e.field + ": " + e.err.Error() }

func (e *requestError) Unwrap() error { return e.err }

func badRequest(field string, err error) error {
	return &requestError{field: field, err: err}
}

type errorBody struct {
	Error   bool   `json:"error"`
	Kind    string `json:"kind"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// ErrorHandler renders every handler error as {error, kind, field, message}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code, body := classify(err)
	return c.Status(code).JSON(body)
}

func classify(err error) (int, errorBody) {
	body := errorBody{Error: true, Kind: "internal", Message: err.Error()}

	var (
		fiberErr *fiber.Error
		fieldErr *query.FieldError
		inputErr *timezone.InputError
		reqErr   *requestError
	)
	switch {
	case errors.As(err, &reqErr):
		body.Field = reqErr.field
		body.Kind = kindOf(reqErr.err, "invalid_request")
		return fiber.StatusBadRequest, body

	case errors.As(err, &fiberErr):
		body.Kind = "http"
		body.Message = fiberErr.Message
		return fiberErr.Code, body

	case errors.As(err, &fieldErr):
		body.Kind = fieldErr.Kind()
		body.Field = fieldErr.Field
		if body.Kind == "unknown_provider" {
			return fiber.StatusNotFound, body
		}
		return fiber.StatusBadRequest, body

	case errors.As(err, &inputErr):
		body.Field = inputErr.Input
		body.Kind = kindOf(inputErr.Err, "invalid_request")
		return fiber.StatusBadRequest, body

	case errors.Is(err, weather.ErrUnknownProvider):
		body.Kind = "unknown_provider"
		body.Field = "provider"
		return fiber.StatusNotFound, body

	case errors.Is(err, weather.ErrUnknownStation):
		body.Kind = "unknown_station"
		body.Field = "station"
		return fiber.StatusNotFound, body

	case errors.Is(err, jobs.ErrNotFound):
		body.Kind = "job_not_found"
		body.Field = "id"
		return fiber.StatusNotFound, body

	case errors.Is(err, export.ErrInvalidDates):
		body.Kind = "invalid_dates"
		body.Field = "end"
		return fiber.StatusBadRequest, body
	}

	body.Message = "internal server error"
	return fiber.StatusInternalServerError, body
}

func kindOf(err error, fallback string) string {
	var kinded interface{ Kind() string }
	if errors.As(err, &kinded) {
		return kinded.Kind()
	}
	return fallback
}

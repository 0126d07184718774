package httpapi

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/query"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "meteo-gateway"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Exporter starts export jobs and reports on them.
type Exporter interface {
	Submit(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error)
	Get(ctx context.Context, id string) (*jobs.ExportJob, error)
	List(ctx context.Context) ([]*jobs.ExportJob, error)
}

// Deps are the services behind the HTTP surface.
type Deps struct {
	Query   *query.Engine
	Catalog *weather.Catalog
	Exports Exporter
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": ServiceName,
		})
	})

	app.Post("/query", func(c *fiber.Ctx) error {
		var req query.Request
		if err := c.BodyParser(&req); err != nil {
			return badRequest("body", fmt.Errorf("invalid JSON body: %w", err))
		}

		resp, err := deps.Query.Query(c.UserContext(), req)
		if err != nil {
			return err
		}
		return c.JSON(resp)
	})

	app.Get("/query", func(c *fiber.Ctx) error {
		resp, err := deps.Query.Query(c.UserContext(), queryFromParams(c))
		if err != nil {
			return err
		}
		return c.JSON(resp)
	})

	app.Get("/timezones", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"timezones": timezone.Zones()})
	})

	app.Get("/timezones/convert", func(c *fiber.Ctx) error {
		var q convertQuery
		q.bind(c)
		if err := validate.Struct(q); err != nil {
			return validationError(err)
		}

		converted, err := timezone.Convert(q.DatetimeStr, q.FromTZ, q.ToTZ)
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"datetime": converted})
	})

	app.Get("/providers", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"providers": deps.Catalog.Providers()})
	})

	app.Get("/providers/:provider/stations", func(c *fiber.Ctx) error {
		p, err := deps.Catalog.Provider(c.Params("provider"))
		if err != nil {
			return err
		}
		stations := p.Stations
		if stations == nil {
			stations = []weather.Station{}
		}
		return c.JSON(fiber.Map{"provider": p.ID, "stations": stations})
	})

	app.Post("/exports", func(c *fiber.Ctx) error {
		var req exportRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest("body", fmt.Errorf("invalid JSON body: %w", err))
		}
		if err := validate.Struct(req); err != nil {
			return validationError(err)
		}
		start, err := timezone.ParseDate(req.Start)
		if err != nil {
			return badRequest("start", err)
		}
		end, err := timezone.ParseDate(req.End)
		if err != nil {
			return badRequest("end", err)
		}

		job, err := deps.Exports.Submit(c.UserContext(), req.Provider, req.Station, start, end)
		if err != nil {
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(job)
	})

	app.Get("/exports", func(c *fiber.Ctx) error {
		list, err := deps.Exports.List(c.UserContext())
		if err != nil {
			return err
		}
		if list == nil {
			list = []*jobs.ExportJob{}
		}
		return c.JSON(fiber.Map{"jobs": list})
	})

	app.Get("/exports/:id", func(c *fiber.Ctx) error {
		job, err := deps.Exports.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}
		return c.JSON(job)
	})
}

// convertQuery holds query parameters for the conversion endpoint.
type convertQuery struct {
	DatetimeStr string `json:"datetime_str" validate:"required"`
	FromTZ      string `json:"from_tz" validate:"required"`
	ToTZ        string `json:"to_tz" validate:"required"`
}

func (q *convertQuery) bind(c *fiber.Ctx) {
	q.DatetimeStr = c.Query("datetime_str")
	q.FromTZ = c.Query("from_tz")
	q.ToTZ = c.Query("to_tz")
}

// queryFromParams builds a query from URL parameters. start_date and end_date are
// accepted for start_time and end_time; variables may repeat or be comma separated.
func queryFromParams(c *fiber.Ctx) query.Request {
	req := query.Request{
		Provider:  c.Query("provider"),
		StartTime: c.Query("start_time", c.Query("start_date")),
		EndTime:   c.Query("end_time", c.Query("end_date")),
		Timezone:  c.Query("timezone"),
		Resample:  c.Query("resample"),
		Fetch:     c.Query("fetch"),
	}
	if station := c.Query(weather.StationTag); station != "" {
		req.Tags = map[string]string{weather.StationTag: station}
	}

	args := c.Context().QueryArgs()
	for _, key := range []string{"variables", "fields"} {
		for _, raw := range args.PeekMulti(key) {
			for _, v := range strings.Split(string(raw), ",") {
				if v = strings.TrimSpace(v); v != "" {
					req.Fields = append(req.Fields, v)
				}
			}
		}
	}
	return req
}

// exportRequest triggers an export of a local date range, both ends inclusive.
type exportRequest struct {
	Provider string `json:"provider" validate:"required"`
	Station  string `json:"station" validate:"required"`
	Start    string `json:"start" validate:"required"`
	End      string `json:"end" validate:"required"`
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return badRequest("request", err)
	}
	fe := verrs[0]
	return badRequest(fe.Field(), fmt.Errorf("failed %q validation", fe.Tag()))
}

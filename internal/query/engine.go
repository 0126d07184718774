package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

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

// ErrInvalidRange is returned when the resolved start is after the resolved end.
var ErrInvalidRange = errors.New("start_time is after end_time")

// Request is a normalized time-series query.
type Request struct {
	Provider  string            `json:"provider" validate:"required"`
	StartTime string            `json:"start_time" validate:"required"`
	EndTime   string            `json:"end_time" validate:"required"`
	Tags      map[string]string `json:"tags" validate:"omitempty,dive,keys,required,endkeys"`
	Fields    []string          `json:"fields" validate:"omitempty,unique,dive,required"`
	// Timezone interprets naive start/end and overrides the response zone.
	Timezone string `json:"timezone"`
	// Resample is a Go duration such as "1h"; empty returns raw records.
	Resample string `json:"resample"`
	// Fetch decides whether missing data is exported before answering.
	Fetch string `json:"fetch" validate:"omitempty,oneof=none async wait"`
}

// Row is one record in a response. It serializes flat: datetime, then tags and fields.
type Row struct {
	Datetime string
	Tags     map[string]string
	Fields   map[string]float64
}

func (r Row) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Tags)+len(r.Fields)+1)
	for k, v := range r.Tags {
		out[k] = v
	}
	for k, v := range r.Fields {
		out[k] = v
	}
	out["datetime"] = r.Datetime
	return json.Marshal(out)
}

type TimeRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Metadata struct {
	Provider       string            `json:"provider"`
	Tags           map[string]string `json:"tags"`
	Fields         []string          `json:"fields"`
	QueryTimezone  string            `json:"query_timezone"`
	ResultTimezone string            `json:"result_timezone"`
	Resample       string            `json:"resample,omitempty"`
	Fetches        []FetchInfo       `json:"fetches,omitempty"`
}

type Response struct {
	Data      []Row     `json:"data"`
	Count     int       `json:"count"`
	TimeRange TimeRange `json:"time_range"`
	Metadata  Metadata  `json:"metadata"`
}

// Engine answers queries against a record store.
type Engine struct {
	catalog *weather.Catalog
	store   weather.Store
	aggs    map[string]weather.AggFunc
	now     func() time.Time

	backfill *backfill
}

func NewEngine(catalog *weather.Catalog, store weather.Store, aggs map[string]weather.AggFunc) *Engine {
	if aggs == nil {
		aggs = weather.DefaultAggregation
	}
	return &Engine{catalog: catalog, store: store, aggs: aggs, now: time.Now}
}

// Query resolves the request range with the provider's zone, fetches the matching
// records and renders them in the response zone.
func (e *Engine) Query(ctx context.Context, req Request) (Response, error) {
	if err := validate.Struct(req); err != nil {
		return Response{}, fieldError(err)
	}

	provider, err := e.catalog.Provider(req.Provider)
	if err != nil {
		return Response{}, &FieldError{Field: "provider", Err: err}
	}

	var override *time.Location
	if req.Timezone != "" {
		if override, err = timezone.LoadZone(req.Timezone); err != nil {
			return Response{}, &FieldError{Field: "timezone", Err: err}
		}
	}

	var interval time.Duration
	if req.Resample != "" {
		interval, err = time.ParseDuration(req.Resample)
		if err == nil && interval <= 0 {
			err = fmt.Errorf("must be positive")
		}
		if err != nil {
			return Response{}, &FieldError{Field: "resample", Err: fmt.Errorf("invalid interval %q: %w", req.Resample, err)}
		}
	}

	rng, err := timezone.ResolveRange(req.StartTime, req.EndTime, req.Timezone, provider.Timezone)
	if err != nil {
		var input *timezone.InputError
		if errors.As(err, &input) {
			return Response{}, &FieldError{Field: input.Input, Err: input.Err}
		}
		return Response{}, &FieldError{Field: "end_time", Err: err}
	}
	if rng.Start.After(rng.End) {
		return Response{}, &FieldError{Field: "end_time", Err: ErrInvalidRange}
	}

	mode, err := e.fetchMode(req.Fetch)
	if err != nil {
		return Response{}, err
	}
	var fetches []FetchInfo
	if mode != FetchNone {
		if fetches, err = e.fetchMissing(ctx, provider, req.Tags, rng.Start, rng.End, mode); err != nil {
			return Response{}, err
		}
	}

	loc := override
	if loc == nil {
		if loc, err = rng.StartSpec.Location(); err != nil {
			return Response{}, &FieldError{Field: "start_time", Err: err}
		}
	}

	candidates, err := e.store.Range(ctx, provider.ID, rng.Start, rng.End)
	if err != nil {
		return Response{}, fmt.Errorf("fetch records: %w", err)
	}

	records := make([]weather.Record, 0, len(candidates))
	for _, r := range candidates {
		if !r.MatchesTags(req.Tags) {
			continue
		}
		if len(req.Fields) > 0 {
			r = project(r, req.Fields)
			if len(r.Fields) == 0 {
				continue
			}
		}
		records = append(records, r)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Time.Before(records[j].Time) })
	records = weather.Resample(records, interval, e.aggs)

	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	resp := Response{
		Data:  make([]Row, len(records)),
		Count: len(records),
		Metadata: Metadata{
			Provider:       provider.ID,
			Tags:           tags,
			QueryTimezone:  rng.StartSpec.Zone,
			ResultTimezone: zoneName(loc, req.Timezone),
			Resample:       req.Resample,
			Fetches:        fetches,
		},
	}

	instants := make([]time.Time, len(records))
	for i, r := range records {
		instants[i] = r.Time
	}
	rendered := timezone.RenderOutput(instants, loc)
	for i, r := range records {
		resp.Data[i] = Row{Datetime: rendered[i], Tags: r.Tags, Fields: r.Fields}
	}

	if len(records) > 0 {
		resp.TimeRange = TimeRange{Start: rendered[0], End: rendered[len(rendered)-1]}
	} else {
		bounds := timezone.RenderOutput([]time.Time{rng.Start, rng.End}, loc)
		resp.TimeRange = TimeRange{Start: bounds[0], End: bounds[1]}
	}
	resp.Metadata.Fields = fieldNames(records, req.Fields)
	return resp, nil
}

func project(r weather.Record, fields []string) weather.Record {
	out := r
	out.Fields = make(map[string]float64, len(fields))
	for _, f := range fields {
		if v, ok := r.Fields[f]; ok {
			out.Fields[f] = v
		}
	}
	return out
}

// fieldNames is the requested projection, or every field seen in sorted order.
func fieldNames(records []weather.Record, requested []string) []string {
	if len(requested) > 0 {
		return requested
	}
	seen := make(map[string]struct{})
	for _, r := range records {
		for f := range r.Fields {
			seen[f] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for f := range seen {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func zoneName(loc *time.Location, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return loc.String()
}

package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

var validate = validator.New()

const defaultTimestampColumn = "datetime"

var missingValues = map[string]struct{}{"": {}, "-": {}, "nan": {}, "null": {}, "n/a": {}}

type exportHeader struct {
	Columns []string `validate:"min=2,unique,dive,required"`
}

type exportRow struct {
	Timestamp string            `validate:"required"`
	Values    map[string]string `validate:"dive,keys,required,endkeys,numeric"`
}

// Ingester turns downloaded export files into stored records.
type Ingester struct {
	store  weather.Store
	now    func() time.Time
	logger *zap.SugaredLogger
}

func New(store weather.Store, logger *zap.SugaredLogger) *Ingester {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Ingester{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// IngestFile validates the file at path and stores all of its rows, or none of them.
func (i *Ingester) IngestFile(ctx context.Context, provider weather.Provider, station weather.Station, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open export: %w", err)
	}
	defer f.Close()

	records, err := i.Parse(provider, station, filepath.Base(path), f)
	if err != nil {
		return 0, err
	}
	if err := i.store.Insert(ctx, records); err != nil {
		return 0, fmt.Errorf("store records: %w", err)
	}

	i.logger.Infow("ingested export", "provider", provider.ID, "station", station.ID, "file", filepath.Base(path), "records", len(records))
	return len(records), nil
}

// Parse reads a delimited export into records stamped with canonical UTC instants.
func (i *Ingester) Parse(provider weather.Provider, station weather.Station, name string, r io.Reader) ([]weather.Record, error) {
	format := provider.Format

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	if format.Delimiter != "" {
		delim, _ := utf8.DecodeRuneInString(format.Delimiter)
		reader.Comma = delim
	}

	rawHeader, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{File: name, Diagnostic: "empty export", Err: err}
		}
		return nil, csvError(name, err)
	}

	columns := make([]string, len(rawHeader))
	for idx, col := range rawHeader {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if renamed, ok := format.Rename[col]; ok {
			col = renamed
		}
		columns[idx] = col
	}
	if err := validate.Struct(exportHeader{Columns: columns}); err != nil {
		return nil, &ValidationError{File: name, Line: 1, Diagnostic: "header: " + describe(err), Err: err}
	}

	tsColumn := format.TimestampColumn
	if tsColumn == "" {
		tsColumn = defaultTimestampColumn
	}
	tsIdx, stationIdx := -1, -1
	for idx, col := range columns {
		switch col {
		case tsColumn:
			tsIdx = idx
		case weather.StationTag:
			stationIdx = idx
		}
	}
	if tsIdx < 0 {
		return nil, &ValidationError{File: name, Line: 1, Diagnostic: fmt.Sprintf("missing timestamp column %q", tsColumn)}
	}

	// Rows are served flat, so a value column must not shadow the datetime key or a tag.
	tags := station.TagSet()
	for idx, col := range columns {
		if idx == tsIdx || idx == stationIdx {
			continue
		}
		if _, isTag := tags[col]; isTag || col == rowTimeKey {
			return nil, &ValidationError{File: name, Line: 1,
				Diagnostic: fmt.Sprintf("column %q collides with the %s key of served rows", col, collisionKind(col))}
		}
	}
	ingestedAt := i.now()

	var records []weather.Record
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, csvError(name, err)
		}
		line, _ := reader.FieldPos(0)

		row := exportRow{
			Timestamp: strings.TrimSpace(fields[tsIdx]),
			Values:    make(map[string]string, len(fields)),
		}
		for idx, raw := range fields {
			if idx == tsIdx || idx == stationIdx {
				continue
			}
			v := strings.TrimSpace(raw)
			if _, missing := missingValues[strings.ToLower(v)]; missing {
				continue
			}
			if format.DecimalComma {
				v = strings.Replace(v, ",", ".", 1)
			}
			row.Values[columns[idx]] = v
		}
		if err := validate.Struct(row); err != nil {
			return nil, &ValidationError{File: name, Line: line, Diagnostic: describe(err), Err: err}
		}

		if stationIdx >= 0 {
			if got := strings.TrimSpace(fields[stationIdx]); got != "" && got != station.ID {
				return nil, &ValidationError{File: name, Line: line,
					Diagnostic: fmt.Sprintf("row belongs to station %q, expected %q", got, station.ID)}
			}
		}

		instant, err := resolveTimestamp(row.Timestamp, format.TimestampLayout, provider.Timezone)
		if err != nil {
			var invalid *timezone.InvalidTimestampError
			if errors.As(err, &invalid) {
				return nil, &ValidationError{File: name, Line: line, Diagnostic: err.Error(), Err: err}
			}
			return nil, fmt.Errorf("export %s line %d: %w", name, line, err)
		}

		if len(row.Values) == 0 {
			continue
		}
		values := make(map[string]float64, len(row.Values))
		for col, v := range row.Values {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, &ValidationError{File: name, Line: line, Diagnostic: fmt.Sprintf("%s: %v", col, err), Err: err}
			}
			if scale, ok := format.Scale[col]; ok {
				f *= scale
			}
			values[col] = f
		}

		records = append(records, weather.Record{
			Provider:   provider.ID,
			Tags:       tags,
			Time:       instant,
			Fields:     values,
			IngestedAt: ingestedAt,
		})
	}
	return records, nil
}

// rowTimeKey is the key query responses carry each record's time under.
const rowTimeKey = "datetime"

func collisionKind(col string) string {
	if col == rowTimeKey {
		return "time"
	}
	return "tag"
}

// resolveTimestamp applies the provider layout, if any, then the usual zone precedence
// with the provider zone as default.
func resolveTimestamp(raw, layout, zone string) (time.Time, error) {
	if layout == "" {
		instant, _, err := timezone.ResolveInput(raw, "", zone)
		return instant, err
	}

	t, err := time.Parse(layout, raw)
	if err != nil {
		return time.Time{}, &timezone.InvalidTimestampError{Value: raw}
	}
	// Layouts with a zone field ("-0700", "Z07:00") carry their own offset.
	if strings.Contains(layout, "07") {
		return t.UTC(), nil
	}
	loc, err := timezone.LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return timezone.LocalToInstant(t, loc)
}

func csvError(name string, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &ValidationError{File: name, Line: perr.Line, Diagnostic: perr.Err.Error(), Err: err}
	}
	return &ValidationError{File: name, Diagnostic: err.Error(), Err: err}
}

package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

const provinceMeteoURL = "http://daten.buergernetz.bz.it/services/meteo/v1"

const provinceDateLayout = "200601021504"

// provinceOffsets maps the zone suffixes the province API appends to its local times.
var provinceOffsets = map[string]time.Duration{
	"UTC":  0,
	"GMT":  0,
	"Z":    0,
	"CET":  time.Hour,
	"CEST": 2 * time.Hour,
}

// ProvinceBrowser serves the South Tyrol province open-data meteo API: one series per
// station sensor, pivoted into one row per instant.
type ProvinceBrowser struct {
	*feedBase
}

func NewProvinceBrowser(provider weather.Provider, client *http.Client, backoff BackoffConfig, cb *gobreaker.CircuitBreaker, logger *zap.SugaredLogger) (*ProvinceBrowser, error) {
	base, err := newFeedBase(provider, provinceMeteoURL, client, backoff, cb, logger)
	if err != nil {
		return nil, err
	}
	return &ProvinceBrowser{feedBase: base}, nil
}

func (p *ProvinceBrowser) endpoint(path string, q url.Values) string {
	return strings.TrimSuffix(p.baseURL, "/") + path + "?" + q.Encode()
}

func (p *ProvinceBrowser) RequestExport(ctx context.Context, req session.ExportRequest) error {
	if req.Station.ID == "" {
		return fmt.Errorf("export request without station")
	}
	return p.start(req, func(ctx context.Context) (feedTable, error) {
		return p.fetch(ctx, req.Station.ID, req.From, req.To)
	})
}

// sensors returns the configured sensor codes, or every sensor the station reports.
func (p *ProvinceBrowser) sensors(ctx context.Context, station string) ([]string, error) {
	if len(p.provider.Feed.Variables) > 0 {
		return p.provider.Feed.Variables, nil
	}

	var listed []struct {
		Type string `json:"TYPE"`
	}
	if err := p.getJSON(ctx, p.endpoint("/sensors", url.Values{"station_code": {station}}), &listed); err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(listed))
	var codes []string
	for _, s := range listed {
		if _, dup := seen[s.Type]; dup || s.Type == "" {
			continue
		}
		seen[s.Type] = struct{}{}
		codes = append(codes, s.Type)
	}
	sort.Strings(codes)
	if len(codes) == 0 {
		return nil, fmt.Errorf("%w: station %s lists no sensors", session.ErrUnexpectedLayout, station)
	}
	return codes, nil
}

func (p *ProvinceBrowser) fetch(ctx context.Context, station string, from, to time.Time) (feedTable, error) {
	codes, err := p.sensors(ctx, station)
	if err != nil {
		return feedTable{}, err
	}

	byInstant := make(map[time.Time]map[string]string)
	for _, code := range codes {
		q := url.Values{
			"station_code": {station},
			"sensor_code":  {code},
			"date_from":    {from.In(p.loc).Format(provinceDateLayout)},
			"date_to":      {to.In(p.loc).Format(provinceDateLayout)},
		}
		var points []struct {
			Date  string   `json:"DATE"`
			Value *float64 `json:"VALUE"`
		}
		if err := p.getJSON(ctx, p.endpoint("/timeseries", q), &points); err != nil {
			return feedTable{}, fmt.Errorf("sensor %s: %w", code, err)
		}
		if len(points) == 0 {
			p.logger.Debugw("sensor returned no data", "station", station, "sensor", code)
		}

		for _, pt := range points {
			t, err := parseProvinceTime(pt.Date, p.loc)
			if err != nil {
				return feedTable{}, fmt.Errorf("%w: sensor %s: %v", session.ErrUnexpectedLayout, code, err)
			}
			if !inRange(t, from, to) {
				continue
			}
			row, ok := byInstant[t]
			if !ok {
				row = map[string]string{"datetime": t.Format(time.RFC3339)}
				byInstant[t] = row
			}
			if pt.Value != nil {
				row[code] = strconv.FormatFloat(*pt.Value, 'f', -1, 64)
			}
		}
	}

	instants := make([]time.Time, 0, len(byInstant))
	for t := range byInstant {
		instants = append(instants, t)
	}
	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })

	table := feedTable{columns: codes, rows: make([]map[string]string, len(instants))}
	for i, t := range instants {
		table.rows[i] = byInstant[t]
	}
	return table, nil
}

// parseProvinceTime reads "2025-10-26T02:30:00CEST". The zone suffix decides between the
// two copies of a repeated hour; without one the time is resolved in loc.
func parseProvinceTime(raw string, loc *time.Location) (time.Time, error) {
	wall := strings.TrimRightFunc(raw, unicode.IsLetter)
	suffix := raw[len(wall):]

	naive, err := time.Parse("2006-01-02T15:04:05", wall)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", raw)
	}
	if offset, ok := provinceOffsets[suffix]; ok {
		return naive.Add(-offset).UTC(), nil
	}
	if suffix != "" {
		return time.Time{}, fmt.Errorf("unknown zone suffix in %q", raw)
	}
	t, err := timezone.LocalToInstant(naive, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

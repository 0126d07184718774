package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

const openMeteoArchiveURL = "https://archive-api.open-meteo.com/v1/archive"

// DefaultFeedVariables is the hourly set requested when a feed provider lists none.
var DefaultFeedVariables = []string{
	"temperature_2m",
	"relative_humidity_2m",
	"precipitation",
	"wind_speed_10m",
	"wind_direction_10m",
	"wind_gusts_10m",
	"snow_depth",
	"cloud_cover",
}

// FeedBrowser serves the Open-Meteo archive API. The archive is asked for UTC unix
// times, so a fall-back day yields 25 distinct hours.
type FeedBrowser struct {
	*feedBase
}

func NewFeedBrowser(provider weather.Provider, client *http.Client, backoff BackoffConfig, cb *gobreaker.CircuitBreaker, logger *zap.SugaredLogger) (*FeedBrowser, error) {
	base, err := newFeedBase(provider, openMeteoArchiveURL, client, backoff, cb, logger)
	if err != nil {
		return nil, err
	}
	return &FeedBrowser{feedBase: base}, nil
}

func (p *FeedBrowser) variables() []string {
	if len(p.provider.Feed.Variables) > 0 {
		return p.provider.Feed.Variables
	}
	return DefaultFeedVariables
}

// archiveURL covers the UTC days overlapping [From, To); rows outside are dropped later.
func (p *FeedBrowser) archiveURL(req session.ExportRequest) (string, error) {
	st := req.Station
	if st.Latitude == nil || st.Longitude == nil {
		return "", fmt.Errorf("station %s has no coordinates", st.ID)
	}

	values := url.Values{}
	values.Set("latitude", strconv.FormatFloat(*st.Latitude, 'f', -1, 64))
	values.Set("longitude", strconv.FormatFloat(*st.Longitude, 'f', -1, 64))
	values.Set("start_date", req.From.UTC().Format("2006-01-02"))
	values.Set("end_date", req.To.Add(-time.Second).UTC().Format("2006-01-02"))
	values.Set("hourly", strings.Join(p.variables(), ","))
	values.Set("timezone", "GMT")
	values.Set("timeformat", "unixtime")

	return fmt.Sprintf("%s?%s", p.baseURL, values.Encode()), nil
}

func (p *FeedBrowser) RequestExport(ctx context.Context, req session.ExportRequest) error {
	u, err := p.archiveURL(req)
	if err != nil {
		return err
	}
	return p.start(req, func(ctx context.Context) (feedTable, error) {
		return p.fetch(ctx, u, req.From, req.To)
	})
}

func (p *FeedBrowser) fetch(ctx context.Context, u string, from, to time.Time) (feedTable, error) {
	var payload struct {
		Hourly map[string]json.RawMessage `json:"hourly"`
	}
	if err := p.getJSON(ctx, u, &payload); err != nil {
		return feedTable{}, err
	}

	var times []int64
	if raw, ok := payload.Hourly["time"]; ok {
		if err := json.Unmarshal(raw, &times); err != nil {
			return feedTable{}, fmt.Errorf("%w: hourly.time: %v", session.ErrUnexpectedLayout, err)
		}
	}

	series := make(map[string][]*float64, len(p.variables()))
	for _, v := range p.variables() {
		raw, ok := payload.Hourly[v]
		if !ok {
			continue
		}
		var values []*float64
		if err := json.Unmarshal(raw, &values); err != nil {
			return feedTable{}, fmt.Errorf("%w: hourly.%s: %v", session.ErrUnexpectedLayout, v, err)
		}
		series[v] = values
	}

	table := feedTable{columns: p.variables()}
	for i, sec := range times {
		t := time.Unix(sec, 0).UTC()
		if !inRange(t, from, to) {
			continue
		}
		row := map[string]string{"datetime": t.Format(time.RFC3339)}
		for _, v := range p.variables() {
			if values := series[v]; i < len(values) && values[i] != nil {
				row[v] = strconv.FormatFloat(*values[i], 'f', -1, 64)
			}
		}
		table.rows = append(table.rows, row)
	}
	return table, nil
}

package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Fetch modes. A query without one uses FetchAsync when a Fetcher is configured.
const (
	FetchNone  = "none"
	FetchAsync = "async"
	FetchWait  = "wait"
)

// DefaultFetchCooldown keeps a finished fetch from being repeated on every query while
// the provider still has nothing for the hole.
const DefaultFetchCooldown = 10 * time.Minute

// ErrFetchUnavailable is returned when a query asks for a fetch the engine cannot start.
var ErrFetchUnavailable = errors.New("fetching missing data is not configured")

// Fetcher starts exports for missing data. The export orchestrator satisfies it.
type Fetcher interface {
	Submit(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error)
	Export(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error)
	Get(ctx context.Context, id string) (*jobs.ExportJob, error)
}

// FetchInfo reports one export a query started or joined to fill missing data.
type FetchInfo struct {
	JobID   string        `json:"job_id,omitempty"`
	Station string        `json:"station"`
	Start   timezone.Date `json:"start"`
	End     timezone.Date `json:"end"`
	Status  jobs.Status   `json:"status,omitempty"`
	Error   string        `json:"error,omitempty"`
}

type backfill struct {
	fetcher  Fetcher
	minGap   time.Duration
	cooldown time.Duration
	logger   *zap.SugaredLogger

	mu sync.Mutex
	// inflight maps a fetch key to the last job started for it.
	inflight map[string]string
}

// FetchConfig tunes fetching on query. Zero values take the defaults.
type FetchConfig struct {
	MinGap   time.Duration
	Cooldown time.Duration
}

// WithFetcher lets queries start exports for data missing from the store.
func (e *Engine) WithFetcher(f Fetcher, cfg FetchConfig, logger *zap.SugaredLogger) *Engine {
	if cfg.MinGap <= 0 {
		cfg.MinGap = DefaultMinGap
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultFetchCooldown
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e.backfill = &backfill{
		fetcher:  f,
		minGap:   cfg.MinGap,
		cooldown: cfg.Cooldown,
		logger:   logger.Named("backfill"),
		inflight: make(map[string]string),
	}
	return e
}

func (e *Engine) fetchMode(requested string) (string, error) {
	switch {
	case e.backfill == nil && (requested == FetchAsync || requested == FetchWait):
		return "", &FieldError{Field: "fetch", Err: ErrFetchUnavailable}
	case e.backfill == nil:
		return FetchNone, nil
	case requested == "":
		return FetchAsync, nil
	}
	return requested, nil
}

// daySpan is an inclusive range of provider-local dates.
type daySpan struct {
	start, end timezone.Date
}

// missingDays finds the gaps of each station matching tags within [start, end] and turns
// them into merged spans of provider-local dates. The end is capped at the last sample
// the provider can have produced by now.
func (e *Engine) missingDays(ctx context.Context, provider weather.Provider, tags map[string]string, start, end time.Time) (map[string][]daySpan, error) {
	step := provider.SampleInterval()
	if latest := e.now().Truncate(step); end.After(latest) {
		end = latest
	}
	if end.Before(start) {
		return nil, nil
	}
	loc, err := timezone.LoadZone(provider.Timezone)
	if err != nil {
		return nil, err
	}

	var stations []weather.Station
	for _, st := range provider.Stations {
		if (weather.Record{Tags: st.TagSet()}).MatchesTags(tags) {
			stations = append(stations, st)
		}
	}
	if len(stations) == 0 {
		return nil, nil
	}

	stored, err := e.store.Range(ctx, provider.ID, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch records: %w", err)
	}
	times := make(map[string][]time.Time)
	for _, r := range stored {
		id := r.Tags[weather.StationTag]
		times[id] = append(times[id], r.Time)
	}

	out := make(map[string][]daySpan)
	for _, st := range stations {
		var spans []daySpan
		for _, g := range FindGaps(times[st.ID], start, end, step, e.backfill.minGap) {
			s := timezone.DateOf(g.Start.In(loc))
			t := timezone.DateOf(g.End.In(loc))
			if n := len(spans); n > 0 && !s.After(spans[n-1].end.AddDays(1)) {
				if t.After(spans[n-1].end) {
					spans[n-1].end = t
				}
				continue
			}
			spans = append(spans, daySpan{start: s, end: t})
		}
		if len(spans) > 0 {
			out[st.ID] = spans
		}
	}
	return out, nil
}

// fetchMissing starts or joins one export per missing span. With FetchWait it blocks
// until each export is terminal, so a subsequent store read sees the new records.
// Export failures are reported per span and never fail the query.
func (e *Engine) fetchMissing(ctx context.Context, provider weather.Provider, tags map[string]string, start, end time.Time, mode string) ([]FetchInfo, error) {
	missing, err := e.missingDays(ctx, provider, tags, start, end)
	if err != nil || len(missing) == 0 {
		return nil, err
	}

	ids := make([]string, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var infos []FetchInfo
	for _, id := range ids {
		for _, span := range missing[id] {
			if err := ctx.Err(); err != nil {
				return infos, err
			}
			infos = append(infos, e.fetchSpan(ctx, provider.ID, id, span, mode))
		}
	}
	return infos, nil
}

func (e *Engine) fetchSpan(ctx context.Context, providerID, station string, span daySpan, mode string) FetchInfo {
	b := e.backfill
	info := FetchInfo{Station: station, Start: span.start, End: span.end}
	key := fmt.Sprintf("%s/%s/%s/%s", providerID, station, span.start, span.end)

	b.mu.Lock()
	defer b.mu.Unlock()

	if id, ok := b.inflight[key]; ok {
		job, err := b.fetcher.Get(ctx, id)
		if err == nil && (!job.Status.Terminal() || e.now().Sub(job.RequestedAt) < b.cooldown) {
			return jobInfo(info, job)
		}
		delete(b.inflight, key)
	}

	var job *jobs.ExportJob
	var err error
	if mode == FetchWait {
		job, err = b.fetcher.Export(ctx, providerID, station, span.start, span.end)
	} else {
		job, err = b.fetcher.Submit(ctx, providerID, station, span.start, span.end)
	}
	if job != nil {
		b.inflight[key] = job.ID
		info = jobInfo(info, job)
	}
	if err != nil {
		b.logger.Warnw("fetch missing data failed", "provider", providerID, "station", station,
			"start", span.start.String(), "end", span.end.String(), "error", err)
		info.Error = err.Error()
		return info
	}
	b.logger.Infow("fetching missing data", "provider", providerID, "station", station,
		"start", span.start.String(), "end", span.end.String(), "job_id", job.ID, "mode", mode)
	return info
}

func jobInfo(info FetchInfo, job *jobs.ExportJob) FetchInfo {
	info.JobID = job.ID
	info.Status = job.Status
	info.Error = job.Error
	return info
}

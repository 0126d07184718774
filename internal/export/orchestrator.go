package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

const defaultExportPage = "export"

// ErrInvalidDates is returned when the requested start date is after the end date.
var ErrInvalidDates = errors.New("start date is after end date")

// Config controls retries and time bounds of export jobs.
type Config struct {
	// RetryBudget is how many times the full login..download sequence is repeated after a
	// NavigationError.
	RetryBudget     int
	RetryBackoff    time.Duration
	MaxBackoff      time.Duration
	DownloadTimeout time.Duration
	// JobTimeout applies when the caller's context has no deadline.
	JobTimeout   time.Duration
	DownloadRoot string
}

func (c Config) withDefaults() Config {
	if c.RetryBudget < 0 {
		c.RetryBudget = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Minute
	}
	return c
}

// DefaultConfig is a single retry with a one second backoff.
var DefaultConfig = Config{
	RetryBudget:     1,
	RetryBackoff:    time.Second,
	MaxBackoff:      30 * time.Second,
	DownloadTimeout: 2 * time.Minute,
	JobTimeout:      10 * time.Minute,
}

// Ingester stores a downloaded export file.
type Ingester interface {
	IngestFile(ctx context.Context, provider weather.Provider, station weather.Station, path string) (int, error)
}

// Orchestrator runs export jobs: it drives a pooled provider session through login,
// navigation, export and download, then hands the file to ingestion.
type Orchestrator struct {
	catalog  *weather.Catalog
	pool     *session.Pool
	ingester Ingester
	log      jobs.Log
	creds    map[string]weather.Credentials
	cfg      Config
	logger   *zap.SugaredLogger
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(catalog *weather.Catalog, pool *session.Pool, ingester Ingester, log jobs.Log,
	creds map[string]weather.Credentials, cfg Config, logger *zap.SugaredLogger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if creds == nil {
		creds = map[string]weather.Credentials{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		catalog:  catalog,
		pool:     pool,
		ingester: ingester,
		log:      log,
		creds:    creds,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

func (o *Orchestrator) prepare(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, weather.Provider, weather.Station, error) {
	p, st, err := o.catalog.Lookup(providerID, station)
	if err != nil {
		return nil, weather.Provider{}, weather.Station{}, err
	}
	if start.IsZero() || end.IsZero() {
		return nil, weather.Provider{}, weather.Station{}, fmt.Errorf("%w: both dates are required", ErrInvalidDates)
	}
	if start.After(end) {
		return nil, weather.Provider{}, weather.Station{}, fmt.Errorf("%w: %s > %s", ErrInvalidDates, start, end)
	}

	job := jobs.NewExportJob(p.ID, st.ID, start, end, o.now())
	if err := o.log.Create(ctx, job); err != nil {
		return nil, weather.Provider{}, weather.Station{}, fmt.Errorf("create export job: %w", err)
	}
	return job, p, st, nil
}

// Export runs one job to completion. The returned job is terminal; when it failed the
// cause is returned as well.
func (o *Orchestrator) Export(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error) {
	job, p, st, err := o.prepare(ctx, providerID, station, start, end)
	if err != nil {
		return nil, err
	}
	runErr := o.run(ctx, job, p, st)

	final, err := o.log.Get(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

// Submit records a pending job and runs it in the background. The job outlives ctx and is
// only cancelled by Close.
func (o *Orchestrator) Submit(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error) {
	if err := o.baseCtx.Err(); err != nil {
		return nil, fmt.Errorf("orchestrator closed: %w", err)
	}
	job, p, st, err := o.prepare(ctx, providerID, station, start, end)
	if err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		_ = o.run(o.baseCtx, job, p, st)
	}()
	return job.Clone(), nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*jobs.ExportJob, error) {
	return o.log.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context) ([]*jobs.ExportJob, error) {
	return o.log.List(ctx)
}

// Close cancels background jobs and waits for them to record their outcome.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) record(ctx context.Context, id string, ev jobs.Event) {
	ev.At = o.now()
	if err := o.log.Append(ctx, id, ev); err != nil {
		o.logger.Warnw("appending job event failed", "job", id, "error", err)
	}
}

func (o *Orchestrator) run(ctx context.Context, job *jobs.ExportJob, p weather.Provider, st weather.Station) error {
	logCtx := context.WithoutCancel(ctx)
	logger := o.logger.With("job", job.ID, "provider", p.ID, "station", st.ID)

	if _, ok := ctx.Deadline(); !ok && o.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
		defer cancel()
	}

	o.record(logCtx, job.ID, jobs.Event{Status: jobs.StatusRunning})
	logger.Infow("export started", "start", job.Start.String(), "end", job.End.String())

	count, err := o.execute(ctx, logCtx, job, p, st)
	if err != nil {
		logger.Errorw("export failed", "error", err)
		o.record(logCtx, job.ID, jobs.Event{Status: jobs.StatusFailed, Error: err.Error()})
		return err
	}

	logger.Infow("export completed", "records", count)
	o.record(logCtx, job.ID, jobs.Event{Status: jobs.StatusCompleted, Records: count})
	return nil
}

func (o *Orchestrator) execute(ctx, logCtx context.Context, job *jobs.ExportJob, p weather.Provider, st weather.Station) (int, error) {
	loc, err := timezone.LoadZone(p.Timezone)
	if err != nil {
		return 0, err
	}
	from, _, err := timezone.DayBounds(job.Start, loc)
	if err != nil {
		return 0, err
	}
	_, to, err := timezone.DayBounds(job.End, loc)
	if err != nil {
		return 0, err
	}

	backoff, err := retry.NewExponential(o.cfg.RetryBackoff)
	if err != nil {
		return 0, err
	}
	backoff = retry.WithCappedDuration(o.cfg.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(o.cfg.RetryBudget), backoff)

	var count, attempt int
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		n, err := o.attempt(ctx, logCtx, job.ID, p, st, from, to)
		if err != nil {
			var navErr *session.NavigationError
			if errors.As(err, &navErr) {
				o.logger.Warnw("navigation failed, restarting session", "job", job.ID, "attempt", attempt, "error", err)
				return retry.RetryableError(err)
			}
			return err
		}
		count = n
		return nil
	})
	return count, err
}

// attempt runs the whole login..ingest sequence once on a leased session. The lease is
// held until ingestion finished so the next job on this identity cannot reuse the dir.
func (o *Orchestrator) attempt(ctx, logCtx context.Context, jobID string, p weather.Provider, st weather.Station, from, to time.Time) (int, error) {
	creds := o.creds[p.ID]
	lease, err := o.pool.Acquire(ctx, p, session.Identity{Provider: p.ID, Username: creds.Username})
	if err != nil {
		return 0, err
	}

	dir, err := os.MkdirTemp(o.cfg.DownloadRoot, "export-"+jobID+"-")
	if err != nil {
		_ = lease.Release()
		return 0, fmt.Errorf("create download dir: %w", err)
	}
	defer func() {
		var result *multierror.Error
		if err := lease.Release(); err != nil {
			result = multierror.Append(result, fmt.Errorf("release session: %w", err))
		}
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove download dir: %w", err))
		}
		if err := result.ErrorOrNil(); err != nil {
			o.logger.Warnw("export cleanup failed", "job", jobID, "error", err)
		}
	}()

	sess := lease.Session
	sess.Observe(func(_, state session.State) {
		o.record(logCtx, jobID, jobs.Event{State: state.String()})
	})

	if err := sess.Login(ctx, creds); err != nil {
		return 0, err
	}
	page := p.ExportPage
	if page == "" {
		page = defaultExportPage
	}
	if _, err := sess.Navigate(ctx, page); err != nil {
		return 0, err
	}
	if err := sess.RequestExport(ctx, st, from, to, dir); err != nil {
		return 0, err
	}
	path, err := sess.AwaitDownload(ctx, dir, o.cfg.DownloadTimeout)
	if err != nil {
		return 0, err
	}
	return o.ingester.IngestFile(ctx, p, st, path)
}

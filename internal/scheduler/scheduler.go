package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Exporter runs one export job to completion.
type Exporter interface {
	Export(ctx context.Context, providerID, station string, start, end timezone.Date) (*jobs.ExportJob, error)
}

type target struct {
	provider weather.Provider
	station  weather.Station
	loc      *time.Location
}

// Scheduler periodically exports the recent days of every scheduled station.
type Scheduler struct {
	scheduler *gocron.Scheduler
	exporter  Exporter
	targets   []target
	interval  time.Duration
	lookback  int
	now       func() time.Time
	logger    *zap.SugaredLogger

	// ctx bounds every scheduled run; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// New collects the scheduled stations of catalog. lookbackDays counts today.
func New(catalog *weather.Catalog, exporter Exporter, interval time.Duration, lookbackDays int, logger *zap.SugaredLogger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if lookbackDays < 1 {
		lookbackDays = 1
	}

	var targets []target
	for _, p := range catalog.Providers() {
		loc, err := timezone.LoadZone(p.Timezone)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}
		for _, st := range p.Stations {
			if st.Scheduled {
				targets = append(targets, target{provider: p, station: st, loc: loc})
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		exporter:  exporter,
		targets:   targets,
		interval:  interval,
		lookback:  lookbackDays,
		now:       time.Now,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start schedules the periodic job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	if len(s.targets) == 0 {
		s.logger.Info("no scheduled stations configured; nothing to schedule")
		return nil
	}

	interval := s.interval
	if interval <= 0 {
		interval = time.Hour
	}

	// SingletonMode skips a tick while the previous run is still exporting.
	_, err := s.scheduler.Every(interval).SingletonMode().Do(func() {
		if err := s.RunOnce(s.ctx); err != nil {
			s.logger.Warnw("scheduled export run had failures", "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	return nil
}

// RunOnce exports every scheduled station once and waits for all of them. Stations of
// one identity are serialized by the session pool; the rest run concurrently.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.logger.Infow("running scheduled exports", "stations", len(s.targets))

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, t := range s.targets {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()

			end := timezone.DateOf(s.now().In(t.loc))
			start := end.AddDays(-(s.lookback - 1))

			job, err := s.exporter.Export(ctx, t.provider.ID, t.station.ID, start, end)
			if err != nil {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("%s/%s: %w", t.provider.ID, t.station.ID, err))
				mu.Unlock()
				return
			}
			s.logger.Infow("scheduled export finished", "provider", t.provider.ID, "station", t.station.ID,
				"job", job.ID, "records", job.Records)
		}()
	}
	wg.Wait()

	s.logger.Info("completed scheduled exports")
	return result.ErrorOrNil()
}

// Stop cancels in-flight exports, then stops the scheduler and waits for the
// running job to return.
func (s *Scheduler) Stop() {
	s.cancel()
	s.scheduler.Stop()
}

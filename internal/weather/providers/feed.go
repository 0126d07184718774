package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// feedTable is one export: the value columns and a row per UTC instant.
type feedTable struct {
	columns []string
	rows    []map[string]string
}

// feedBase serves a JSON data API through the Browser contract. There is nothing to log
// into, so Login and Navigate only check the context. Exports are written as CSV with
// UTC timestamps, which keeps repeated local hours apart.
type feedBase struct {
	provider weather.Provider
	baseURL  string
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
	loc      *time.Location
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	downloadErr error
}

func newFeedBase(provider weather.Provider, defaultURL string, client *http.Client, backoff BackoffConfig, cb *gobreaker.CircuitBreaker, logger *zap.SugaredLogger) (*feedBase, error) {
	loc, err := timezone.LoadZone(provider.Timezone)
	if err != nil {
		return nil, err
	}
	base := provider.BaseURL
	if base == "" {
		base = defaultURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cb == nil {
		cb = newBreaker(provider.ID)
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &feedBase{
		provider: provider,
		baseURL:  base,
		httpCfg:  HTTPClientConfig{Client: client, Backoff: backoff},
		circuit:  cb,
		loc:      loc,
		logger:   logger.With("provider", provider.ID),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (f *feedBase) Login(ctx context.Context, _ weather.Credentials) error {
	return ctx.Err()
}

func (f *feedBase) Navigate(ctx context.Context, pageKey string) (session.Page, error) {
	if err := ctx.Err(); err != nil {
		return session.Page{}, err
	}
	return session.Page{Key: pageKey, URL: f.baseURL}, nil
}

// start runs fetch in the background and writes its table into req.DownloadDir.
func (f *feedBase) start(req session.ExportRequest, fetch func(ctx context.Context) (feedTable, error)) error {
	if err := f.ctx.Err(); err != nil {
		return fmt.Errorf("browser closed: %w", err)
	}

	f.mu.Lock()
	f.downloadErr = nil
	f.mu.Unlock()

	name := fmt.Sprintf("%s_%s_%s.csv", f.provider.ID, req.Station.ID, req.From.In(f.loc).Format("20060102"))
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		table, err := fetch(f.ctx)
		if err == nil {
			err = writeCSV(filepath.Join(req.DownloadDir, name), table.columns, table.rows)
		}
		if err != nil {
			f.logger.Warnw("feed download failed", "station", req.Station.ID, "error", err)
			f.mu.Lock()
			f.downloadErr = err
			f.mu.Unlock()
		}
	}()
	return nil
}

// getJSON fetches u and decodes the body into out.
func (f *feedBase) getJSON(ctx context.Context, u string, out any) error {
	resp, err := doRequestWithResilience(ctx, f.httpCfg, f.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, u, nil)
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", session.ErrUnexpectedLayout, err)
	}
	return nil
}

func (f *feedBase) PollDownloadDir(ctx context.Context, dir string) ([]session.DownloadEntry, error) {
	f.mu.Lock()
	err := f.downloadErr
	f.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("feed download failed: %w", err)
	}
	return session.ScanDir(dir)
}

func (f *feedBase) Close() error {
	f.cancel()
	f.wg.Wait()
	return nil
}

// inRange reports whether t lies in the export window [from, to).
func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

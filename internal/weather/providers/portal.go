package providers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/common"
	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

const (
	maxPageBytes       = 8 << 20
	defaultDateLayout  = "2006.01.02 15:04"
	defaultDatasetExpr = `(?s)let\s+dataSetOnLoad\s*=\s*prepareDataset\(\[\[(\{.*?\})\]\]`
)

// PortalBrowser drives a form-login export portal over plain HTTP. It keeps its own
// cookie jar, so one PortalBrowser is one portal login.
type PortalBrowser struct {
	provider weather.Provider
	settings weather.PortalSettings
	base     *url.URL
	loc      *time.Location
	dataset  *regexp.Regexp
	httpCfg  HTTPClientConfig
	circuit  *gobreaker.CircuitBreaker
	logger   *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	downloadErr error
}

// NewPortalBrowser builds a driver for a portal provider. client supplies the transport
// and timeout; the cookie jar is always fresh.
func NewPortalBrowser(provider weather.Provider, client *http.Client, backoff BackoffConfig, cb *gobreaker.CircuitBreaker, logger *zap.SugaredLogger) (*PortalBrowser, error) {
	base, err := url.Parse(provider.BaseURL)
	if err != nil || base.Scheme == "" {
		return nil, fmt.Errorf("provider %s: invalid base url %q", provider.ID, provider.BaseURL)
	}
	loc, err := timezone.LoadZone(provider.Timezone)
	if err != nil {
		return nil, err
	}
	expr := provider.Portal.DatasetPattern
	if expr == "" {
		expr = defaultDatasetExpr
	}
	dataset, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("provider %s: dataset pattern: %w", provider.ID, err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
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
	return &PortalBrowser{
		provider: provider,
		settings: provider.Portal,
		base:     base,
		loc:      loc,
		dataset:  dataset,
		httpCfg: HTTPClientConfig{
			Client: &http.Client{
				Transport: client.Transport,
				Timeout:   client.Timeout,
				Jar:       jar,
			},
			Backoff: backoff,
		},
		circuit: cb,
		logger:  logger.With("provider", provider.ID),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (b *PortalBrowser) resolve(ref string) (*url.URL, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: bad path %q", session.ErrUnexpectedLayout, ref)
	}
	return b.base.ResolveReference(u), nil
}

func readPage(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (b *PortalBrowser) Login(ctx context.Context, creds weather.Credentials) error {
	target, err := b.resolve(b.settings.LoginPath)
	if err != nil {
		return err
	}

	form := url.Values{}
	for k, v := range b.settings.LoginForm {
		form.Set(k, v)
	}
	userField, passField := b.settings.UsernameField, b.settings.PasswordField
	if userField == "" {
		userField = "username"
	}
	if passField == "" {
		passField = "password"
	}
	form.Set(userField, creds.Username)
	form.Set(passField, creds.Password)

	resp, err := doRequestWithResilience(ctx, b.httpCfg, b.circuit, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, target.String(), strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	})
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden) {
			return fmt.Errorf("%w: %v", session.ErrCredentialsRejected, err)
		}
		return err
	}

	body, err := readPage(resp)
	if err != nil {
		return err
	}
	if m, ok := common.FirstMarker(body, b.settings.FailureMarkers...); ok {
		return fmt.Errorf("%w: portal showed %q after login", session.ErrCredentialsRejected, m)
	}
	if missing := common.MissingMarkers(body, b.settings.SuccessMarker); len(missing) > 0 {
		return fmt.Errorf("%w: post-login marker %q not found", session.ErrCredentialsRejected, missing[0])
	}
	return nil
}

func (b *PortalBrowser) Navigate(ctx context.Context, pageKey string) (session.Page, error) {
	page, ok := b.settings.Pages[pageKey]
	if !ok {
		return session.Page{}, fmt.Errorf("%w: no page %q configured", session.ErrUnexpectedLayout, pageKey)
	}
	target, err := b.resolve(page.Path)
	if err != nil {
		return session.Page{}, err
	}

	resp, err := doRequestWithResilience(ctx, b.httpCfg, b.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, target.String(), nil)
	})
	if err != nil {
		if ctx.Err() != nil {
			return session.Page{}, ctx.Err()
		}
		return session.Page{}, fmt.Errorf("%w: %v", session.ErrPageUnreachable, err)
	}

	final := resp.Request.URL
	body, err := readPage(resp)
	if err != nil {
		return session.Page{}, fmt.Errorf("%w: %v", session.ErrPageUnreachable, err)
	}
	if login, _ := b.resolve(b.settings.LoginPath); login != nil && final.Path == login.Path && final.Path != target.Path {
		return session.Page{}, fmt.Errorf("%w: redirected to login", session.ErrPageUnreachable)
	}
	if missing := common.MissingMarkers(body, page.Marker); len(missing) > 0 {
		return session.Page{}, fmt.Errorf("%w: marker %q missing on %s", session.ErrUnexpectedLayout, page.Marker, pageKey)
	}
	return session.Page{Key: pageKey, URL: final.String()}, nil
}

func (b *PortalBrowser) exportURL(req session.ExportRequest) (*url.URL, error) {
	target, err := b.resolve(b.settings.ExportPath)
	if err != nil {
		return nil, err
	}
	layout := b.settings.DateLayout
	if layout == "" {
		layout = defaultDateLayout
	}
	replacer := strings.NewReplacer(
		"{station}", req.Station.ID,
		"{from}", req.From.In(b.loc).Format(layout),
		"{to}", req.To.In(b.loc).Format(layout),
	)

	q := target.Query()
	for k, v := range b.settings.ExportParams {
		q.Set(k, replacer.Replace(v))
	}
	target.RawQuery = q.Encode()
	return target, nil
}

// RequestExport starts the export download in the background; the file appears in
// req.DownloadDir once complete.
func (b *PortalBrowser) RequestExport(ctx context.Context, req session.ExportRequest) error {
	target, err := b.exportURL(req)
	if err != nil {
		return err
	}
	if err := b.ctx.Err(); err != nil {
		return fmt.Errorf("browser closed: %w", err)
	}

	b.setDownloadErr(nil)
	name := fmt.Sprintf("%s_%s_%s.csv", b.provider.ID, req.Station.ID, req.From.In(b.loc).Format("20060102"))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.download(target, filepath.Join(req.DownloadDir, name)); err != nil {
			b.logger.Warnw("export download failed", "station", req.Station.ID, "error", err)
			b.setDownloadErr(err)
		}
	}()
	return nil
}

func (b *PortalBrowser) download(target *url.URL, path string) error {
	resp, err := doRequestWithResilience(b.ctx, b.httpCfg, b.circuit, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, target.String(), nil)
	})
	if err != nil {
		return err
	}
	body, err := readPage(resp)
	if err != nil {
		return err
	}

	rows, err := b.extractDataset(body)
	if err != nil {
		return err
	}
	return writeCSV(path, datasetColumns(rows), rows)
}

// extractDataset pulls the chart dataset the portal embeds in its page script. Each
// point is a flat object whose "x" key holds epoch seconds.
func (b *PortalBrowser) extractDataset(body string) ([]map[string]string, error) {
	m := b.dataset.FindStringSubmatch(body)
	if len(m) < 2 {
		return nil, fmt.Errorf("%w: dataset not found in export page", session.ErrUnexpectedLayout)
	}

	raw := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(m[1]), "{"), "}")
	var rows []map[string]string
	for _, obj := range strings.Split(raw, "},{") {
		row := make(map[string]string)
		for _, pair := range strings.Split(obj, ",") {
			k, v, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			k = strings.Trim(strings.TrimSpace(k), `"'`)
			v = strings.Trim(strings.TrimSpace(v), `"'`)
			if v == "null" {
				v = ""
			}
			row[k] = v
		}
		x, ok := row["x"]
		if !ok {
			return nil, fmt.Errorf("%w: dataset point without x", session.ErrUnexpectedLayout)
		}
		secs, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: dataset x %q: %v", session.ErrUnexpectedLayout, x, err)
		}
		delete(row, "x")
		row["datetime"] = time.Unix(secs, 0).UTC().Format(time.RFC3339)
		rows = append(rows, row)
	}
	return rows, nil
}

// datasetColumns is the union of all non-datetime keys in lexical order.
func datasetColumns(rows []map[string]string) []string {
	keySet := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			if k != "datetime" {
				keySet[k] = struct{}{}
			}
		}
	}
	keys := make([]string, 0, len(keySet))
	for k := range keySet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeCSV writes a datetime column followed by columns. The file is written under a
// .part name and renamed once complete.
func writeCSV(path string, columns []string, rows []map[string]string) error {
	header := append([]string{"datetime"}, columns...)

	part := path + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write(header)
	record := make([]string, len(header))
	for _, row := range rows {
		for i, k := range header {
			record[i] = row[k]
		}
		_ = w.Write(record)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, path)
}

func (b *PortalBrowser) setDownloadErr(err error) {
	b.mu.Lock()
	b.downloadErr = err
	b.mu.Unlock()
}

func (b *PortalBrowser) PollDownloadDir(ctx context.Context, dir string) ([]session.DownloadEntry, error) {
	b.mu.Lock()
	err := b.downloadErr
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("export download failed: %w", err)
	}
	return session.ScanDir(dir)
}

func (b *PortalBrowser) Close() error {
	b.cancel()
	b.wg.Wait()
	b.httpCfg.Client.CloseIdleConnections()
	return nil
}

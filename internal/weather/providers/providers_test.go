package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

var fastBackoff = BackoffConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

const exportPage = `<html><body><div id="chart"></div><script>
let dataSetOnLoad = prepareDataset([[{x:1756116000,T2m:23.5,RL:61},{x:1756116300,T2m:23.7,RL:null}]], 'Marling');
</script></body></html>`

// newPortal serves a minimal portal: POST /login sets a session cookie for user/secret,
// every other page redirects to /login without it.
func newPortal(t *testing.T) (*httptest.Server, chan string) {
	t.Helper()
	exports := make(chan string, 8)
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
			if r.Form.Get("username") == "user" && r.Form.Get("password") == "secret" && r.Form.Get("lang") == "de" {
				http.SetCookie(w, &http.Cookie{Name: "sid", Value: "ok", Path: "/"})
				fmt.Fprint(w, `<a href="/logout">Logout</a>`)
				return
			}
		}
		fmt.Fprint(w, `<form>Logindaten vergessen?</form>`)
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if c, err := r.Cookie("sid"); err != nil || c.Value != "ok" {
				http.Redirect(w, r, "/login", http.StatusFound)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/export", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<h1>Datenexport</h1>`)
	}))
	mux.HandleFunc("/broken", authed(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<h1>Wartungsarbeiten</h1>`)
	}))
	mux.HandleFunc("/export/data", authed(func(w http.ResponseWriter, r *http.Request) {
		exports <- r.URL.RawQuery
		fmt.Fprint(w, exportPage)
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, exports
}

func portalProvider(baseURL string) weather.Provider {
	return weather.Provider{
		ID:       "SBR",
		Kind:     weather.KindPortal,
		BaseURL:  baseURL,
		Timezone: "Europe/Rome",
		Portal: weather.PortalSettings{
			LoginPath:      "/login",
			LoginForm:      map[string]string{"lang": "de"},
			FailureMarkers: []string{"Logindaten vergessen"},
			SuccessMarker:  "Logout",
			Pages: map[string]weather.PageSettings{
				"export": {Path: "/export", Marker: "Datenexport"},
				"broken": {Path: "/broken", Marker: "Datenexport"},
			},
			ExportPath:   "/export/data",
			ExportParams: map[string]string{"station": "{station}", "datefrom": "{from}", "dateto": "{to}"},
		},
		Stations: []weather.Station{{ID: "103", Name: "Marling"}},
	}
}

func waitForFile(t *testing.T, b session.Browser, dir string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := b.PollDownloadDir(context.Background(), dir)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		for _, e := range entries {
			if !strings.HasSuffix(e.Name, ".part") {
				return filepath.Join(dir, e.Name)
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no export file appeared")
	return ""
}

func TestPortalExport(t *testing.T) {
	srv, exports := newPortal(t)
	p := portalProvider(srv.URL)
	b, err := NewPortalBrowser(p, srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := b.Login(ctx, weather.Credentials{Username: "user", Password: "secret"}); err != nil {
		t.Fatalf("login: %v", err)
	}
	page, err := b.Navigate(ctx, "export")
	if err != nil {
		t.Fatalf("navigate: %v", err)
	}
	if page.Key != "export" {
		t.Fatalf("page = %+v", page)
	}

	rome, _ := time.LoadLocation("Europe/Rome")
	dir := t.TempDir()
	req := session.ExportRequest{
		Station:     p.Stations[0],
		From:        time.Date(2025, 8, 25, 0, 0, 0, 0, rome),
		To:          time.Date(2025, 8, 26, 0, 0, 0, 0, rome),
		DownloadDir: dir,
	}
	if err := b.RequestExport(ctx, req); err != nil {
		t.Fatalf("request export: %v", err)
	}

	path := waitForFile(t, b, dir)
	if filepath.Base(path) != "SBR_103_20250825.csv" {
		t.Fatalf("file name = %s", filepath.Base(path))
	}
	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "datetime,RL,T2m\n2025-08-25T10:00:00Z,61,23.5\n2025-08-25T10:05:00Z,,23.7\n"
	if diff := cmp.Diff(want, string(content)); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	if len(exports) != 1 {
		t.Fatalf("export calls = %d", len(exports))
	}
	query := <-exports
	for _, part := range []string{"station=103", "datefrom=2025.08.25+00%3A00", "dateto=2025.08.26+00%3A00"} {
		if !strings.Contains(query, part) {
			t.Fatalf("query %q lacks %q", query, part)
		}
	}
}

func TestPortalLoginRejected(t *testing.T) {
	srv, _ := newPortal(t)
	b, err := NewPortalBrowser(portalProvider(srv.URL), srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	err = b.Login(context.Background(), weather.Credentials{Username: "user", Password: "wrong"})
	if !errors.Is(err, session.ErrCredentialsRejected) {
		t.Fatalf("expected ErrCredentialsRejected, got %v", err)
	}
}

func TestPortalNavigateWithoutLogin(t *testing.T) {
	srv, _ := newPortal(t)
	b, err := NewPortalBrowser(portalProvider(srv.URL), srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	_, err = b.Navigate(context.Background(), "export")
	if !errors.Is(err, session.ErrPageUnreachable) {
		t.Fatalf("expected ErrPageUnreachable, got %v", err)
	}
}

func TestPortalNavigateLayout(t *testing.T) {
	srv, _ := newPortal(t)
	b, err := NewPortalBrowser(portalProvider(srv.URL), srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	if err := b.Login(ctx, weather.Credentials{Username: "user", Password: "secret"}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Navigate(ctx, "broken"); !errors.Is(err, session.ErrUnexpectedLayout) {
		t.Fatalf("missing marker: got %v", err)
	}
	if _, err := b.Navigate(ctx, "settings"); !errors.Is(err, session.ErrUnexpectedLayout) {
		t.Fatalf("unknown page: got %v", err)
	}
}

func TestPortalDatasetMissing(t *testing.T) {
	b, err := NewPortalBrowser(portalProvider("http://portal.invalid"), nil, fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := b.extractDataset("<html>no chart</html>"); !errors.Is(err, session.ErrUnexpectedLayout) {
		t.Fatalf("expected ErrUnexpectedLayout, got %v", err)
	}
}

// newFeed serves a fixed archive body and reports each query it receives.
func newFeed(t *testing.T, body string) (*httptest.Server, chan string) {
	t.Helper()
	queries := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, queries
}

func feedProvider(baseURL string) weather.Provider {
	lat, lon := 46.5, 11.35
	return weather.Provider{
		ID:       "open-meteo",
		Kind:     weather.KindFeed,
		BaseURL:  baseURL,
		Timezone: "Europe/Rome",
		Feed:     weather.FeedSettings{Variables: []string{"temperature_2m", "precipitation"}},
		Stations: []weather.Station{{ID: "bolzano", Latitude: &lat, Longitude: &lon}},
	}
}

func exportDay(t *testing.T, b session.Browser, station weather.Station, day time.Time) string {
	t.Helper()
	ctx := context.Background()
	if err := b.Login(ctx, weather.Credentials{}); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	err := b.RequestExport(ctx, session.ExportRequest{
		Station:     station,
		From:        day,
		To:          day.AddDate(0, 0, 1),
		DownloadDir: dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	content, err := os.ReadFile(waitForFile(t, b, dir))
	if err != nil {
		t.Fatal(err)
	}
	return string(content)
}

func TestFeedExport(t *testing.T) {
	// 21:00Z on the 24th is still the previous Rome day and must be dropped.
	srv, queries := newFeed(t, `{"hourly":{"time":[1756069200,1756072800,1756076400],"temperature_2m":[17.9,18.2,null],"precipitation":[0,0,0.4]}}`)
	p := feedProvider(srv.URL)
	b, err := NewFeedBrowser(p, srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rome, _ := time.LoadLocation("Europe/Rome")
	got := exportDay(t, b, p.Stations[0], time.Date(2025, 8, 25, 0, 0, 0, 0, rome))
	want := "datetime,temperature_2m,precipitation\n2025-08-24T22:00:00Z,18.2,0\n2025-08-24T23:00:00Z,,0.4\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}
	query := <-queries
	for _, part := range []string{"start_date=2025-08-24", "end_date=2025-08-25", "timezone=GMT", "timeformat=unixtime", "latitude=46.5"} {
		if !strings.Contains(query, part) {
			t.Fatalf("query %q lacks %q", query, part)
		}
	}
}

func TestFeedExportKeepsRepeatedHour(t *testing.T) {
	// Rome falls back at 01:00Z on 2025-10-26: 00:00Z and 01:00Z both read 02:00 locally.
	srv, _ := newFeed(t, `{"hourly":{"time":[1761426000,1761429600,1761433200,1761436800,1761440400,1761444000],"temperature_2m":[9,8.5,8,7.5,7,6.5],"precipitation":[0,0,0,0,0,0]}}`)
	p := feedProvider(srv.URL)
	b, err := NewFeedBrowser(p, srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rome, _ := time.LoadLocation("Europe/Rome")
	got := exportDay(t, b, p.Stations[0], time.Date(2025, 10, 26, 0, 0, 0, 0, rome))
	want := "datetime,temperature_2m,precipitation\n" +
		"2025-10-25T22:00:00Z,8.5,0\n" +
		"2025-10-25T23:00:00Z,8,0\n" +
		"2025-10-26T00:00:00Z,7.5,0\n" +
		"2025-10-26T01:00:00Z,7,0\n" +
		"2025-10-26T02:00:00Z,6.5,0\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	var twoOClock int
	for _, line := range strings.Split(strings.TrimSpace(got), "\n")[1:] {
		ts, err := time.Parse(time.RFC3339, strings.Split(line, ",")[0])
		if err != nil {
			t.Fatal(err)
		}
		if ts.In(rome).Hour() == 2 {
			twoOClock++
		}
	}
	if twoOClock != 2 {
		t.Fatalf("local 02:00 appears %d times, want both copies", twoOClock)
	}
}

func TestProvinceExport(t *testing.T) {
	var mu sync.Mutex
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		queries = append(queries, r.URL.Path+"?"+r.URL.RawQuery)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/sensors":
			fmt.Fprint(w, `[{"TYPE":"N"},{"TYPE":"LT"},{"TYPE":"LT"}]`)
		case r.URL.Query().Get("sensor_code") == "LT":
			fmt.Fprint(w, `[{"DATE":"2025-10-26T02:30:00CEST","VALUE":7.1},{"DATE":"2025-10-26T02:30:00CET","VALUE":6.8},{"DATE":"2025-10-27T00:00:00CET","VALUE":5}]`)
		case r.URL.Query().Get("sensor_code") == "N":
			fmt.Fprint(w, `[{"DATE":"2025-10-26T02:30:00CET","VALUE":0.2}]`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := weather.Provider{
		ID:       "province",
		Kind:     weather.KindFeed,
		BaseURL:  srv.URL,
		Timezone: "Europe/Rome",
		Feed:     weather.FeedSettings{Source: weather.SourceProvince},
		Stations: []weather.Station{{ID: "86900MS"}},
	}
	b, err := NewProvinceBrowser(p, srv.Client(), fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	rome, _ := time.LoadLocation("Europe/Rome")
	got := exportDay(t, b, p.Stations[0], time.Date(2025, 10, 26, 0, 0, 0, 0, rome))
	want := "datetime,LT,N\n2025-10-26T00:30:00Z,7.1,\n2025-10-26T01:30:00Z,6.8,0.2\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("export mismatch (-want +got):\n%s", diff)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(queries) != 3 || !strings.HasPrefix(queries[0], "/sensors?station_code=86900MS") {
		t.Fatalf("queries = %v", queries)
	}
	for _, q := range queries[1:] {
		if !strings.Contains(q, "date_from=202510260000") || !strings.Contains(q, "date_to=202510270000") {
			t.Fatalf("timeseries query %q lacks local bounds", q)
		}
	}
}

func TestParseProvinceTime(t *testing.T) {
	rome, _ := time.LoadLocation("Europe/Rome")
	tests := []struct {
		raw     string
		want    time.Time
		wantErr bool
	}{
		{raw: "2025-01-14T00:00:00CET", want: time.Date(2025, 1, 13, 23, 0, 0, 0, time.UTC)},
		{raw: "2025-07-14T12:10:00CEST", want: time.Date(2025, 7, 14, 10, 10, 0, 0, time.UTC)},
		{raw: "2025-07-14T12:10:00UTC", want: time.Date(2025, 7, 14, 12, 10, 0, 0, time.UTC)},
		{raw: "2025-07-14T12:10:00", want: time.Date(2025, 7, 14, 10, 10, 0, 0, time.UTC)},
		{raw: "2025-07-14T12:10:00PST", wantErr: true},
		{raw: "yesterday", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseProvinceTime(tt.raw, rome)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: %v", tt.raw, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("%s = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestFeedRequiresCoordinates(t *testing.T) {
	p := weather.Provider{ID: "open-meteo", Kind: weather.KindFeed, Timezone: "UTC"}
	b, err := NewFeedBrowser(p, nil, fastBackoff, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	err = b.RequestExport(context.Background(), session.ExportRequest{Station: weather.Station{ID: "x"}, DownloadDir: t.TempDir()})
	if err == nil {
		t.Fatal("expected error for station without coordinates")
	}
}

func TestDoRequestDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := HTTPClientConfig{Client: srv.Client(), Backoff: BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond}}
	_, err := doRequestWithResilience(context.Background(), cfg, newBreaker("test"), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("calls = %d, want 1", n)
	}
}

func TestDoRequestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	cfg := HTTPClientConfig{Client: srv.Client(), Backoff: BackoffConfig{MaxRetries: 3, InitialInterval: time.Millisecond}}
	resp, err := doRequestWithResilience(context.Background(), cfg, newBreaker("test"), func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, srv.URL, nil)
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if n := calls.Load(); n != 3 {
		t.Fatalf("calls = %d, want 3", n)
	}
}

func TestDoRequestOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cb := newBreaker("test")
	cfg := HTTPClientConfig{Client: srv.Client(), Backoff: BackoffConfig{InitialInterval: time.Millisecond}}
	build := func() (*http.Request, error) { return http.NewRequest(http.MethodGet, srv.URL, nil) }

	for i := 0; i < 6; i++ {
		if _, err := doRequestWithResilience(context.Background(), cfg, cb, build); !errors.Is(err, errServerError) {
			t.Fatalf("call %d: expected server error, got %v", i, err)
		}
	}
	if _, err := doRequestWithResilience(context.Background(), cfg, cb, build); !errors.Is(err, errCircuitOpen) {
		t.Fatalf("expected open circuit, got %v", err)
	}
	if n := calls.Load(); n != 6 {
		t.Fatalf("calls = %d, want 6", n)
	}
}

func TestFactoryKinds(t *testing.T) {
	f := NewFactory(nil, fastBackoff, nil)
	ctx := context.Background()

	b, err := f.NewBrowser(ctx, portalProvider("http://portal.invalid"))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*PortalBrowser); !ok {
		t.Fatalf("portal kind built %T", b)
	}
	b.Close()

	b, err = f.NewBrowser(ctx, weather.Provider{ID: "open-meteo", Kind: weather.KindFeed, Timezone: "UTC"})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*FeedBrowser); !ok {
		t.Fatalf("feed kind built %T", b)
	}
	b.Close()

	province := weather.Provider{ID: "province", Kind: weather.KindFeed, Timezone: "Europe/Rome", Feed: weather.FeedSettings{Source: weather.SourceProvince}}
	b, err = f.NewBrowser(ctx, province)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := b.(*ProvinceBrowser); !ok {
		t.Fatalf("province feed built %T", b)
	}
	b.Close()

	if _, err := f.NewBrowser(ctx, weather.Provider{ID: "x", Kind: "ftp", Timezone: "UTC"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if f.breaker("SBR") != f.breaker("SBR") {
		t.Fatal("breakers must be shared per provider")
	}
}

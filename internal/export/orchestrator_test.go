package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/i474232898/meteo-gateway/internal/ingest"
	"github.com/i474232898/meteo-gateway/internal/jobs"
	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/session/sessiontest"
	"github.com/i474232898/meteo-gateway/internal/store"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

var sbr = weather.Provider{
	ID:         "SBR",
	Kind:       weather.KindPortal,
	Timezone:   "Europe/Rome",
	ExportPage: "timeseries",
	Format: weather.ExportFormat{
		Delimiter:       ",",
		TimestampColumn: "datetime",
		Rename:          map[string]string{"T2m": "tair_2m"},
	},
	Stations: []weather.Station{{ID: "103", Name: "Marling"}},
}

var day = timezone.Date{Year: 2025, Month: time.August, Day: 25}

type harness struct {
	orch   *Orchestrator
	script *sessiontest.Script
	store  *store.MemoryStore
	root   string
}

func newHarness(t *testing.T, script *sessiontest.Script, cfg Config) *harness {
	t.Helper()
	if script.FileName == "" {
		script.FileName = "SBR_103.csv"
	}
	if script.Content == nil {
		script.Content = []byte("datetime,T2m\n2025-08-25T10:00:00Z,23.5\n")
	}

	catalog, err := weather.NewCatalog([]weather.Provider{sbr})
	if err != nil {
		t.Fatal(err)
	}
	mem := store.NewMemoryStore(0)
	pool := session.NewPool(script.Factory(), session.Config{LoginWait: time.Second, PollInterval: 5 * time.Millisecond}, nil)
	t.Cleanup(func() { pool.Close() })

	cfg.DownloadRoot = t.TempDir()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.DownloadTimeout == 0 {
		cfg.DownloadTimeout = 2 * time.Second
	}
	creds := map[string]weather.Credentials{"SBR": {Username: "u", Password: "p"}}
	orch := New(catalog, pool, ingest.New(mem, nil), jobs.NewMemoryLog(), creds, cfg, nil)
	t.Cleanup(orch.Close)

	return &harness{orch: orch, script: script, store: mem, root: cfg.DownloadRoot}
}

func (h *harness) assertRootEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("download root not cleaned: %d entries left", len(entries))
	}
}

func states(job *jobs.ExportJob) []string {
	var out []string
	for _, ev := range job.History {
		if ev.State != "" {
			out = append(out, ev.State)
		}
		if ev.Status != "" {
			out = append(out, string(ev.Status))
		}
	}
	return out
}

func pageUnreachable() error {
	return fmt.Errorf("%w: 503 from portal", session.ErrPageUnreachable)
}

func TestExportCompletes(t *testing.T) {
	h := newHarness(t, &sessiontest.Script{WriteDelay: 10 * time.Millisecond}, Config{RetryBudget: 1})

	job, err := h.orch.Export(context.Background(), "sbr", "Marling", day, day)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job.Status != jobs.StatusCompleted || job.Records != 1 {
		t.Fatalf("job = %s with %d records", job.Status, job.Records)
	}
	if job.Provider != "SBR" || job.Station != "103" {
		t.Fatalf("job resolved to %s/%s", job.Provider, job.Station)
	}

	want := []string{"pending", "running", "logging_in", "logged_in", "navigating", "logged_in",
		"export_requested", "downloading", "download_complete", "completed"}
	if diff := cmp.Diff(want, states(job)); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}

	recs, err := h.store.Range(context.Background(), "SBR", time.Date(2025, 8, 25, 0, 0, 0, 0, time.UTC), time.Date(2025, 8, 26, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Fields["tair_2m"] != 23.5 {
		t.Fatalf("stored = %+v", recs)
	}
	h.assertRootEmpty(t)
}

func TestExportRetriesNavigationOnce(t *testing.T) {
	script := &sessiontest.Script{NavigateErrs: []error{pageUnreachable(), pageUnreachable()}}
	h := newHarness(t, script, Config{RetryBudget: 1})

	job, err := h.orch.Export(context.Background(), "SBR", "103", day, day)
	var navErr *session.NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("expected NavigationError, got %v", err)
	}
	if job.Status != jobs.StatusFailed || job.Error == "" {
		t.Fatalf("job = %s (%q)", job.Status, job.Error)
	}
	if n := script.Count("navigate"); n != 2 {
		t.Fatalf("navigate attempts = %d, want 2", n)
	}
	if n := script.Count("login"); n != 2 {
		t.Fatalf("logins = %d, want a fresh login per attempt", n)
	}
	if started, closed := script.Browsers(); started != 2 || closed != 2 {
		t.Fatalf("browsers started %d closed %d", started, closed)
	}
	h.assertRootEmpty(t)
}

func TestExportRecoversAfterNavigationFailure(t *testing.T) {
	script := &sessiontest.Script{NavigateErrs: []error{pageUnreachable()}}
	h := newHarness(t, script, Config{RetryBudget: 1})

	job, err := h.orch.Export(context.Background(), "SBR", "103", day, day)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if job.Status != jobs.StatusCompleted {
		t.Fatalf("status = %s", job.Status)
	}
	if n := script.Count("navigate"); n != 2 {
		t.Fatalf("navigate attempts = %d", n)
	}
}

func TestExportZeroBudgetDoesNotRetry(t *testing.T) {
	script := &sessiontest.Script{NavigateErrs: []error{pageUnreachable()}}
	h := newHarness(t, script, Config{RetryBudget: 0})

	if _, err := h.orch.Export(context.Background(), "SBR", "103", day, day); err == nil {
		t.Fatal("expected failure")
	}
	if n := script.Count("navigate"); n != 1 {
		t.Fatalf("navigate attempts = %d", n)
	}
}

func TestExportAuthenticationNotRetried(t *testing.T) {
	script := &sessiontest.Script{LoginErr: session.ErrCredentialsRejected}
	h := newHarness(t, script, Config{RetryBudget: 3})

	job, err := h.orch.Export(context.Background(), "SBR", "103", day, day)
	var authErr *session.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if n := script.Count("login"); n != 1 {
		t.Fatalf("logins = %d", n)
	}
	if n := script.Count("navigate"); n != 0 {
		t.Fatalf("navigated after rejected login")
	}
}

func TestExportDownloadTimeout(t *testing.T) {
	script := &sessiontest.Script{NoFile: true}
	h := newHarness(t, script, Config{RetryBudget: 1, DownloadTimeout: 50 * time.Millisecond})

	start := time.Now()
	job, err := h.orch.Export(context.Background(), "SBR", "103", day, day)
	var timeout *session.DownloadTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected DownloadTimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took %s", elapsed)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if _, closed := script.Browsers(); closed != 1 {
		t.Fatalf("browser not torn down")
	}
	h.assertRootEmpty(t)
}

func TestExportCallerDeadline(t *testing.T) {
	script := &sessiontest.Script{NoFile: true}
	h := newHarness(t, script, Config{RetryBudget: 1, DownloadTimeout: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	job, err := h.orch.Export(ctx, "SBR", "103", day, day)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if job.Status != jobs.StatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	h.assertRootEmpty(t)
}

func TestExportValidationFailure(t *testing.T) {
	script := &sessiontest.Script{Content: []byte("datetime,T2m\n2025-08-25T10:00:00Z,warm\n")}
	h := newHarness(t, script, Config{RetryBudget: 1})

	job, err := h.orch.Export(context.Background(), "SBR", "103", day, day)
	var verr *ingest.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if job.Status != jobs.StatusFailed || !strings.Contains(job.Error, "tair_2m") {
		t.Fatalf("job = %s (%q)", job.Status, job.Error)
	}
	if n := script.Count("export"); n != 1 {
		t.Fatalf("validation failures must not retry, exports = %d", n)
	}
}

func TestExportRejectsBadRequests(t *testing.T) {
	h := newHarness(t, &sessiontest.Script{}, Config{})
	ctx := context.Background()

	if _, err := h.orch.Export(ctx, "nope", "103", day, day); !errors.Is(err, weather.ErrUnknownProvider) {
		t.Fatalf("unknown provider: %v", err)
	}
	if _, err := h.orch.Export(ctx, "SBR", "999", day, day); !errors.Is(err, weather.ErrUnknownStation) {
		t.Fatalf("unknown station: %v", err)
	}
	if _, err := h.orch.Export(ctx, "SBR", "103", day.AddDays(1), day); !errors.Is(err, ErrInvalidDates) {
		t.Fatalf("reversed dates: %v", err)
	}
	list, err := h.orch.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Fatalf("rejected requests created %d jobs", len(list))
	}
}

func TestExportSerializesOneIdentity(t *testing.T) {
	script := &sessiontest.Script{WriteDelay: 20 * time.Millisecond}
	h := newHarness(t, script, Config{RetryBudget: 1})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.orch.Export(context.Background(), "SBR", "103", day, day); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	var seq []string
	for _, ev := range script.Events() {
		if ev.Name == "navigate" || ev.Name == "export" {
			seq = append(seq, ev.Name)
		}
	}
	want := []string{"navigate", "export", "navigate", "export"}
	if diff := cmp.Diff(want, seq); diff != "" {
		t.Fatalf("sequences interleaved (-want +got):\n%s", diff)
	}
	if n := script.Count("login"); n != 1 {
		t.Fatalf("reused session logged in %d times", n)
	}
}

func TestSubmitRunsInBackground(t *testing.T) {
	h := newHarness(t, &sessiontest.Script{WriteDelay: 10 * time.Millisecond}, Config{RetryBudget: 1})
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, "SBR", "103", day, day)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("submitted job status = %s", job.Status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := h.orch.Get(ctx, job.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status.Terminal() {
			if got.Status != jobs.StatusCompleted {
				t.Fatalf("status = %s (%q)", got.Status, got.Error)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("job never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t, &sessiontest.Script{}, Config{})
	h.orch.Close()
	if _, err := h.orch.Submit(context.Background(), "SBR", "103", day, day); err == nil {
		t.Fatal("expected error after Close")
	}
}

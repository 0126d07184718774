package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sethvargo/go-envconfig"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8080" || cfg.DefaultTimezone != "Europe/Rome" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Export.RetryBudget != 1 || cfg.Export.DownloadTimeout != 2*time.Minute {
		t.Fatalf("export = %+v", cfg.Export)
	}
	if cfg.Session.PollInterval != 500*time.Millisecond {
		t.Fatalf("session = %+v", cfg.Session)
	}
	if !cfg.Scheduler.Enabled || cfg.Scheduler.LookbackDays != 1 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
	if fc := cfg.Query.Fetch(); !cfg.Query.FetchMissing || fc.MinGap != 30*time.Minute || fc.Cooldown != 10*time.Minute {
		t.Fatalf("query = %+v", cfg.Query)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PORT":                    "9090",
		"EXPORT_RETRY_BUDGET":     "2",
		"SESSION_LOGIN_WAIT":      "5s",
		"SCHEDULER_ENABLED":       "false",
		"DEFAULT_TIMEZONE":        "UTC",
		"EXPORT_DOWNLOAD_ROOT":    "/var/tmp/meteo",
		"SCHEDULER_INTERVAL":      "0s",
		"SCHEDULER_LOOKBACK_DAYS": "3",
	}))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9090" || cfg.Export.RetryBudget != 2 || cfg.Session.LoginWait != 5*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
	oc := cfg.Export.Orchestrator()
	if oc.RetryBudget != 2 || oc.DownloadRoot != "/var/tmp/meteo" {
		t.Fatalf("orchestrator config = %+v", oc)
	}
	if sc := cfg.Session.Session(); sc.LoginWait != 5*time.Second {
		t.Fatalf("session config = %+v", sc)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	for name, env := range map[string]map[string]string{
		"zone":     {"DEFAULT_TIMEZONE": "Europe/Atlantis"},
		"budget":   {"EXPORT_RETRY_BUDGET": "-1"},
		"lookback": {"SCHEDULER_LOOKBACK_DAYS": "0"},
		"duration": {"HTTP_TIMEOUT": "soon"},
		"min gap":  {"QUERY_MIN_GAP": "0s"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadWith(context.Background(), envconfig.MapLookuper(env)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

const catalogYAML = `
providers:
  - id: SBR
    kind: portal
    base_url: https://wetter.example.org
    credentials:
      username_env: SBR_USERNAME
      password_env: SBR_PASSWORD
    export_page: timeseries
    format:
      delimiter: ","
      timestamp_column: datetime
      rename:
        T2m: tair_2m
    portal:
      login_path: /login
      failure_markers: ["Logindaten vergessen"]
      pages:
        timeseries:
          path: /timeseries
          marker: Datenexport
    stations:
      - id: "103"
        name: Marling
        scheduled: true
  - id: open-meteo
    kind: feed
    timezone: UTC
    feed:
      variables: [temperature_2m]
    stations:
      - id: bolzano
        latitude: 46.5
        longitude: 11.35
  - id: province
    kind: feed
    frequency: 10m
    feed:
      source: province
    stations:
      - id: 86900MS
`

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDecodeProviders(t *testing.T) {
	providers, creds, err := DecodeProviders(strings.NewReader(catalogYAML), "Europe/Rome",
		env(map[string]string{"SBR_USERNAME": "user", "SBR_PASSWORD": "secret"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(providers) != 3 {
		t.Fatalf("got %d providers", len(providers))
	}

	sbr := providers[0]
	if sbr.Timezone != "Europe/Rome" || sbr.Kind != weather.KindPortal || sbr.Format.Rename["T2m"] != "tair_2m" {
		t.Fatalf("sbr = %+v", sbr)
	}
	if sbr.Portal.Pages["timeseries"].Marker != "Datenexport" || !sbr.Stations[0].Scheduled {
		t.Fatalf("sbr portal = %+v", sbr.Portal)
	}
	meteo := providers[1]
	if meteo.Timezone != "UTC" || *meteo.Stations[0].Latitude != 46.5 {
		t.Fatalf("open-meteo = %+v", meteo)
	}

	province := providers[2]
	if province.FeedSource() != weather.SourceProvince || province.SampleInterval() != 10*time.Minute || province.Timezone != "Europe/Rome" {
		t.Fatalf("province = %+v", province)
	}
	if meteo.FeedSource() != weather.SourceOpenMeteo || meteo.SampleInterval() != time.Hour {
		t.Fatalf("open-meteo source %q interval %s", meteo.FeedSource(), meteo.SampleInterval())
	}

	want := map[string]weather.Credentials{
		"SBR":        {Username: "user", Password: "secret"},
		"open-meteo": {},
		"province":   {},
	}
	if diff := cmp.Diff(want, creds); diff != "" {
		t.Fatalf("credentials mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeProvidersMissingCredentials(t *testing.T) {
	_, _, err := DecodeProviders(strings.NewReader(catalogYAML), "Europe/Rome", env(map[string]string{"SBR_USERNAME": "user"}))
	if err == nil || !strings.Contains(err.Error(), "SBR_PASSWORD") {
		t.Fatalf("expected missing SBR_PASSWORD error, got %v", err)
	}
}

func TestDecodeProvidersUnknownField(t *testing.T) {
	_, _, err := DecodeProviders(strings.NewReader("providers:\n  - id: x\n    colour: red\n"), "UTC", env(nil))
	if err == nil {
		t.Fatal("expected unknown field error")
	}
}

package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i474232898/meteo-gateway/internal/store"
	"github.com/i474232898/meteo-gateway/internal/timezone"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

var sbr = weather.Provider{
	ID:       "SBR",
	Kind:     weather.KindPortal,
	Timezone: "Europe/Rome",
	Format: weather.ExportFormat{
		Delimiter:       ";",
		DecimalComma:    true,
		TimestampColumn: "datetime",
		TimestampLayout: "02.01.2006 15:04",
		Rename:          map[string]string{"Datum": "datetime", "T2m": "tair_2m", "RL": "relative_humidity"},
	},
	Stations: []weather.Station{{ID: "103", Name: "Marling"}},
}

func newIngester(t *testing.T) (*Ingester, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(0)
	ing := New(mem, nil)
	ing.now = func() time.Time { return time.Date(2025, 8, 27, 0, 0, 0, 0, time.UTC) }
	return ing, mem
}

func writeExport(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestIngestFile(t *testing.T) {
	ing, mem := newIngester(t)
	path := writeExport(t, "\ufeffDatum;T2m;RL\n25.08.2025 12:00;23,5;61\n25.08.2025 12:05;23,7;\n")

	n, err := ing.IngestFile(context.Background(), sbr, sbr.Stations[0], path)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("ingested %d records", n)
	}

	from := time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	got, err := mem.Range(context.Background(), "SBR", from, from.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("stored %d records", len(got))
	}
	first := got[0]
	if !first.Time.Equal(from) {
		t.Fatalf("time = %s, want %s", first.Time, from)
	}
	if first.Fields["tair_2m"] != 23.5 || first.Fields["relative_humidity"] != 61 {
		t.Fatalf("fields = %v", first.Fields)
	}
	if first.Tags[weather.StationTag] != "103" {
		t.Fatalf("tags = %v", first.Tags)
	}
	if _, ok := got[1].Fields["relative_humidity"]; ok {
		t.Fatal("missing value must be absent, not zero")
	}
	if !first.IngestedAt.Equal(ing.now()) {
		t.Fatalf("ingested_at = %s", first.IngestedAt)
	}
}

func TestIngestNonNumericWritesNothing(t *testing.T) {
	ing, mem := newIngester(t)
	path := writeExport(t, "Datum;T2m\n25.08.2025 12:00;23,5\n25.08.2025 12:05;warm\n")

	_, err := ing.IngestFile(context.Background(), sbr, sbr.Stations[0], path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.Line != 3 || !strings.Contains(verr.Diagnostic, "tair_2m") {
		t.Fatalf("diagnostic = line %d %q", verr.Line, verr.Diagnostic)
	}

	got, _ := mem.Range(context.Background(), "SBR", time.Time{}, time.Now())
	if len(got) != 0 {
		t.Fatalf("partial ingestion: %d records stored", len(got))
	}
}

func TestIngestMissingTimestampColumn(t *testing.T) {
	ing, _ := newIngester(t)
	_, err := ing.Parse(sbr, sbr.Stations[0], "x.csv", strings.NewReader("when;T2m\n25.08.2025 12:00;1\n"))
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Diagnostic, "timestamp column") {
		t.Fatalf("expected missing column ValidationError, got %v", err)
	}
}

func TestIngestDuplicateColumns(t *testing.T) {
	ing, _ := newIngester(t)
	_, err := ing.Parse(sbr, sbr.Stations[0], "x.csv", strings.NewReader("Datum;T2m;tair_2m\n25.08.2025 12:00;1;2\n"))
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Line != 1 {
		t.Fatalf("expected header ValidationError, got %v", err)
	}
}

func TestIngestRejectsColumnsShadowingRowKeys(t *testing.T) {
	ing, _ := newIngester(t)
	station := weather.Station{ID: "103", Tags: map[string]string{"network": "sbr"}}
	provider := sbr
	provider.Format.TimestampColumn = "Zeit"
	provider.Format.Rename = map[string]string{"T2m": "tair_2m"}

	for name, header := range map[string]string{
		"tag":      "Zeit;network;T2m",
		"datetime": "Zeit;datetime;T2m",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ing.Parse(provider, station, "x.csv", strings.NewReader(header+"\n25.08.2025 12:00;1;2\n"))
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Line != 1 || !strings.Contains(verr.Diagnostic, "collides") {
				t.Fatalf("expected collision ValidationError, got %v", err)
			}
		})
	}

	records, err := ing.Parse(provider, station, "x.csv", strings.NewReader("Zeit;T2m\n25.08.2025 12:00;2\n"))
	if err != nil || len(records) != 1 || records[0].Tags["network"] != "sbr" {
		t.Fatalf("records = %+v, err = %v", records, err)
	}
}

func TestIngestGapTimestampFails(t *testing.T) {
	ing, _ := newIngester(t)
	_, err := ing.Parse(sbr, sbr.Stations[0], "x.csv", strings.NewReader("Datum;T2m\n30.03.2025 02:30;1\n"))
	var gap *timezone.AmbiguousLocalTimeError
	if !errors.As(err, &gap) {
		t.Fatalf("expected AmbiguousLocalTimeError, got %v", err)
	}
}

func TestIngestForeignStationRow(t *testing.T) {
	ing, _ := newIngester(t)
	_, err := ing.Parse(sbr, sbr.Stations[0], "x.csv", strings.NewReader("Datum;station_id;T2m\n25.08.2025 12:00;104;1\n"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestIngestAwareTimestamps(t *testing.T) {
	feed := weather.Provider{ID: "open-meteo", Kind: weather.KindFeed, Timezone: "Europe/Rome"}
	ing, _ := newIngester(t)
	records, err := ing.Parse(feed, weather.Station{ID: "bz"}, "x.csv",
		strings.NewReader("datetime,tair_2m,precipitation\n2025-08-25T10:00:00Z,21.0,0.2\n2025-08-25T12:00,22.0,NaN\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records", len(records))
	}
	want := time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	for _, r := range records {
		if !r.Time.Equal(want) {
			t.Fatalf("time = %s, want %s", r.Time, want)
		}
	}
	if _, ok := records[1].Fields["precipitation"]; ok {
		t.Fatal("NaN must be treated as missing")
	}
}

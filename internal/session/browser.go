package session

import (
	"context"
	"time"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Page is the handle a Browser returns for a page it reached.
type Page struct {
	Key string
	URL string
}

// ExportRequest asks the portal to produce an export file for one station.
// From and To are the provider-local bounds of the requested days, To exclusive.
type ExportRequest struct {
	Station     weather.Station
	From        time.Time
	To          time.Time
	DownloadDir string
}

// DownloadEntry is one file observed in a download directory.
type DownloadEntry struct {
	Name string
	Size int64
}

// Browser is the capability a Session drives. Implementations report portal conditions
// by wrapping ErrCredentialsRejected, ErrPageUnreachable or ErrUnexpectedLayout.
type Browser interface {
	Login(ctx context.Context, creds weather.Credentials) error
	Navigate(ctx context.Context, pageKey string) (Page, error)
	// RequestExport only triggers the export; the file shows up in req.DownloadDir later.
	RequestExport(ctx context.Context, req ExportRequest) error
	PollDownloadDir(ctx context.Context, dir string) ([]DownloadEntry, error)
	Close() error
}

// Factory starts a new browser for a provider.
type Factory interface {
	NewBrowser(ctx context.Context, provider weather.Provider) (Browser, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(ctx context.Context, provider weather.Provider) (Browser, error)

func (f FactoryFunc) NewBrowser(ctx context.Context, provider weather.Provider) (Browser, error) {
	return f(ctx, provider)
}

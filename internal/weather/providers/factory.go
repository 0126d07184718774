package providers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/i474232898/meteo-gateway/internal/session"
	"github.com/i474232898/meteo-gateway/internal/weather"
)

// Factory starts the driver matching a provider's kind. Circuit breakers are shared per
// provider, so a portal that keeps failing stays open across fresh sessions.
type Factory struct {
	client  *http.Client
	backoff BackoffConfig
	logger  *zap.SugaredLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewFactory(client *http.Client, backoff BackoffConfig, logger *zap.SugaredLogger) *Factory {
	if client == nil {
		client = http.DefaultClient
	}
	if backoff.InitialInterval <= 0 {
		backoff = DefaultBackoff
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Factory{
		client:   client,
		backoff:  backoff,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *Factory) breaker(provider string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	cb, ok := f.breakers[provider]
	if !ok {
		cb = newBreaker(provider)
		f.breakers[provider] = cb
	}
	return cb
}

func (f *Factory) NewBrowser(ctx context.Context, provider weather.Provider) (session.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cb := f.breaker(provider.ID)
	switch provider.Kind {
	case weather.KindPortal:
		b, err := NewPortalBrowser(provider, f.client, f.backoff, cb, f.logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case weather.KindFeed:
		if provider.FeedSource() == weather.SourceProvince {
			b, err := NewProvinceBrowser(provider, f.client, f.backoff, cb, f.logger)
			if err != nil {
				return nil, err
			}
			return b, nil
		}
		b, err := NewFeedBrowser(provider, f.client, f.backoff, cb, f.logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("provider %s: unsupported kind %q", provider.ID, provider.Kind)
	}
}

var _ session.Factory = (*Factory)(nil)

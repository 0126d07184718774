package weather

import (
	"errors"
	"fmt"
	"strings"

	"github.com/i474232898/meteo-gateway/internal/timezone"
)

var (
	// ErrUnknownProvider is returned when a provider id is not in the catalog.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnknownStation is returned when a station is not offered by a provider.
	ErrUnknownStation = errors.New("unknown station")
)

// Catalog is the immutable set of configured providers.
type Catalog struct {
	providers map[string]Provider
	order     []string
}

// NewCatalog validates providers and indexes them by lower-cased id.
func NewCatalog(providers []Provider) (*Catalog, error) {
	c := &Catalog{providers: make(map[string]Provider, len(providers))}

	for _, p := range providers {
		if p.ID == "" {
			return nil, fmt.Errorf("provider without id")
		}
		key := strings.ToLower(p.ID)
		if _, dup := c.providers[key]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.ID)
		}
		switch p.Kind {
		case KindPortal:
		case KindFeed:
			if src := p.FeedSource(); src != SourceOpenMeteo && src != SourceProvince {
				return nil, fmt.Errorf("provider %s: unsupported feed source %q", p.ID, src)
			}
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
		}
		if p.Frequency < 0 {
			return nil, fmt.Errorf("provider %s: negative frequency", p.ID)
		}
		if _, err := timezone.LoadZone(p.Timezone); err != nil {
			return nil, fmt.Errorf("provider %s: %w", p.ID, err)
		}

		seen := make(map[string]struct{}, len(p.Stations))
		for _, s := range p.Stations {
			if s.ID == "" {
				return nil, fmt.Errorf("provider %s: station without id", p.ID)
			}
			if _, dup := seen[s.ID]; dup {
				return nil, fmt.Errorf("provider %s: duplicate station %q", p.ID, s.ID)
			}
			seen[s.ID] = struct{}{}
		}

		c.providers[key] = p
		c.order = append(c.order, key)
	}
	return c, nil
}

// Provider returns the provider with the given id, matched case-insensitively.
func (c *Catalog) Provider(id string) (Provider, error) {
	p, ok := c.providers[strings.ToLower(id)]
	if !ok {
		return Provider{}, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// Providers returns all providers in configuration order.
func (c *Catalog) Providers() []Provider {
	out := make([]Provider, 0, len(c.order))
	for _, key := range c.order {
		out = append(out, c.providers[key])
	}
	return out
}

// Lookup resolves a provider and one of its stations.
func (c *Catalog) Lookup(providerID, station string) (Provider, Station, error) {
	p, err := c.Provider(providerID)
	if err != nil {
		return Provider{}, Station{}, err
	}
	s, ok := p.Station(station)
	if !ok {
		return Provider{}, Station{}, fmt.Errorf("%w: %q for provider %s", ErrUnknownStation, station, p.ID)
	}
	return p, s, nil
}

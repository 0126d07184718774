package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

type catalogFile struct {
	Providers []weather.Provider `yaml:"providers"`
}

// LoadProviders reads the provider catalog at path and resolves each provider's
// credentials from the environment variables it names.
func LoadProviders(path, defaultZone string) ([]weather.Provider, map[string]weather.Credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open provider catalog: %w", err)
	}
	defer f.Close()
	return DecodeProviders(f, defaultZone, os.LookupEnv)
}

// DecodeProviders is LoadProviders over r with a custom environment lookup.
func DecodeProviders(r io.Reader, defaultZone string, lookup func(string) (string, bool)) ([]weather.Provider, map[string]weather.Credentials, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, nil, fmt.Errorf("decode provider catalog: %w", err)
	}
	if len(file.Providers) == 0 {
		return nil, nil, fmt.Errorf("provider catalog lists no providers")
	}

	creds := make(map[string]weather.Credentials, len(file.Providers))
	for i := range file.Providers {
		p := &file.Providers[i]
		if p.Kind == "" {
			p.Kind = weather.KindPortal
		}
		if p.Timezone == "" {
			p.Timezone = defaultZone
		}

		c, err := resolveCredentials(p, lookup)
		if err != nil {
			return nil, nil, err
		}
		creds[p.ID] = c
	}
	return file.Providers, creds, nil
}

func resolveCredentials(p *weather.Provider, lookup func(string) (string, bool)) (weather.Credentials, error) {
	ref := p.Credentials
	if ref.UsernameEnv == "" && ref.PasswordEnv == "" {
		if p.Kind == weather.KindPortal {
			return weather.Credentials{}, fmt.Errorf("provider %s: portal providers need credentials.username_env and credentials.password_env", p.ID)
		}
		return weather.Credentials{}, nil
	}

	var c weather.Credentials
	for _, f := range []struct {
		env string
		dst *string
	}{{ref.UsernameEnv, &c.Username}, {ref.PasswordEnv, &c.Password}} {
		if f.env == "" {
			return weather.Credentials{}, fmt.Errorf("provider %s: incomplete credential reference", p.ID)
		}
		v, ok := lookup(f.env)
		if !ok || v == "" {
			return weather.Credentials{}, fmt.Errorf("provider %s: environment variable %s is not set", p.ID, f.env)
		}
		*f.dst = v
	}
	return c, nil
}

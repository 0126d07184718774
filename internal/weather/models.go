package weather

import (
	"sort"
	"strings"
	"time"
)

// ProviderKind distinguishes browser-driven export portals from direct data feeds.
type ProviderKind string

const (
	KindPortal ProviderKind = "portal"
	KindFeed   ProviderKind = "feed"
)

// StationTag is the tag every station's tag set carries.
const StationTag = "station_id"

// Station is a provider-scoped measuring station.
type Station struct {
	ID        string            `yaml:"id" json:"id"`
	Name      string            `yaml:"name" json:"name"`
	Tags      map[string]string `yaml:"tags" json:"tags,omitempty"`
	Latitude  *float64          `yaml:"latitude" json:"latitude,omitempty"`
	Longitude *float64          `yaml:"longitude" json:"longitude,omitempty"`
	// Scheduled stations are exported periodically by the scheduler.
	Scheduled bool `yaml:"scheduled" json:"scheduled"`
}

// TagSet returns a copy of the station tags including station_id.
func (s Station) TagSet() map[string]string {
	tags := make(map[string]string, len(s.Tags)+1)
	for k, v := range s.Tags {
		tags[k] = v
	}
	tags[StationTag] = s.ID
	return tags
}

// CredentialRef names the environment variables that hold a provider's credentials.
type CredentialRef struct {
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
}

// Credentials are resolved at configuration load and never persisted.
type Credentials struct {
	Username string
	Password string
}

// ExportFormat describes the delimited text files a provider exports.
type ExportFormat struct {
	Delimiter       string             `yaml:"delimiter"`
	DecimalComma    bool               `yaml:"decimal_comma"`
	TimestampColumn string             `yaml:"timestamp_column"`
	TimestampLayout string             `yaml:"timestamp_layout"`
	Rename          map[string]string  `yaml:"rename"`
	Scale           map[string]float64 `yaml:"scale"`
}

// PageSettings locates one portal page and the marker proving it rendered.
type PageSettings struct {
	Path   string `yaml:"path"`
	Marker string `yaml:"marker"`
}

// PortalSettings configures the form-login portal driver.
type PortalSettings struct {
	LoginPath      string                  `yaml:"login_path"`
	UsernameField  string                  `yaml:"username_field"`
	PasswordField  string                  `yaml:"password_field"`
	LoginForm      map[string]string       `yaml:"login_form"`
	FailureMarkers []string                `yaml:"failure_markers"`
	SuccessMarker  string                  `yaml:"success_marker"`
	Pages          map[string]PageSettings `yaml:"pages"`
	ExportPath     string                  `yaml:"export_path"`
	ExportParams   map[string]string       `yaml:"export_params"`
	DateLayout     string                  `yaml:"date_layout"`
	DatasetPattern string                  `yaml:"dataset_pattern"`
}

// Feed sources served by the direct-feed drivers.
const (
	SourceOpenMeteo = "open-meteo"
	SourceProvince  = "province"
)

// FeedSettings configures the direct-feed driver.
type FeedSettings struct {
	// Source selects the feed API; empty means open-meteo.
	Source string `yaml:"source"`
	// Variables are Open-Meteo hourly variables or province sensor codes.
	Variables []string `yaml:"variables"`
}

// Provider is an external data source. Providers are immutable once the catalog is loaded.
type Provider struct {
	ID          string         `yaml:"id" json:"id"`
	Kind        ProviderKind   `yaml:"kind" json:"kind"`
	BaseURL     string         `yaml:"base_url" json:"base_url"`
	Timezone    string         `yaml:"timezone" json:"timezone"`
	Credentials CredentialRef  `yaml:"credentials" json:"-"`
	ExportPage  string         `yaml:"export_page" json:"-"`
	Format      ExportFormat   `yaml:"format" json:"-"`
	Portal      PortalSettings `yaml:"portal" json:"-"`
	Feed        FeedSettings   `yaml:"feed" json:"-"`
	Stations    []Station      `yaml:"stations" json:"stations"`

	// Frequency is the sampling interval used to find gaps in stored data.
	Frequency time.Duration `yaml:"frequency" json:"-"`
}

// FeedSource returns the feed API of a feed provider.
func (p Provider) FeedSource() string {
	if p.Feed.Source == "" {
		return SourceOpenMeteo
	}
	return p.Feed.Source
}

// SampleInterval is the configured frequency, or the usual one of the provider's source.
func (p Provider) SampleInterval() time.Duration {
	if p.Frequency > 0 {
		return p.Frequency
	}
	if p.Kind != KindFeed {
		return 5 * time.Minute
	}
	if p.FeedSource() == SourceProvince {
		return 10 * time.Minute
	}
	return time.Hour
}

// Station looks a station up by id or display name.
func (p Provider) Station(nameOrID string) (Station, bool) {
	for _, s := range p.Stations {
		if s.ID == nameOrID {
			return s, true
		}
	}
	for _, s := range p.Stations {
		if strings.EqualFold(s.Name, nameOrID) {
			return s, true
		}
	}
	return Station{}, false
}

// HasStation reports whether id belongs to this provider.
func (p Provider) HasStation(id string) bool {
	for _, s := range p.Stations {
		if s.ID == id {
			return true
		}
	}
	return false
}

// Record is one time-series observation. Time is always a canonical UTC instant.
type Record struct {
	Provider   string             `json:"provider"`
	Tags       map[string]string  `json:"tags"`
	Time       time.Time          `json:"time"`
	Fields     map[string]float64 `json:"fields"`
	IngestedAt time.Time          `json:"ingested_at"`
}

// MatchesTags reports whether every filter tag is present with the same value.
func (r Record) MatchesTags(filter map[string]string) bool {
	for k, v := range filter {
		if r.Tags[k] != v {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers never share maps with storage.
func (r Record) Clone() Record {
	out := r
	out.Tags = make(map[string]string, len(r.Tags))
	for k, v := range r.Tags {
		out.Tags[k] = v
	}
	out.Fields = make(map[string]float64, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

// TagKey is a canonical string form of a tag set.
func TagKey(tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

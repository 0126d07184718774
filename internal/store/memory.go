package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

// MemoryStore is a concurrency-safe in-memory record store. Records are kept per
// provider in insertion order.
type MemoryStore struct {
	mu sync.RWMutex

	// key: provider id, value: records in insertion order
	data map[string][]weather.Record

	// maxRecords caps records per provider; oldest insertions are dropped first.
	maxRecords int
}

// NewMemoryStore creates a new MemoryStore. If maxRecords is <= 0, it is treated as unlimited.
func NewMemoryStore(maxRecords int) *MemoryStore {
	return &MemoryStore{
		data:       make(map[string][]weather.Record),
		maxRecords: maxRecords,
	}
}

// Insert appends records. Either every record is stored or none is.
func (s *MemoryStore) Insert(ctx context.Context, records []weather.Record) error {
	for i, r := range records {
		if r.Provider == "" {
			return fmt.Errorf("record %d: missing provider", i)
		}
		if r.Time.IsZero() {
			return fmt.Errorf("record %d: missing time", i)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		c := r.Clone()
		c.Time = c.Time.UTC()
		s.data[r.Provider] = append(s.data[r.Provider], c)
	}

	// Enforce retention by count.
	if s.maxRecords > 0 {
		for provider, recs := range s.data {
			if over := len(recs) - s.maxRecords; over > 0 {
				s.data[provider] = recs[over:]
			}
		}
	}
	return nil
}

// Range returns copies of the provider's records between from and to (inclusive),
// in insertion order. No match is an empty result, not an error.
func (s *MemoryStore) Range(ctx context.Context, provider string, from, to time.Time) ([]weather.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []weather.Record{}
	for _, r := range s.data[provider] {
		if (r.Time.Equal(from) || r.Time.After(from)) &&
			(r.Time.Equal(to) || r.Time.Before(to)) {
			result = append(result, r.Clone())
		}
	}
	return result, nil
}

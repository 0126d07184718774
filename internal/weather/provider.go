package weather

import (
	"context"
	"time"
)

// Store is the contract record storage (in-memory or PostgreSQL) must satisfy.
type Store interface {
	// Insert writes all records or none of them.
	Insert(ctx context.Context, records []Record) error
	// Range returns the provider's records with from <= Time <= to, in storage order.
	Range(ctx context.Context, provider string, from, to time.Time) ([]Record, error)
}

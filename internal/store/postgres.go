package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/i474232898/meteo-gateway/internal/weather"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id          BIGSERIAL PRIMARY KEY,
    provider    TEXT        NOT NULL,
    tags        JSONB       NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    fields      JSONB       NOT NULL,
    ingested_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS records_provider_ts_idx ON records (provider, ts);
`

// PostgresStore persists records in PostgreSQL. Storage order is the id sequence.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and checks the connection.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the records table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Insert writes all records in one transaction.
func (s *PostgresStore) Insert(ctx context.Context, records []weather.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `INSERT INTO records (provider, tags, ts, fields, ingested_at) VALUES ($1,$2,$3,$4,$5)`

	for i, r := range records {
		tags, err := json.Marshal(r.Tags)
		if err != nil {
			return fmt.Errorf("record %d tags: %w", i, err)
		}
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("record %d fields: %w", i, err)
		}
		batch.Queue(query, r.Provider, tags, r.Time.UTC(), fields, r.IngestedAt.UTC())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	res := tx.SendBatch(ctx, batch)
	for range records {
		if _, err := res.Exec(); err != nil {
			res.Close()
			return err
		}
	}
	if err := res.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Range returns the provider's records between from and to (inclusive) in storage order.
func (s *PostgresStore) Range(ctx context.Context, provider string, from, to time.Time) ([]weather.Record, error) {
	rows, err := s.pool.Query(ctx, `
SELECT tags, ts, fields, ingested_at
FROM records
WHERE provider = $1 AND ts >= $2 AND ts <= $3
ORDER BY id`, provider, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []weather.Record{}
	for rows.Next() {
		var (
			tags, fields []byte
			rec          = weather.Record{Provider: provider}
		)
		if err := rows.Scan(&tags, &rec.Time, &fields, &rec.IngestedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode fields: %w", err)
		}
		rec.Time = rec.Time.UTC()
		rec.IngestedAt = rec.IngestedAt.UTC()
		result = append(result, rec)
	}
	return result, rows.Err()
}

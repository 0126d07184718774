package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror wraps a Log and caches each job's current state in Redis with a TTL,
// so job status can be read by other processes without the log's backing store.
// The wrapped Log stays authoritative; mirror failures are logged, not returned.
type RedisMirror struct {
	Log

	client *redis.Client
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRedisMirror(log Log, client *redis.Client, ttl time.Duration, logger *zap.SugaredLogger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RedisMirror{Log: log, client: client, ttl: ttl, logger: logger}
}

func (m *RedisMirror) key(id string) string {
	return fmt.Sprintf("exports:job:%s", id)
}

func (m *RedisMirror) Create(ctx context.Context, job *ExportJob) error {
	if err := m.Log.Create(ctx, job); err != nil {
		return err
	}
	m.save(ctx, job)
	return nil
}

func (m *RedisMirror) Append(ctx context.Context, id string, ev Event) error {
	if err := m.Log.Append(ctx, id, ev); err != nil {
		return err
	}
	job, err := m.Log.Get(ctx, id)
	if err != nil {
		m.logger.Warnw("reloading job for mirror failed", "job_id", id, "error", err)
		return nil
	}
	m.save(ctx, job)
	return nil
}

func (m *RedisMirror) save(ctx context.Context, job *ExportJob) {
	data, err := json.Marshal(job)
	if err != nil {
		m.logger.Warnw("encoding job for mirror failed", "job_id", job.ID, "error", err)
		return
	}
	if err := m.client.Set(ctx, m.key(job.ID), data, m.ttl).Err(); err != nil {
		m.logger.Warnw("mirroring job to redis failed", "job_id", job.ID, "error", err)
	}
}

// Cached returns the mirrored copy of a job.
func (m *RedisMirror) Cached(ctx context.Context, id string) (*ExportJob, error) {
	result, err := m.client.Get(ctx, m.key(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var job ExportJob
	if err := json.Unmarshal([]byte(result), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get serves the mirrored copy when Redis has one and falls back to the wrapped log.
func (m *RedisMirror) Get(ctx context.Context, id string) (*ExportJob, error) {
	job, err := m.Cached(ctx, id)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, ErrNotFound) {
		m.logger.Warnw("reading job mirror failed", "job_id", id, "error", err)
	}
	return m.Log.Get(ctx, id)
}

package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryLog keeps jobs in process memory.
type MemoryLog struct {
	mu   sync.RWMutex
	jobs map[string]*ExportJob
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{jobs: make(map[string]*ExportJob)}
}

func (l *MemoryLog) Create(ctx context.Context, job *ExportJob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.jobs[job.ID]; ok {
		return fmt.Errorf("export job %s already exists", job.ID)
	}
	l.jobs[job.ID] = job.Clone()
	return nil
}

func (l *MemoryLog) Append(ctx context.Context, id string, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	job, ok := l.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.apply(ev)
}

func (l *MemoryLog) Get(ctx context.Context, id string) (*ExportJob, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	job, ok := l.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return job.Clone(), nil
}

func (l *MemoryLog) List(ctx context.Context) ([]*ExportJob, error) {
	l.mu.RLock()
	out := make([]*ExportJob, 0, len(l.jobs))
	for _, job := range l.jobs {
		out = append(out, job.Clone())
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	return out, nil
}

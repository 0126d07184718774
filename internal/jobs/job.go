package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/meteo-gateway/internal/timezone"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("export job not found")
	// ErrTerminal is returned when appending to a job that already finished.
	ErrTerminal = errors.New("export job already finished")
)

// Status is the coarse lifecycle of an export job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Event is one history entry: a status change, a session state change, or both.
type Event struct {
	Status  Status    `json:"status,omitempty"`
	State   string    `json:"state,omitempty"`
	Error   string    `json:"error,omitempty"`
	Records int       `json:"records,omitempty"`
	At      time.Time `json:"at"`
}

// ExportJob is one request to pull a station's data for a local date range.
type ExportJob struct {
	ID          string        `json:"id"`
	Provider    string        `json:"provider"`
	Station     string        `json:"station"`
	Start       timezone.Date `json:"start"`
	End         timezone.Date `json:"end"`
	RequestedAt time.Time     `json:"requested_at"`
	Status      Status        `json:"status"`
	Records     int           `json:"records"`
	Error       string        `json:"error,omitempty"`
	History     []Event       `json:"history"`
}

// NewExportJob returns a pending job with a fresh id.
func NewExportJob(provider, station string, start, end timezone.Date, now time.Time) *ExportJob {
	now = now.UTC()
	return &ExportJob{
		ID:          uuid.NewString(),
		Provider:    provider,
		Station:     station,
		Start:       start,
		End:         end,
		RequestedAt: now,
		Status:      StatusPending,
		History:     []Event{{Status: StatusPending, At: now}},
	}
}

// Clone returns a deep copy.
func (j *ExportJob) Clone() *ExportJob {
	out := *j
	out.History = make([]Event, len(j.History))
	copy(out.History, j.History)
	return &out
}

// apply appends ev. History is append-only and a finished job accepts nothing more.
func (j *ExportJob) apply(ev Event) error {
	if j.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, j.ID, j.Status)
	}
	if ev.Status != "" {
		j.Status = ev.Status
		if ev.Error != "" {
			j.Error = ev.Error
		}
		if ev.Status == StatusCompleted {
			j.Records = ev.Records
		}
	}
	j.History = append(j.History, ev)
	return nil
}

// Log is the append-only record of export jobs.
type Log interface {
	Create(ctx context.Context, job *ExportJob) error
	Append(ctx context.Context, id string, ev Event) error
	Get(ctx context.Context, id string) (*ExportJob, error)
	// List returns jobs newest first.
	List(ctx context.Context) ([]*ExportJob, error)
}

package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/i474232898/meteo-gateway/internal/timezone"
)

// SQLiteLog persists jobs and their history in a SQLite file.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog opens (or creates) the database at path.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	jobTable := `
	CREATE TABLE IF NOT EXISTS export_jobs (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		station TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		records INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT ''
	);
	`
	eventTable := `
	CREATE TABLE IF NOT EXISTS export_job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES export_jobs(id),
		status TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		records INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);
	`
	for _, stmt := range []string{jobTable, eventTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, err
		}
	}
	return &SQLiteLog{db: db}, nil
}

func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLog) Create(ctx context.Context, job *ExportJob) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO export_jobs (id, provider, station, start_date, end_date, requested_at, status, records, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Provider, job.Station, job.Start.String(), job.End.String(), job.RequestedAt.UTC(),
		string(job.Status), job.Records, job.Error)
	if err != nil {
		return err
	}
	for _, ev := range job.History {
		if err := insertEvent(ctx, tx, job.ID, ev); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertEvent(ctx context.Context, tx *sql.Tx, id string, ev Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO export_job_events (job_id, status, state, error, records, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(ev.Status), ev.State, ev.Error, ev.Records, ev.At.UTC())
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, id string, ev Event) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM export_jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(status).Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminal, id, status)
	}

	if err := insertEvent(ctx, tx, id, ev); err != nil {
		return err
	}
	if ev.Status != "" {
		_, err = tx.ExecContext(ctx, `UPDATE export_jobs
			SET status = ?,
			    records = CASE WHEN ? = 'completed' THEN ? ELSE records END,
			    error = CASE WHEN ? <> '' THEN ? ELSE error END
			WHERE id = ?`,
			string(ev.Status), string(ev.Status), ev.Records, ev.Error, ev.Error, id)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (l *SQLiteLog) Get(ctx context.Context, id string) (*ExportJob, error) {
	job, err := l.scanJob(l.db.QueryRowContext(ctx, `SELECT id, provider, station, start_date, end_date, requested_at, status, records, error
		FROM export_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := l.loadHistory(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (l *SQLiteLog) List(ctx context.Context) ([]*ExportJob, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT id, provider, station, start_date, end_date, requested_at, status, records, error
		FROM export_jobs ORDER BY requested_at DESC, id`)
	if err != nil {
		return nil, err
	}

	var out []*ExportJob
	for rows.Next() {
		job, err := l.scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range out {
		if err := l.loadHistory(ctx, job); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (l *SQLiteLog) scanJob(row scanner) (*ExportJob, error) {
	var (
		job         ExportJob
		start, end  string
		status      string
		requestedAt time.Time
	)
	if err := row.Scan(&job.ID, &job.Provider, &job.Station, &start, &end, &requestedAt, &status, &job.Records, &job.Error); err != nil {
		return nil, err
	}
	var err error
	if job.Start, err = timezone.ParseDate(start); err != nil {
		return nil, err
	}
	if job.End, err = timezone.ParseDate(end); err != nil {
		return nil, err
	}
	job.RequestedAt = requestedAt.UTC()
	job.Status = Status(status)
	return &job, nil
}

func (l *SQLiteLog) loadHistory(ctx context.Context, job *ExportJob) error {
	rows, err := l.db.QueryContext(ctx, `SELECT status, state, error, records, created_at
		FROM export_job_events WHERE job_id = ? ORDER BY id`, job.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	job.History = nil
	for rows.Next() {
		var (
			ev     Event
			status string
		)
		if err := rows.Scan(&status, &ev.State, &ev.Error, &ev.Records, &ev.At); err != nil {
			return err
		}
		ev.Status = Status(status)
		ev.At = ev.At.UTC()
		job.History = append(job.History, ev)
	}
	return rows.Err()
}

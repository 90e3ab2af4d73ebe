// Package jobs provides the background job runtime: a sqlite-backed job
// store, a redis-assisted event bus, and queue workers with timeouts.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/dime-ai/discovery/internal/model"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = eris.New("job not found")

// DefaultEventHistory caps the retained progress events per job.
const DefaultEventHistory = 100

// Store persists jobs and their event logs in sqlite.
type Store struct {
	db           *sql.DB
	eventHistory int
}

// NewStore opens the job database and configures WAL mode.
func NewStore(dsn string, eventHistory int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: open store")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "jobs: exec %s", pragma)
		}
	}
	if eventHistory <= 0 {
		eventHistory = DefaultEventHistory
	}
	return &Store{db: db, eventHistory: eventHistory}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS jobs (
	id          TEXT PRIMARY KEY,
	queue       TEXT NOT NULL,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'queued',
	payload     TEXT,
	result      TEXT,
	error       TEXT,
	enqueued_at DATETIME NOT NULL,
	started_at  DATETIME,
	ended_at    DATETIME
);

CREATE TABLE IF NOT EXISTS job_events (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id    TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	timestamp DATETIME NOT NULL,
	stage     TEXT NOT NULL,
	data      TEXT
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_ended_at ON jobs(ended_at);
CREATE INDEX IF NOT EXISTS idx_job_events_job_id ON job_events(job_id);
`

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "jobs: migrate")
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob inserts a queued job.
func (s *Store) CreateJob(ctx context.Context, id, queue, kind string, payload json.RawMessage) (*model.JobRecord, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, queue, kind, status, payload, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, queue, kind, string(model.JobStatusQueued), nullableJSON(payload), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "jobs: insert job")
	}
	return &model.JobRecord{
		JobID:      id,
		Queue:      queue,
		Kind:       kind,
		Status:     model.JobStatusQueued,
		EnqueuedAt: now,
		Payload:    payload,
		Events:     []model.ProgressEvent{},
	}, nil
}

// MarkRunning transitions a job to running.
func (s *Store) MarkRunning(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = ? WHERE id = ?`,
		string(model.JobStatusRunning), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "jobs: mark running %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

// MarkFinished records a successful result and ends the job.
func (s *Store) MarkFinished(ctx context.Context, jobID string, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result = ?, ended_at = ? WHERE id = ?`,
		string(model.JobStatusFinished), nullableJSON(result), time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "jobs: mark finished %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

// MarkFailed records a failure message and ends the job.
func (s *Store) MarkFailed(ctx context.Context, jobID, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		string(model.JobStatusFailed), errMsg, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "jobs: mark failed %s", jobID)
	}
	return checkRowsAffected(res, jobID)
}

// AppendEvent appends one progress event and trims the retained history to
// the configured cap.
func (s *Store) AppendEvent(ctx context.Context, jobID string, event model.ProgressEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return eris.Wrap(err, "jobs: marshal event data")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "jobs: begin event append")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (job_id, timestamp, stage, data) VALUES (?, ?, ?, ?)`,
		jobID, event.Timestamp.UTC(), event.Stage, string(data),
	); err != nil {
		return eris.Wrapf(err, "jobs: insert event for %s", jobID)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_events WHERE job_id = ? AND id NOT IN (
			SELECT id FROM job_events WHERE job_id = ? ORDER BY id DESC LIMIT ?
		)`,
		jobID, jobID, s.eventHistory,
	); err != nil {
		return eris.Wrapf(err, "jobs: trim events for %s", jobID)
	}

	return eris.Wrap(tx.Commit(), "jobs: commit event append")
}

// GetJob returns a job snapshot with its retained event history.
func (s *Store) GetJob(ctx context.Context, jobID string) (*model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, queue, kind, status, payload, result, error, enqueued_at, started_at, ended_at
		 FROM jobs WHERE id = ?`, jobID)

	var job model.JobRecord
	var payload, result, errMsg sql.NullString
	var startedAt, endedAt sql.NullTime
	err := row.Scan(&job.JobID, &job.Queue, &job.Kind, &job.Status,
		&payload, &result, &errMsg, &job.EnqueuedAt, &startedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: get job %s", jobID)
	}

	if payload.Valid {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		job.EndedAt = &t
	}

	events, err := s.Events(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Events = events
	return &job, nil
}

// Events returns the retained events for a job in append order.
func (s *Store) Events(ctx context.Context, jobID string) ([]model.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, stage, data FROM job_events WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: query events for %s", jobID)
	}
	defer rows.Close()

	events := []model.ProgressEvent{}
	for rows.Next() {
		var event model.ProgressEvent
		var data sql.NullString
		if err := rows.Scan(&event.Timestamp, &event.Stage, &data); err != nil {
			return nil, eris.Wrap(err, "jobs: scan event")
		}
		if data.Valid && data.String != "" && data.String != "null" {
			if err := json.Unmarshal([]byte(data.String), &event.Data); err != nil {
				return nil, eris.Wrap(err, "jobs: decode event data")
			}
		}
		events = append(events, event)
	}
	return events, eris.Wrap(rows.Err(), "jobs: iterate events")
}

// Sweep deletes terminal jobs older than ttl and enforces the total job cap
// by evicting the oldest terminal jobs. Returns the number deleted.
func (s *Store) Sweep(ctx context.Context, ttl time.Duration, maxJobs int) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN (?, ?) AND ended_at IS NOT NULL AND ended_at < ?`,
		string(model.JobStatusFinished), string(model.JobStatusFailed), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "jobs: sweep expired")
	}
	deleted, _ := res.RowsAffected()

	if maxJobs > 0 {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM jobs WHERE status IN (?, ?) AND id IN (
				SELECT id FROM jobs ORDER BY enqueued_at DESC LIMIT -1 OFFSET ?
			)`,
			string(model.JobStatusFinished), string(model.JobStatusFailed), maxJobs,
		)
		if err != nil {
			return int(deleted), eris.Wrap(err, "jobs: sweep over cap")
		}
		evicted, _ := res.RowsAffected()
		deleted += evicted
	}
	return int(deleted), nil
}

// CountJobs returns the total number of stored jobs.
func (s *Store) CountJobs(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n)
	return n, eris.Wrap(err, "jobs: count jobs")
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func checkRowsAffected(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "jobs: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrJobNotFound, "jobs: %s", jobID)
	}
	return nil
}

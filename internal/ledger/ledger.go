// Package ledger persists job lifecycle state in Postgres so that progress
// survives worker restarts and is visible to every process sharing the store.
package ledger

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/tripmill/tripmill/internal/common/triperrors"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type JobRecord struct {
	JobId         string
	Filename      string
	Status        Status
	SubmittedAt   time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
	TotalExpected *int64
	InsertedSoFar int64
	LastMessage   string
}

// JobLedger is the durable record of job lifecycle. The worker executing a job
// is its sole writer; everything else is read-only.
type JobLedger interface {
	CreateOrReset(ctx context.Context, jobId string, filename string) error
	MarkRunning(ctx context.Context, jobId string) error
	SetExpectedTotal(ctx context.Context, jobId string, total int64) error
	RecordProgress(ctx context.Context, jobId string, inserted int64) error
	MarkCompleted(ctx context.Context, jobId string, inserted int64, message string) error
	MarkFailed(ctx context.Context, jobId string, message string) error
	Get(ctx context.Context, jobId string) (*JobRecord, error)
}

type PostgresLedger struct {
	db *pgxpool.Pool
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// CreateOrReset upserts the job record back to queued, clearing any prior
// terminal state. Idempotent, so re-submitting a job id after a partial
// failure resets it cleanly.
func (l *PostgresLedger) CreateOrReset(ctx context.Context, jobId string, filename string) error {
	_, err := l.db.Exec(ctx, `
		INSERT INTO ingestion_status (job_id, filename, submitted_at, status, inserted_so_far, last_message)
		VALUES ($1, $2, now(), 'queued', 0, '')
		ON CONFLICT (job_id) DO UPDATE
		  SET filename = EXCLUDED.filename,
		      submitted_at = EXCLUDED.submitted_at,
		      started_at = NULL,
		      finished_at = NULL,
		      status = 'queued',
		      total_expected = NULL,
		      inserted_so_far = 0,
		      last_message = ''`,
		jobId, filename)
	return errors.WithStack(err)
}

func (l *PostgresLedger) MarkRunning(ctx context.Context, jobId string) error {
	_, err := l.db.Exec(ctx,
		`UPDATE ingestion_status SET started_at = now(), status = 'running' WHERE job_id = $1`,
		jobId)
	return errors.WithStack(err)
}

func (l *PostgresLedger) SetExpectedTotal(ctx context.Context, jobId string, total int64) error {
	_, err := l.db.Exec(ctx,
		`UPDATE ingestion_status SET total_expected = $1 WHERE job_id = $2`,
		total, jobId)
	return errors.WithStack(err)
}

func (l *PostgresLedger) RecordProgress(ctx context.Context, jobId string, inserted int64) error {
	_, err := l.db.Exec(ctx,
		`UPDATE ingestion_status SET inserted_so_far = $1 WHERE job_id = $2`,
		inserted, jobId)
	return errors.WithStack(err)
}

func (l *PostgresLedger) MarkCompleted(ctx context.Context, jobId string, inserted int64, message string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE ingestion_status
		SET finished_at = now(), status = 'completed', inserted_so_far = $1, last_message = $2
		WHERE job_id = $3`,
		inserted, message, jobId)
	return errors.WithStack(err)
}

func (l *PostgresLedger) MarkFailed(ctx context.Context, jobId string, message string) error {
	_, err := l.db.Exec(ctx, `
		UPDATE ingestion_status
		SET finished_at = now(), status = 'failed', last_message = $1
		WHERE job_id = $2`,
		message, jobId)
	return errors.WithStack(err)
}

func (l *PostgresLedger) Get(ctx context.Context, jobId string) (*JobRecord, error) {
	record := &JobRecord{}
	err := l.db.QueryRow(ctx, `
		SELECT job_id, coalesce(filename, ''), status, submitted_at, started_at, finished_at,
		       total_expected, inserted_so_far, coalesce(last_message, '')
		FROM ingestion_status WHERE job_id = $1`,
		jobId).Scan(
		&record.JobId, &record.Filename, &record.Status, &record.SubmittedAt,
		&record.StartedAt, &record.FinishedAt, &record.TotalExpected,
		&record.InsertedSoFar, &record.LastMessage)
	if err == pgx.ErrNoRows {
		return nil, &triperrors.ErrJobNotFound{JobId: jobId}
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return record, nil
}

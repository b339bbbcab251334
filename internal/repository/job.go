// Package repository keeps a queryable index of jobs in Postgres for queue
// deployments. The file-backed job store stays authoritative; this index
// serves listings and ops queries across workers.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huiseok06/clipvoice/internal/model"
)

// JobIndex wraps all SQL used by the API and worker binaries.
type JobIndex struct {
	pool *pgxpool.Pool
}

// NewJobIndex constructs a JobIndex.
func NewJobIndex(pool *pgxpool.Pool) *JobIndex {
	return &JobIndex{pool: pool}
}

// Create inserts a queued job row before processing begins.
func (r *JobIndex) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO jobs (id, source, source_kind, voice, status, error_message, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, job.ID, job.Source, job.SourceKind, job.Voice, model.StatusQueued, nil, now, now)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// RecordStatus updates the indexed status; once a row is terminal it stays.
func (r *JobIndex) RecordStatus(ctx context.Context, id string, status model.JobStatus, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs
		SET status=$1, error_message=$2, updated_at=$3
		WHERE id=$4 AND status NOT IN ($5,$6)
	`, status, msg, time.Now().UTC(), id, model.StatusDone, model.StatusFailed)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// Get returns one indexed job.
func (r *JobIndex) Get(ctx context.Context, id string) (*model.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, source, source_kind, voice, status, error_message, created_at, updated_at
		FROM jobs WHERE id=$1
	`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job not found: %w", err)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// ListRecent returns the newest jobs first.
func (r *JobIndex) ListRecent(ctx context.Context, limit int) ([]*model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, source, source_kind, voice, status, error_message, created_at, updated_at
		FROM jobs ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job    model.Job
		voice  sql.NullString
		errMsg sql.NullString
	)
	if err := row.Scan(&job.ID, &job.Source, &job.SourceKind, &voice, &job.Status, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if voice.Valid {
		job.Voice = voice.String
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	job.Files = map[string]string{}
	return &job, nil
}

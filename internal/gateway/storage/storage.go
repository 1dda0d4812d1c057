package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/lara-orchestrator/internal/gateway/domain"
	"github.com/cuongbtq/lara-orchestrator/internal/gateway/model"
	"github.com/jmoiron/sqlx"
)

// created_at is unix nanoseconds so the (created_at, job_id) cursor orders the
// same way on postgres and sqlite
const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id           TEXT   PRIMARY KEY,
	source_reference TEXT   NOT NULL,
	image_id         TEXT   NOT NULL DEFAULT '',
	stages           TEXT   NOT NULL,
	source           TEXT   NOT NULL,
	status           TEXT   NOT NULL,
	created_at       BIGINT NOT NULL
)`

type jobRow struct {
	JobID           string `db:"job_id"`
	SourceReference string `db:"source_reference"`
	ImageID         string `db:"image_id"`
	Stages          string `db:"stages"`
	Source          string `db:"source"`
	Status          string `db:"status"`
	CreatedAt       int64  `db:"created_at"`
}

func (r jobRow) job() model.Job {
	var stages []string
	if r.Stages != "" {
		stages = strings.Split(r.Stages, ",")
	}
	return model.Job{
		JobID:           r.JobID,
		SourceReference: r.SourceReference,
		ImageID:         r.ImageID,
		Stages:          stages,
		Source:          r.Source,
		Status:          r.Status,
		CreatedAt:       time.Unix(0, r.CreatedAt).UTC(),
	}
}

type Storage struct {
	db *sqlx.DB
}

func NewStorage(db *sqlx.DB) *Storage {
	return &Storage{
		db: db,
	}
}

func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	return nil
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, source_reference, image_id, stages,
			source, status, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(
		ctx,
		s.db.Rebind(query),
		job.JobID,
		job.SourceReference,
		job.ImageID,
		strings.Join(job.Stages, ","),
		job.Source,
		job.Status,
		job.CreatedAt.UnixNano(),
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var row jobRow
	query := `
		SELECT
			job_id, source_reference, image_id, stages,
			source, status, created_at
		FROM jobs
		WHERE job_id = ?
	`

	err := s.db.GetContext(ctx, &row, s.db.Rebind(query), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := row.job()
	return &job, nil
}

type JobFilter struct {
	ImageID  string
	Source   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs returns up to PageSize+1 jobs, newest first, so the caller can
// tell whether another page exists
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `
		SELECT
			job_id, source_reference, image_id, stages,
			source, status, created_at
		FROM jobs
		WHERE 1=1
	`
	args := []interface{}{}

	if filter.ImageID != "" {
		query += " AND image_id = ?"
		args = append(args, filter.ImageID)
	}

	if filter.Source != "" {
		query += " AND source = ?"
		args = append(args, filter.Source)
	}

	if filter.Cursor != nil {
		ts := filter.Cursor.CreatedAt.UnixNano()
		query += " AND (created_at < ? OR (created_at = ? AND job_id < ?))"
		args = append(args, ts, ts, filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, job_id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]model.Job, len(rows))
	for i, r := range rows {
		jobs[i] = r.job()
	}
	return jobs, nil
}

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/labeliq/internal/model"
)

const jobColumns = `job_id, status, mode, facts_path, report_path, error, created_at, updated_at`

// CreateJob inserts a job record, replacing status and mode if the job
// already exists. created_at is preserved on replace.
func (s *Store) CreateJob(ctx context.Context, id string, status model.JobStatus, mode model.Mode) error {
	now := s.timestamp()
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (job_id, status, mode, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			status = excluded.status,
			mode = excluded.mode,
			updated_at = excluded.updated_at
	`), id, string(status), string(mode), now, now)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if absent.
func (s *Store) GetJob(ctx context.Context, id string) (model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

// UpdateJobStatus overwrites the job status. Non-empty patch fields replace
// the stored values; Error is always written so a successful transition
// clears a previous diagnostic.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status model.JobStatus, patch model.JobPatch) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = ?,
			mode = COALESCE(NULLIF(?, ''), mode),
			facts_path = COALESCE(NULLIF(?, ''), facts_path),
			report_path = COALESCE(NULLIF(?, ''), report_path),
			error = ?,
			updated_at = ?
		WHERE job_id = ?
	`), string(status), string(patch.Mode), patch.FactsPath, patch.ReportPath, patch.Error, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update job status %s: %w", id, ErrNotFound)
	}
	return nil
}

// ClaimExtraction atomically claims a job for the extraction phase.
// The job is created as queued if it does not exist; the claim then
// succeeds only for the caller that moves it from queued (or failed) to
// extracting.
func (s *Store) ClaimExtraction(ctx context.Context, id string, mode model.Mode) (bool, error) {
	var claimed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.timestamp()
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO jobs (job_id, status, mode, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(job_id) DO NOTHING
		`), id, string(model.StatusQueued), string(mode), now, now); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs
			SET status = ?,
				mode = COALESCE(NULLIF(?, ''), mode),
				error = '',
				updated_at = ?
			WHERE job_id = ? AND status IN (?, ?)
		`), string(model.StatusExtracting), string(mode), now, id,
			string(model.StatusQueued), string(model.StatusFailed))
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("claim extraction: %w", err)
	}
	return claimed, nil
}

// ListJobs returns the most recently updated jobs first.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+`
		FROM jobs
		ORDER BY updated_at DESC, job_id ASC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.Job, error) {
	var (
		job                  model.Job
		status, mode         string
		createdAt, updatedAt string
	)
	if err := row.Scan(&job.ID, &status, &mode, &job.FactsPath, &job.ReportPath, &job.Error, &createdAt, &updatedAt); err != nil {
		return model.Job{}, err
	}
	st, err := model.ParseJobStatus(status)
	if err != nil {
		return model.Job{}, fmt.Errorf("scan job %s: %w", job.ID, err)
	}
	job.Status = st
	job.Mode = model.Mode(mode)
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.Job{}, err
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.Job{}, err
	}
	return job, nil
}

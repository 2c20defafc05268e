package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/SoulEchoPlan/soul-echo-sub000/internal/models"
)

const jobColumns = `id, character_id, local_file_path, original_file_name, md5, size_bytes,
	status, remote_file_id, remote_job_id, error_message, created_at, updated_at`

// SaveJob inserts the job or overwrites the stored row with the same id.
func (s *Store) SaveJob(ctx context.Context, job *models.IngestionJob) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = now
	}

	var upsert string
	switch s.driver {
	case "mysql":
		upsert = `INSERT INTO ingestion_jobs (` + jobColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON DUPLICATE KEY UPDATE
				status = VALUES(status),
				remote_file_id = VALUES(remote_file_id),
				remote_job_id = VALUES(remote_job_id),
				error_message = VALUES(error_message),
				updated_at = VALUES(updated_at)`
	default:
		upsert = `INSERT INTO ingestion_jobs (` + jobColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				status = excluded.status,
				remote_file_id = excluded.remote_file_id,
				remote_job_id = excluded.remote_job_id,
				error_message = excluded.error_message,
				updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, s.q(upsert),
		job.ID, job.CharacterID, job.LocalFilePath, job.OriginalFileName, job.MD5, job.SizeBytes,
		string(job.Status), job.RemoteFileID, job.RemoteJobID, job.ErrorMessage,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save ingestion job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) FindJob(ctx context.Context, id string) (*models.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// ListJobsByStatus returns jobs in status, oldest update first.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.IngestionJob, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs
		WHERE status = ? ORDER BY updated_at ASC LIMIT ?`, string(status), limit)
}

// ListStaleJobs returns jobs in status whose last update is not after before.
func (s *Store) ListStaleJobs(ctx context.Context, status models.JobStatus, before time.Time) ([]*models.IngestionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs
		WHERE status = ? AND updated_at <= ? ORDER BY updated_at ASC`, string(status), before.UTC())
}

func (s *Store) ListJobsByCharacter(ctx context.Context, characterID int64) ([]*models.IngestionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM ingestion_jobs
		WHERE character_id = ? ORDER BY created_at DESC`, characterID)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*models.IngestionJob, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.IngestionJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.IngestionJob, error) {
	var (
		job    models.IngestionJob
		status string
	)
	err := row.Scan(
		&job.ID, &job.CharacterID, &job.LocalFilePath, &job.OriginalFileName, &job.MD5, &job.SizeBytes,
		&status, &job.RemoteFileID, &job.RemoteJobID, &job.ErrorMessage,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	return &job, nil
}

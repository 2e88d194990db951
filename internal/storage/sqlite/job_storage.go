package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/certlab/ecmlink/internal/models"
)

// ErrStatusConflict is returned when a compare-and-swap status update finds
// the job in a status other than the expected one.
var ErrStatusConflict = errors.New("job status conflict")

// JobStorage persists job records in SQLite
type JobStorage struct {
	db     *SQLiteDB
	logger arbor.ILogger
	mu     sync.Mutex
}

// NewJobStorage creates a new job storage instance
func NewJobStorage(db *SQLiteDB, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateJob inserts a new job record
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO job (id, status, final_link, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), job.FinalLink, job.Error, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID. Returns (nil, nil) when no such job exists.
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	var status string

	err := s.db.db.QueryRowContext(ctx, `
		SELECT id, status, final_link, error, created_at, updated_at
		FROM job WHERE id = ?`, jobID).
		Scan(&job.ID, &status, &job.FinalLink, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Status = models.JobStatus(status)
	return &job, nil
}

// UpdateStatus transitions a job from the expected status to the next one.
// The WHERE clause makes the transition a compare-and-swap: a terminal status
// already written by another path is never overwritten, and the caller gets
// ErrStatusConflict instead.
func (s *JobStorage) UpdateStatus(ctx context.Context, jobID string, expected, next models.JobStatus, finalLink, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !expected.CanTransitionTo(next) {
		return fmt.Errorf("invalid status transition %s -> %s", expected, next)
	}

	res, err := s.db.db.ExecContext(ctx, `
		UPDATE job SET status = ?, final_link = ?, error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(next), finalLink, errMsg, time.Now().Unix(), jobID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return ErrStatusConflict
	}

	return nil
}

// ListByStatus returns all jobs currently in the given status.
func (s *JobStorage) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT id, status, final_link, error, created_at, updated_at
		FROM job WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var job models.Job
		var st string
		if err := rows.Scan(&job.ID, &st, &job.FinalLink, &job.Error, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job.Status = models.JobStatus(st)
		jobs = append(jobs, &job)
	}

	return jobs, rows.Err()
}

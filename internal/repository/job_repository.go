package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/shubamchaudhary/ChunkAI-sub000/internal/models"
)

// JobRepository is the durable work queue backing ingestion. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never double-lease a job.
type JobRepository struct {
	db *sqlx.DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *sqlx.DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, document_id, status, priority, attempts, max_attempts,
	       last_error, locked_by, locked_until, created_at, started_at, completed_at`

// Enqueue creates a QUEUED job for a document
func (r *JobRepository) Enqueue(ctx context.Context, documentID uuid.UUID, priority, maxAttempts int) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO processing_jobs (
			id, document_id, status, priority, attempts, max_attempts, created_at
		) VALUES (
			$1, $2, $3, $4, 0, $5, $6
		)`

	_, err := r.db.ExecContext(ctx, query,
		id, documentID, models.JobQueued, priority, maxAttempts, time.Now().UTC())
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return id, nil
}

// LeaseNext atomically claims up to batch QUEUED jobs for the worker,
// lowest priority value first, oldest first. Each claimed job moves to
// PROCESSING with attempts incremented and a fresh lease.
func (r *JobRepository) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration, batch int) ([]*models.ProcessingJob, error) {
	now := time.Now().UTC()
	query := `
		UPDATE processing_jobs
		SET status = $1,
		    locked_by = $2,
		    locked_until = $3,
		    started_at = COALESCE(started_at, $4),
		    attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE status = $5
			ORDER BY priority, created_at
			LIMIT $6
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var jobs []*models.ProcessingJob
	err := r.db.SelectContext(ctx, &jobs, query,
		models.JobProcessing, workerID, now.Add(leaseDuration), now,
		models.JobQueued, batch)
	if err != nil {
		return nil, fmt.Errorf("failed to lease jobs: %w", err)
	}
	return jobs, nil
}

// RenewLease extends the lease iff the worker still holds it
func (r *JobRepository) RenewLease(ctx context.Context, jobID uuid.UUID, workerID string, duration time.Duration) error {
	query := `
		UPDATE processing_jobs
		SET locked_until = $1
		WHERE id = $2 AND locked_by = $3 AND status = $4`

	result, err := r.db.ExecContext(ctx, query,
		time.Now().UTC().Add(duration), jobID, workerID, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("lease not held: job %s worker %s", jobID, workerID))
}

// Complete marks a job COMPLETED iff the worker still holds the lease. A
// worker whose lease expired and was re-leased elsewhere gets an error
// instead of clobbering the new holder's job.
func (r *JobRepository) Complete(ctx context.Context, jobID uuid.UUID, workerID string) error {
	query := `
		UPDATE processing_jobs
		SET status = $1, completed_at = $2, locked_by = NULL, locked_until = NULL
		WHERE id = $3 AND locked_by = $4 AND status = $5`

	result, err := r.db.ExecContext(ctx, query,
		models.JobCompleted, time.Now().UTC(), jobID, workerID, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("lease not held: job %s worker %s", jobID, workerID))
}

// Fail records the error and either requeues the job for another attempt
// or marks it FAILED when attempts are exhausted. Returns the resulting
// status. Same lease-holder guard as Complete.
func (r *JobRepository) Fail(ctx context.Context, jobID uuid.UUID, workerID, jobErr string) (models.JobStatus, error) {
	query := `
		UPDATE processing_jobs
		SET status = CASE WHEN attempts < max_attempts THEN $1 ELSE $2 END,
		    last_error = $3,
		    locked_by = NULL,
		    locked_until = NULL,
		    completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE $4 END
		WHERE id = $5 AND locked_by = $6 AND status = $7
		RETURNING status`

	var status models.JobStatus
	err := r.db.GetContext(ctx, &status, query,
		models.JobQueued, models.JobFailed, jobErr, time.Now().UTC(),
		jobID, workerID, models.JobProcessing)
	if err != nil {
		return "", fmt.Errorf("failed to fail job: %w", err)
	}
	return status, nil
}

// FailTerminal marks a job FAILED regardless of remaining attempts, for
// deterministic failures that retrying cannot fix. Same lease-holder
// guard as Complete.
func (r *JobRepository) FailTerminal(ctx context.Context, jobID uuid.UUID, workerID, jobErr string) error {
	query := `
		UPDATE processing_jobs
		SET status = $1, last_error = $2, locked_by = NULL, locked_until = NULL, completed_at = $3
		WHERE id = $4 AND locked_by = $5 AND status = $6`

	result, err := r.db.ExecContext(ctx, query,
		models.JobFailed, jobErr, time.Now().UTC(), jobID, workerID, models.JobProcessing)
	if err != nil {
		return fmt.Errorf("failed to terminally fail job: %w", err)
	}
	return requireRowsAffected(result, fmt.Sprintf("lease not held: job %s worker %s", jobID, workerID))
}

// ReleaseStale requeues PROCESSING jobs whose lease expired; the holding
// worker is presumed dead. Terminal jobs are never touched. Returns the
// number of released jobs.
func (r *JobRepository) ReleaseStale(ctx context.Context) (int64, error) {
	query := `
		UPDATE processing_jobs
		SET status = $1, locked_by = NULL, locked_until = NULL
		WHERE status = $2 AND locked_until < $3`

	result, err := r.db.ExecContext(ctx, query,
		models.JobQueued, models.JobProcessing, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release stale jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// GetJob retrieves a job by ID
func (r *JobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*models.ProcessingJob, error) {
	var job models.ProcessingJob
	query := `SELECT ` + jobColumns + ` FROM processing_jobs WHERE id = $1`

	if err := r.db.GetContext(ctx, &job, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

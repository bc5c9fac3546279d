package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

var (
	// ErrJobNotFound is returned when no job row has the requested id.
	ErrJobNotFound = errors.New("job not found")
	// ErrDuplicateJob is returned when a pending or processing job already
	// holds the same dedupe key.
	ErrDuplicateJob = errors.New("duplicate job")
	// ErrJobNotCancellable is returned for jobs that are missing, running or
	// already finished.
	ErrJobNotCancellable = errors.New("job cannot be cancelled")
)

// JobStore is the Postgres-backed queue behind billing sweeps, reconciles
// and outbound notifications.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a JobStore.
func NewJobStore(db *sql.DB) (*JobStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &JobStore{db: db}, nil
}

const (
	jobColumns = `id, job_type, payload, status, priority, attempts, max_attempts,
		created_at, updated_at, scheduled_for, last_error, retry_after,
		processed_at, completed_at, worker_id, dedupe_key`

	// claimOrder runs critical work first, then oldest first.
	claimOrder = `array_position(ARRAY['critical','high','normal','low']::text[], priority::text), created_at`

	runnable = `status = 'pending'
		AND (scheduled_for IS NULL OR scheduled_for <= NOW())
		AND (retry_after IS NULL OR retry_after <= NOW())`
)

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	if err := row.Scan(
		&job.ID, &job.JobType, &job.Payload, &job.Status, &job.Priority,
		&job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt,
		&job.ScheduledFor, &job.LastError, &job.RetryAfter, &job.ProcessedAt,
		&job.CompletedAt, &job.WorkerID, &job.DedupeKey,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

// Enqueue inserts job as pending unless it carries its own status. A job
// whose dedupe key matches a pending or processing row gets ErrDuplicateJob.
func (s *JobStore) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return fmt.Errorf("store: invalid job: %w", err)
	}
	status := job.Status
	if status == "" {
		status = models.JobStatusPending
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO jobs (job_type, payload, status, priority, max_attempts, scheduled_for, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedupe_key) WHERE status IN ('pending', 'processing') DO NOTHING
		RETURNING id, created_at, updated_at`,
		job.JobType, job.Payload, status, job.Priority, job.MaxAttempts, job.ScheduledFor, job.DedupeKey,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrDuplicateJob
	case err != nil:
		return fmt.Errorf("store: enqueue job: %w", err)
	}
	job.Status = status
	return nil
}

// GetByID loads one job.
func (s *JobStore) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	return job, nil
}

// ClaimNextJob moves the next runnable job to processing for workerID and
// counts the attempt. It returns nil when nothing is runnable. Concurrent
// workers never claim the same row.
func (s *JobStore) ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'processing', worker_id = $1, attempts = attempts + 1,
		    processed_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs WHERE `+runnable+`
			ORDER BY `+claimOrder+`
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, workerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: claim job: %w", err)
	}
	return job, nil
}

// transition applies set to job id when the row matches guard and reports
// whether a row changed. The worker claim is always released.
func (s *JobStore) transition(ctx context.Context, op string, id int64, set, guard string, args ...any) (bool, error) {
	query := `UPDATE jobs SET ` + set + `, worker_id = NULL, updated_at = NOW() WHERE id = $1`
	if guard != "" {
		query += ` AND ` + guard
	}
	res, err := s.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return false, fmt.Errorf("store: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: %s: %w", op, err)
	}
	return n > 0, nil
}

// MarkCompleted records a successful run.
func (s *JobStore) MarkCompleted(ctx context.Context, id int64) error {
	_, err := s.transition(ctx, "complete job", id, `status = 'completed', completed_at = NOW(), last_error = NULL`, "")
	return err
}

// MarkFailed parks a job that exhausted its attempts.
func (s *JobStore) MarkFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.transition(ctx, "fail job", id, `status = 'failed', last_error = $2`, "", reason)
	return err
}

// ScheduleRetry returns a job to pending, runnable again at retryAfter.
func (s *JobStore) ScheduleRetry(ctx context.Context, id int64, reason string, retryAfter time.Time) error {
	_, err := s.transition(ctx, "retry job", id, `status = 'pending', last_error = $2, retry_after = $3`, "", reason, retryAfter)
	return err
}

// ReleaseJob hands a processing job back on shutdown without spending the
// attempt it was claimed with.
func (s *JobStore) ReleaseJob(ctx context.Context, id int64) error {
	_, err := s.transition(ctx, "release job", id, `status = 'pending', attempts = GREATEST(attempts - 1, 0)`, `status = 'processing'`)
	return err
}

// CancelJob cancels a pending or failed job.
func (s *JobStore) CancelJob(ctx context.Context, id int64) error {
	ok, err := s.transition(ctx, "cancel job", id, `status = 'cancelled'`, `status IN ('pending', 'failed')`)
	if err != nil {
		return err
	}
	if !ok {
		return ErrJobNotCancellable
	}
	return nil
}

// GetStats counts jobs per status.
func (s *JobStore) GetStats(ctx context.Context) (*models.JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("store: job stats: %w", err)
	}
	defer rows.Close()

	stats := &models.JobStats{}
	counters := map[models.JobStatus]*int{
		models.JobStatusPending:    &stats.Pending,
		models.JobStatusProcessing: &stats.Processing,
		models.JobStatusCompleted:  &stats.Completed,
		models.JobStatusFailed:     &stats.Failed,
		models.JobStatusCancelled:  &stats.Cancelled,
	}
	for rows.Next() {
		var (
			status models.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: job stats: %w", err)
		}
		if c, ok := counters[status]; ok {
			*c = n
		}
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: job stats: %w", err)
	}
	return stats, nil
}

// ListPendingJobs returns up to limit pending jobs in claim order.
func (s *JobStore) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY `+claimOrder+` LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list pending jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list pending jobs: %w", err)
	}
	return jobs, nil
}

// CleanupOldJobs deletes completed and cancelled jobs idle for longer than
// olderThan. Failed jobs stay until an operator cancels them, so a billing
// sweep that gave up remains visible.
func (s *JobStore) CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed', 'cancelled')
		  AND updated_at < NOW() - make_interval(secs => $1)`, olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: cleanup jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: cleanup jobs: %w", err)
	}
	return n, nil
}

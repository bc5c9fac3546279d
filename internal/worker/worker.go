// Package worker provides the async job queue processor with queue abstractions,
// worker loop, instrumentation hooks, and graceful shutdown handling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the durable job storage the worker drains.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id int64) (*models.Job, error)
	ClaimNextJob(ctx context.Context, workerID string) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	CancelJob(ctx context.Context, id int64) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
	CleanupOldJobs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnCancel    func(job *models.Job)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64     `json:"jobs_processed"`
	JobsSucceeded   int64     `json:"jobs_succeeded"`
	JobsFailed      int64     `json:"jobs_failed"`
	JobsRetried     int64     `json:"jobs_retried"`
	ActiveWorkers   int       `json:"active_workers"`
	LastProcessedAt time.Time `json:"last_processed_at"`
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat metrics
	HeartbeatInterval time.Duration
	// Retention is how long finished jobs are kept; zero disables cleanup
	Retention time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          5,
		PollInterval:           time.Second,
		RetryBaseDelay:         time.Second,
		RetryMaxDelay:          time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             5 * time.Minute,
		ShutdownTimeout:        30 * time.Second,
		HeartbeatInterval:      30 * time.Second,
		Retention:              7 * 24 * time.Hour,
	}
}

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation *Instrumentation

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	// stats tracking
	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, queue Queue, handlers Handlers) *Worker {
	defaults := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = defaults.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = defaults.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if handlers == nil {
		handlers = make(Handlers)
	}

	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        handlers,
		workerID:        "worker-" + uuid.NewString(),
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// ID returns the worker identifier written to claimed jobs.
func (w *Worker) ID() string { return w.workerID }

// RegisterHandler binds a job type to its handler. Call before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

func (w *Worker) handler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[jobType]
	return h, ok
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.instrumentation = inst
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	log.Info().Str("worker_id", w.workerID).Int("max_concurrent", w.config.MaxConcurrent).Msg("worker: starting")

	if w.instrumentation.OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}
	if w.config.Retention > 0 {
		w.wg.Add(1)
		go w.cleanup(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	log.Info().Str("worker_id", w.workerID).Msg("worker: initiating graceful shutdown")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.releaseActiveJobs(shutdownCtx)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("worker_id", w.workerID).Msg("worker: graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		log.Warn().Str("worker_id", w.workerID).Msg("worker: shutdown timeout exceeded, forcing stop")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	logger := log.With().Str("worker_id", w.workerID).Int("processor", id).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker: processor stopping (context cancelled)")
			return
		case <-w.stopCh:
			logger.Debug().Msg("worker: processor stopping (stop signal)")
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					logger.Error().Err(err).Msg("worker: processor error")
				}
				w.wait(ctx, w.config.PollInterval)
			}
		}
	}
}

func (w *Worker) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// processNextJob attempts to claim and process the next available job
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx, w.config.PollInterval)
		return ctx.Err()
	}

	w.processJob(ctx, job)
	return nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if w.instrumentation.OnStart != nil {
		w.instrumentation.OnStart(job)
	}

	log.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("worker: processing job")

	handler, ok := w.handler(job.JobType)
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.JobType), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		w.handleError(ctx, job, err, start)
	} else {
		w.handleSuccess(ctx, job, start)
	}
}

// retryDelay is exponential backoff capped at RetryMaxDelay with ±20% jitter.
func (w *Worker) retryDelay(attempts int) time.Duration {
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, float64(attempts-1))
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)

	log.Warn().Err(err).Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("duration", duration).Msg("worker: job failed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnFail != nil {
		w.instrumentation.OnFail(job, err, duration)
	}

	// Shutdown already released the job back to pending.
	if errors.Is(ctx.Err(), context.Canceled) {
		return
	}

	if job.Attempts < job.MaxAttempts {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if w.instrumentation.OnRetry != nil {
			w.instrumentation.OnRetry(job, delay)
		}

		log.Info().Int64("job_id", job.ID).Dur("retry_in", delay).Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("worker: scheduling retry")

		if err := w.queue.ScheduleRetry(ctx, job.ID, err.Error(), time.Now().Add(delay)); err != nil {
			log.Error().Err(err).Int64("job_id", job.ID).Msg("worker: failed to schedule retry")
		}
		return
	}

	log.Error().Int64("job_id", job.ID).Int("max_attempts", job.MaxAttempts).Msg("worker: job exhausted all attempts")
	if err := w.queue.MarkFailed(ctx, job.ID, err.Error()); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("worker: failed to mark job failed")
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	log.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("duration", duration).Msg("worker: job completed")

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnComplete != nil {
		w.instrumentation.OnComplete(job, duration)
	}

	if err := w.queue.MarkCompleted(ctx, job.ID); err != nil {
		log.Error().Err(err).Int64("job_id", job.ID).Msg("worker: failed to mark job completed")
	}
}

// trackActiveJob adds a job to the active jobs map
func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

// untrackActiveJob removes a job from the active jobs map
func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// releaseActiveJobs cancels running handlers and returns their jobs to pending
func (w *Worker) releaseActiveJobs(ctx context.Context) {
	w.mu.Lock()
	jobIDs := make([]int64, 0, len(w.activeJobs))
	for id, cancel := range w.activeJobs {
		jobIDs = append(jobIDs, id)
		cancel()
	}
	w.mu.Unlock()

	for _, id := range jobIDs {
		if err := w.queue.ReleaseJob(ctx, id); err != nil {
			log.Error().Err(err).Int64("job_id", id).Msg("worker: failed to release job")
		} else {
			log.Info().Int64("job_id", id).Msg("worker: released job back to pending")
		}
	}
}

// heartbeat periodically sends stats updates
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.instrumentation.OnHeartbeat != nil {
				w.instrumentation.OnHeartbeat(w.workerID, w.GetStats())
			}
		}
	}
}

// cleanup periodically deletes finished jobs older than Retention
func (w *Worker) cleanup(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			removed, err := w.queue.CleanupOldJobs(ctx, w.config.Retention)
			if err != nil {
				log.Error().Err(err).Msg("worker: job cleanup failed")
				continue
			}
			if removed > 0 {
				log.Info().Int64("removed", removed).Msg("worker: cleaned up finished jobs")
			}
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	activeWorkers := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   activeWorkers,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue creates a new job in the queue. A duplicate of a job that is still
// pending or processing is reported as store.ErrDuplicateJob.
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}

	if err := w.queue.Enqueue(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateJob) {
			log.Debug().Str("job_type", job.JobType).Str("dedupe_key", models.StringValue(job.DedupeKey)).Msg("worker: duplicate job skipped")
		}
		return err
	}

	if w.instrumentation.OnEnqueue != nil {
		w.instrumentation.OnEnqueue(job)
	}

	log.Debug().Int64("job_id", job.ID).Str("job_type", job.JobType).Str("priority", string(job.Priority)).Msg("worker: enqueued job")
	return nil
}

// CancelJob cancels a pending or failed job
func (w *Worker) CancelJob(ctx context.Context, jobID int64) error {
	if err := w.queue.CancelJob(ctx, jobID); err != nil {
		return err
	}

	if w.instrumentation.OnCancel != nil {
		if job, _ := w.queue.GetByID(ctx, jobID); job != nil {
			w.instrumentation.OnCancel(job)
		}
	}

	log.Info().Int64("job_id", jobID).Msg("worker: cancelled job")
	return nil
}

// GetQueueStats returns statistics about the job queue
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}

// ListPendingJobs returns up to limit jobs waiting to run
func (w *Worker) ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	return w.queue.ListPendingJobs(ctx, limit)
}

// GetJob returns a job by id
func (w *Worker) GetJob(ctx context.Context, jobID int64) (*models.Job, error) {
	return w.queue.GetByID(ctx, jobID)
}

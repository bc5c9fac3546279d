package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

// memQueue is an in-memory Queue with the same dedupe rule as the jobs table.
type memQueue struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[int64]*models.Job
	order     []int64
	retries   map[int64]time.Time
	released  []int64
	completed []int64
	failed    []int64
}

func newMemQueue() *memQueue {
	return &memQueue{jobs: map[int64]*models.Job{}, retries: map[int64]time.Time{}}
}

func (q *memQueue) Enqueue(_ context.Context, job *models.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.DedupeKey != nil {
		for _, existing := range q.jobs {
			live := existing.Status == models.JobStatusPending || existing.Status == models.JobStatusProcessing
			if live && existing.DedupeKey != nil && *existing.DedupeKey == *job.DedupeKey {
				return store.ErrDuplicateJob
			}
		}
	}
	q.nextID++
	job.ID = q.nextID
	job.Status = models.JobStatusPending
	q.jobs[job.ID] = job
	q.order = append(q.order, job.ID)
	return nil
}

func (q *memQueue) GetByID(_ context.Context, id int64) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job, nil
}

func (q *memQueue) ClaimNextJob(_ context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		job := q.jobs[id]
		if job.Status != models.JobStatusPending {
			continue
		}
		job.Status = models.JobStatusProcessing
		job.Attempts++
		job.WorkerID = &workerID
		return job, nil
	}
	return nil, nil
}

func (q *memQueue) setStatus(id int64, status models.JobStatus) {
	if job, ok := q.jobs[id]; ok {
		job.Status = status
	}
}

func (q *memQueue) MarkCompleted(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(id, models.JobStatusCompleted)
	q.completed = append(q.completed, id)
	return nil
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, errorMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(id, models.JobStatusFailed)
	q.jobs[id].LastError = &errorMsg
	q.failed = append(q.failed, id)
	return nil
}

func (q *memQueue) ScheduleRetry(_ context.Context, id int64, errorMsg string, retryAfter time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(id, models.JobStatusPending)
	q.jobs[id].LastError = &errorMsg
	q.retries[id] = retryAfter
	return nil
}

func (q *memQueue) CancelJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok || (job.Status != models.JobStatusPending && job.Status != models.JobStatusFailed) {
		return errors.New("job cannot be cancelled")
	}
	job.Status = models.JobStatusCancelled
	return nil
}

func (q *memQueue) ReleaseJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setStatus(id, models.JobStatusPending)
	q.released = append(q.released, id)
	return nil
}

func (q *memQueue) GetStats(_ context.Context) (*models.JobStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := &models.JobStats{}
	for _, job := range q.jobs {
		stats.Total++
		switch job.Status {
		case models.JobStatusPending:
			stats.Pending++
		case models.JobStatusProcessing:
			stats.Processing++
		case models.JobStatusCompleted:
			stats.Completed++
		case models.JobStatusFailed:
			stats.Failed++
		case models.JobStatusCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (q *memQueue) ListPendingJobs(_ context.Context, limit int) ([]*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, id := range q.order {
		if q.jobs[id].Status == models.JobStatusPending && len(out) < limit {
			out = append(out, q.jobs[id])
		}
	}
	return out, nil
}

func (q *memQueue) CleanupOldJobs(_ context.Context, _ time.Duration) (int64, error) {
	return 0, nil
}

func (q *memQueue) byType(jobType string) []*models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*models.Job
	for _, id := range q.order {
		if q.jobs[id].JobType == jobType {
			out = append(out, q.jobs[id])
		}
	}
	return out
}

func newTestWorker(q *memQueue, handlers Handlers) *Worker {
	return New(Config{PollInterval: 10 * time.Millisecond, RetryBaseDelay: time.Second, RetryMaxDelay: 4 * time.Second}, q, handlers)
}

func enqueue(t *testing.T, w *Worker, jobType string, maxAttempts int) *models.Job {
	t.Helper()
	job := &models.Job{JobType: jobType, MaxAttempts: maxAttempts, Payload: models.JSONB{}}
	require.NoError(t, w.Enqueue(context.Background(), job))
	return job
}

func TestProcessNextJobMarksSuccess(t *testing.T) {
	q := newMemQueue()
	var ran bool
	w := newTestWorker(q, Handlers{"noop": func(context.Context, *models.Job) error {
		ran = true
		return nil
	}})
	job := enqueue(t, w, "noop", 3)

	require.NoError(t, w.processNextJob(context.Background()))

	assert.True(t, ran)
	assert.Equal(t, []int64{job.ID}, q.completed)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	stats := w.GetStats()
	assert.EqualValues(t, 1, stats.JobsSucceeded)
	assert.EqualValues(t, 1, stats.JobsProcessed)
}

func TestProcessNextJobSchedulesRetry(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q, Handlers{"flaky": func(context.Context, *models.Job) error {
		return errors.New("provider timeout")
	}})
	job := enqueue(t, w, "flaky", 3)

	before := time.Now()
	require.NoError(t, w.processNextJob(context.Background()))

	require.Contains(t, q.retries, job.ID)
	assert.True(t, q.retries[job.ID].After(before))
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "provider timeout", models.StringValue(job.LastError))
	assert.EqualValues(t, 1, w.GetStats().JobsRetried)
}

func TestProcessNextJobFailsAfterLastAttempt(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q, Handlers{"broken": func(context.Context, *models.Job) error {
		return errors.New("boom")
	}})
	job := enqueue(t, w, "broken", 1)

	require.NoError(t, w.processNextJob(context.Background()))

	assert.Equal(t, []int64{job.ID}, q.failed)
	assert.Empty(t, q.retries)
}

func TestProcessNextJobWithoutHandler(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q, nil)
	job := enqueue(t, w, "unknown", 1)

	require.NoError(t, w.processNextJob(context.Background()))

	assert.Equal(t, []int64{job.ID}, q.failed)
	assert.Contains(t, models.StringValue(job.LastError), "no handler registered")
}

func TestEnqueueRejectsDuplicateDedupeKey(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q, nil)

	first := NewReconcileJob("user-1")
	require.NoError(t, w.Enqueue(context.Background(), first))

	err := w.Enqueue(context.Background(), NewReconcileJob("user-1"))
	assert.ErrorIs(t, err, store.ErrDuplicateJob)

	// Once the first job finishes, the key is free again.
	require.NoError(t, q.MarkCompleted(context.Background(), first.ID))
	assert.NoError(t, w.Enqueue(context.Background(), NewReconcileJob("user-1")))
}

func TestEnqueueValidatesJob(t *testing.T) {
	w := newTestWorker(newMemQueue(), nil)
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{MaxAttempts: 1}))
	assert.Error(t, w.Enqueue(context.Background(), &models.Job{JobType: "x"}))
}

func TestRetryDelayIsBoundedWithJitter(t *testing.T) {
	w := newTestWorker(newMemQueue(), nil)
	for attempt := 1; attempt <= 6; attempt++ {
		d := w.retryDelay(attempt)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, time.Duration(float64(4*time.Second)*1.2))
	}
}

func TestStartAndStopDrainsQueue(t *testing.T) {
	q := newMemQueue()
	done := make(chan struct{}, 2)
	w := newTestWorker(q, Handlers{"noop": func(context.Context, *models.Job) error {
		done <- struct{}{}
		return nil
	}})
	enqueue(t, w, "noop", 1)
	enqueue(t, w, "noop", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("jobs were not processed")
		}
	}
	require.NoError(t, w.Stop(context.Background()))
	require.NoError(t, w.Stop(context.Background()))

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.completed) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestCancelJob(t *testing.T) {
	q := newMemQueue()
	w := newTestWorker(q, nil)
	job := enqueue(t, w, "noop", 1)

	require.NoError(t, w.CancelJob(context.Background(), job.ID))
	assert.Equal(t, models.JobStatusCancelled, job.Status)
	assert.Error(t, w.CancelJob(context.Background(), job.ID))
}

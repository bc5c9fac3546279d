package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

// Scheduler enqueues the periodic billing sweeps. Each sweep carries a dedupe
// key derived from the interval slot, so several server replicas ticking at
// once still produce a single job per slot.
type Scheduler struct {
	worker   *Worker
	interval time.Duration
	now      func() time.Time

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewScheduler returns a scheduler that ticks every interval.
func NewScheduler(w *Worker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		worker:   w,
		interval: interval,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start enqueues both sweeps immediately and then on every tick.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.Tick(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	log.Info().Dur("interval", s.interval).Msg("scheduler: started")
}

// Stop halts the ticker and waits for the loop to exit.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Tick enqueues the conversion and reconcile sweeps for the current slot.
func (s *Scheduler) Tick(ctx context.Context) {
	slot := s.now().UTC().Truncate(s.interval).Unix()
	for _, jobType := range []string{models.JobTypeConversionSweep, models.JobTypeReconcileSweep} {
		job := &models.Job{
			JobType:     jobType,
			Payload:     models.JSONB{"slot": slot},
			Priority:    models.JobPriorityNormal,
			MaxAttempts: sweepMaxAttempts,
			DedupeKey:   models.StringPtr(fmt.Sprintf("%s-%d", jobType, slot)),
		}
		err := s.worker.Enqueue(ctx, job)
		switch {
		case err == nil:
			log.Info().Str("job_type", jobType).Int64("job_id", job.ID).Msg("scheduler: sweep enqueued")
		case errors.Is(err, store.ErrDuplicateJob):
			log.Debug().Str("job_type", jobType).Int64("slot", slot).Msg("scheduler: sweep already queued")
		default:
			log.Error().Err(err).Str("job_type", jobType).Msg("scheduler: failed to enqueue sweep")
		}
	}
}

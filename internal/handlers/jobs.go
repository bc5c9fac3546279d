package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

// JobQueue defines the job operations available to operators
type JobQueue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	CancelJob(ctx context.Context, id int64) error
	GetQueueStats(ctx context.Context) (*models.JobStats, error)
	ListPendingJobs(ctx context.Context, limit int) ([]*models.Job, error)
}

// RunJobRequest asks for an immediate sweep or a single owner reconcile
type RunJobRequest struct {
	JobType string `json:"job_type"`
	UserID  string `json:"user_id,omitempty"`
}

// NewManualJob builds the job for a manual trigger. Sweeps are deduplicated
// per minute so double clicks do not queue twice.
func NewManualJob(jobType, userID string, now time.Time) (*models.Job, error) {
	job := &models.Job{
		JobType:     jobType,
		Payload:     models.JSONB{"trigger": "manual"},
		Priority:    models.JobPriorityHigh,
		MaxAttempts: 3,
	}
	switch jobType {
	case models.JobTypeConversionSweep, models.JobTypeReconcileSweep:
		job.DedupeKey = models.StringPtr(fmt.Sprintf("%s-manual-%d", jobType, now.Unix()/60))
	case models.JobTypeReconcile:
		if userID == "" {
			return nil, errors.New("user_id is required for " + jobType)
		}
		job.Payload["user_id"] = userID
		job.DedupeKey = models.StringPtr("reconcile-" + userID)
	default:
		return nil, fmt.Errorf("unsupported job_type %q", jobType)
	}
	return job, nil
}

// RunJob enqueues a manual sweep or reconcile
func RunJob(queue JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RunJobRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid_argument", "invalid JSON payload")
			return
		}

		job, err := NewManualJob(strings.TrimSpace(req.JobType), strings.TrimSpace(req.UserID), time.Now())
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid_argument", err.Error())
			return
		}

		if err := queue.Enqueue(r.Context(), job); err != nil {
			if errors.Is(err, store.ErrDuplicateJob) {
				writeJSON(w, http.StatusOK, map[string]any{"message": "job already queued", "job_type": job.JobType})
				return
			}
			log.Error().Err(err).Str("job_type", job.JobType).Msg("RunJob: failed to enqueue job")
			writeMessage(w, http.StatusInternalServerError, "internal_error", "failed to create job")
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{
			"id":       job.ID,
			"job_type": job.JobType,
			"status":   job.Status,
		})
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || jobID <= 0 {
		writeMessage(w, http.StatusBadRequest, "invalid_argument", "invalid job ID")
		return 0, false
	}
	return jobID, true
}

// GetJob retrieves a job by ID
func GetJob(queue JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		job, err := queue.GetJob(r.Context(), jobID)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				writeMessage(w, http.StatusNotFound, "job_not_found", "job not found")
				return
			}
			log.Error().Err(err).Int64("job_id", jobID).Msg("GetJob: failed to get job")
			writeMessage(w, http.StatusInternalServerError, "internal_error", "failed to retrieve job")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// CancelJob cancels a pending or failed job
func CancelJob(queue JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, ok := jobIDParam(w, r)
		if !ok {
			return
		}

		if err := queue.CancelJob(r.Context(), jobID); err != nil {
			if errors.Is(err, store.ErrJobNotCancellable) {
				writeMessage(w, http.StatusConflict, "job_not_cancellable", "job is running, finished or missing")
				return
			}
			log.Error().Err(err).Int64("job_id", jobID).Msg("CancelJob: failed to cancel job")
			writeMessage(w, http.StatusInternalServerError, "internal_error", "failed to cancel job")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": jobID, "message": "Job cancelled successfully"})
	}
}

// GetJobStats returns statistics about the job queue
func GetJobStats(queue JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := queue.GetQueueStats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("GetJobStats: failed to get stats")
			writeMessage(w, http.StatusInternalServerError, "internal_error", "failed to retrieve job statistics")
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ListPendingJobs returns pending jobs
func ListPendingJobs(queue JobQueue) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}

		jobs, err := queue.ListPendingJobs(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("ListPendingJobs: failed to list jobs")
			writeMessage(w, http.StatusInternalServerError, "internal_error", "failed to retrieve jobs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
	}
}

// RequireAdminToken accepts requests carrying the shared admin token in
// X-Admin-Token. An empty token disables the admin routes.
func RequireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeMessage(w, http.StatusNotFound, "not_found", "admin API disabled")
				return
			}
			given := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				writeMessage(w, http.StatusForbidden, "not_authorized", "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// JobHandler holds dependencies for job handlers
type JobHandler struct {
	Queue      JobQueue
	AdminToken string
}

// RegisterRoutes registers job handlers with the router
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Route("/api/admin/jobs", func(r chi.Router) {
		r.Use(RequireAdminToken(h.AdminToken))
		r.Post("/run", RunJob(h.Queue))
		r.Get("/stats", GetJobStats(h.Queue))
		r.Get("/pending", ListPendingJobs(h.Queue))
		r.Get("/{id}", GetJob(h.Queue))
		r.Post("/{id}/cancel", CancelJob(h.Queue))
	})
}

package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

type stubQueue struct {
	enqueued []*models.Job
	dupe     bool
}

func (q *stubQueue) Enqueue(_ context.Context, job *models.Job) error {
	if q.dupe {
		return store.ErrDuplicateJob
	}
	job.ID = int64(len(q.enqueued) + 1)
	job.Status = models.JobStatusPending
	q.enqueued = append(q.enqueued, job)
	return nil
}

func (q *stubQueue) GetJob(_ context.Context, id int64) (*models.Job, error) {
	for _, job := range q.enqueued {
		if job.ID == id {
			return job, nil
		}
	}
	return nil, store.ErrJobNotFound
}

func (q *stubQueue) CancelJob(_ context.Context, id int64) error {
	job, err := q.GetJob(context.Background(), id)
	if err != nil || job.Status != models.JobStatusPending {
		return store.ErrJobNotCancellable
	}
	job.Status = models.JobStatusCancelled
	return nil
}

func (q *stubQueue) GetQueueStats(context.Context) (*models.JobStats, error) {
	return &models.JobStats{Pending: len(q.enqueued), Total: len(q.enqueued)}, nil
}

func (q *stubQueue) ListPendingJobs(context.Context, int) ([]*models.Job, error) {
	return q.enqueued, nil
}

func adminRouter(q JobQueue, token string) chi.Router {
	r := chi.NewRouter()
	(&JobHandler{Queue: q, AdminToken: token}).RegisterRoutes(r)
	return r
}

func adminCall(r http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireToken(t *testing.T) {
	r := adminRouter(&stubQueue{}, "s3cret")
	assert.Equal(t, http.StatusForbidden, adminCall(r, http.MethodGet, "/api/admin/jobs/stats", "", "").Code)
	assert.Equal(t, http.StatusForbidden, adminCall(r, http.MethodGet, "/api/admin/jobs/stats", "wrong", "").Code)
	assert.Equal(t, http.StatusOK, adminCall(r, http.MethodGet, "/api/admin/jobs/stats", "s3cret", "").Code)

	disabled := adminRouter(&stubQueue{}, "")
	assert.Equal(t, http.StatusNotFound, adminCall(disabled, http.MethodGet, "/api/admin/jobs/stats", "anything", "").Code)
}

func TestRunJobEnqueuesSweep(t *testing.T) {
	q := &stubQueue{}
	r := adminRouter(q, "tok")

	rec := adminCall(r, http.MethodPost, "/api/admin/jobs/run", "tok", `{"job_type":"billing_conversion_sweep"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, models.JobTypeConversionSweep, q.enqueued[0].JobType)
	assert.NotNil(t, q.enqueued[0].DedupeKey)

	rec = adminCall(r, http.MethodGet, "/api/admin/jobs/1", "tok", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = adminCall(r, http.MethodGet, "/api/admin/jobs/99", "tok", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = adminCall(r, http.MethodPost, "/api/admin/jobs/1/cancel", "tok", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = adminCall(r, http.MethodPost, "/api/admin/jobs/1/cancel", "tok", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunJobValidation(t *testing.T) {
	r := adminRouter(&stubQueue{}, "tok")
	assert.Equal(t, http.StatusBadRequest, adminCall(r, http.MethodPost, "/api/admin/jobs/run", "tok", `{"job_type":"drop_tables"}`).Code)
	assert.Equal(t, http.StatusBadRequest, adminCall(r, http.MethodPost, "/api/admin/jobs/run", "tok", `{"job_type":"billing_reconcile"}`).Code)
	assert.Equal(t, http.StatusBadRequest, adminCall(r, http.MethodPost, "/api/admin/jobs/run", "tok", `nope`).Code)
	assert.Equal(t, http.StatusBadRequest, adminCall(r, http.MethodGet, "/api/admin/jobs/abc", "tok", "").Code)
}

func TestRunJobDuplicateIsOK(t *testing.T) {
	r := adminRouter(&stubQueue{dupe: true}, "tok")
	rec := adminCall(r, http.MethodPost, "/api/admin/jobs/run", "tok", `{"job_type":"billing_reconcile","user_id":"u1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "already queued")
}

func TestNewManualJob(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	job, err := NewManualJob(models.JobTypeReconcile, "u1", now)
	require.NoError(t, err)
	assert.Equal(t, "u1", job.Payload.String("user_id"))
	assert.Equal(t, "reconcile-u1", models.StringValue(job.DedupeKey))

	a, _ := NewManualJob(models.JobTypeReconcileSweep, "", now)
	b, _ := NewManualJob(models.JobTypeReconcileSweep, "", now.Add(10*time.Second))
	assert.Equal(t, models.StringValue(a.DedupeKey), models.StringValue(b.DedupeKey))
}

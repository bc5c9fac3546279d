// Package notify delivers billing lifecycle notifications. Service code hands
// notifications to a QueueNotifier; the worker later sends them through a
// Sender so a slow or failing endpoint never blocks a billing operation.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

const (
	defaultMaxAttempts = 5
	defaultSendTimeout = 10 * time.Second
)

// Enqueuer persists a job for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *models.Job) error
}

// QueueNotifier implements billing.Notifier by enqueueing a notification job.
type QueueNotifier struct {
	queue       Enqueuer
	maxAttempts int
}

// NewQueueNotifier returns a notifier backed by queue.
func NewQueueNotifier(queue Enqueuer) *QueueNotifier {
	return &QueueNotifier{queue: queue, maxAttempts: defaultMaxAttempts}
}

// Notify enqueues n as a notification_send job.
func (q *QueueNotifier) Notify(ctx context.Context, n billing.Notification) error {
	if n.Kind == "" || n.UserID == "" {
		return errors.New("notify: kind and user id are required")
	}
	payload, err := EncodePayload(n)
	if err != nil {
		return err
	}
	job := &models.Job{
		JobType:     models.JobTypeNotification,
		Payload:     payload,
		Priority:    models.JobPriorityHigh,
		MaxAttempts: q.maxAttempts,
	}
	if err := q.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("notify: enqueue %s: %w", n.Kind, err)
	}
	return nil
}

// EncodePayload converts n into a job payload.
func EncodePayload(n billing.Notification) (models.JSONB, error) {
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("notify: encode: %w", err)
	}
	var payload models.JSONB
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("notify: encode: %w", err)
	}
	return payload, nil
}

// DecodePayload restores the notification carried by a job payload.
func DecodePayload(payload models.JSONB) (billing.Notification, error) {
	var n billing.Notification
	raw, err := json.Marshal(payload)
	if err != nil {
		return n, fmt.Errorf("notify: decode: %w", err)
	}
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, fmt.Errorf("notify: decode: %w", err)
	}
	if n.Kind == "" || n.UserID == "" {
		return n, errors.New("notify: payload is missing kind or user_id")
	}
	return n, nil
}

// Sender posts notifications as JSON to a webhook endpoint. With no URL
// configured it only logs, which keeps local development quiet.
type Sender struct {
	url    string
	token  string
	client *http.Client
}

// NewSender builds a Sender. token, when set, is sent as a bearer credential.
func NewSender(url, token string) *Sender {
	return &Sender{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: defaultSendTimeout},
	}
}

// Send delivers n once. Retries belong to the job queue.
func (s *Sender) Send(ctx context.Context, n billing.Notification) error {
	if s.url == "" {
		log.Info().
			Str("kind", string(n.Kind)).
			Str("user_id", n.UserID).
			Str("recipient", n.Recipient).
			Msg("notify: no webhook configured, notification logged only")
		return nil
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send %s: %w", n.Kind, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: send %s: unexpected status %d", n.Kind, resp.StatusCode)
	}
	log.Debug().Str("kind", string(n.Kind)).Str("user_id", n.UserID).Msg("notify: delivered")
	return nil
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/notify"
	"github.com/PortNumber53/propcare-billing/internal/store"
)

const (
	sweepMaxAttempts     = 3
	reconcileMaxAttempts = 5
)

// BillingService is the part of billing.Service the job handlers drive.
type BillingService interface {
	RunConversions(ctx context.Context) (*billing.ConversionSummary, error)
	Reconcile(ctx context.Context, userID string) (*billing.ReconcileResult, error)
}

// SubscriberLister lists owners whose subscriptions need reconciling.
type SubscriberLister interface {
	ListSubscribedUserIDs(ctx context.Context) ([]string, error)
}

// NotificationSender delivers a decoded notification.
type NotificationSender interface {
	Send(ctx context.Context, n billing.Notification) error
}

// RegisterBillingJobs registers the conversion, reconciliation and notification handlers
func RegisterBillingJobs(w *Worker, svc BillingService, subscribers SubscriberLister, sender NotificationSender) {
	w.RegisterHandler(models.JobTypeConversionSweep, conversionSweepHandler(svc))
	w.RegisterHandler(models.JobTypeReconcileSweep, reconcileSweepHandler(subscribers, w))
	w.RegisterHandler(models.JobTypeReconcile, reconcileHandler(svc))
	w.RegisterHandler(models.JobTypeNotification, notificationHandler(sender))

	log.Info().
		Strs("job_types", []string{
			models.JobTypeConversionSweep,
			models.JobTypeReconcileSweep,
			models.JobTypeReconcile,
			models.JobTypeNotification,
		}).
		Msg("worker: registered billing job handlers")
}

// conversionSweepHandler converts, reminds or expires every active trial
func conversionSweepHandler(svc BillingService) Handler {
	return func(ctx context.Context, job *models.Job) error {
		summary, err := svc.RunConversions(ctx)
		if err != nil {
			return fmt.Errorf("conversion sweep: %w", err)
		}
		// Failed trials stay active and are picked up by the next sweep.
		if summary.Failed > 0 {
			log.Warn().Int64("job_id", job.ID).Int("failed", summary.Failed).Msg("worker: conversion sweep finished with failures")
		}
		return nil
	}
}

// reconcileSweepHandler fans out one reconcile job per subscribed owner
func reconcileSweepHandler(subscribers SubscriberLister, w *Worker) Handler {
	return func(ctx context.Context, job *models.Job) error {
		userIDs, err := subscribers.ListSubscribedUserIDs(ctx)
		if err != nil {
			return fmt.Errorf("list subscribed users: %w", err)
		}

		var queued, skipped int
		for _, userID := range userIDs {
			err := w.Enqueue(ctx, NewReconcileJob(userID))
			switch {
			case err == nil:
				queued++
			case errors.Is(err, store.ErrDuplicateJob):
				skipped++
			default:
				return fmt.Errorf("enqueue reconcile for %s: %w", userID, err)
			}
		}

		log.Info().Int64("job_id", job.ID).Int("queued", queued).Int("skipped", skipped).Msg("worker: reconcile sweep fanned out")
		return nil
	}
}

// reconcileHandler pushes one owner's property count to the provider
func reconcileHandler(svc BillingService) Handler {
	return func(ctx context.Context, job *models.Job) error {
		userID := job.Payload.String("user_id")
		if userID == "" {
			return errors.New("missing user_id in payload")
		}

		result, err := svc.Reconcile(ctx, userID)
		if err != nil {
			if !billing.Retryable(err) {
				log.Warn().Err(err).Str("user_id", userID).Msg("worker: reconcile skipped")
				return nil
			}
			return fmt.Errorf("reconcile %s: %w", userID, err)
		}

		log.Debug().Str("user_id", userID).Int("property_count", result.PropertyCount).Bool("provider_synced", result.ProviderSynced).Msg("worker: reconciled")
		return nil
	}
}

// notificationHandler sends a queued lifecycle notification
func notificationHandler(sender NotificationSender) Handler {
	return func(ctx context.Context, job *models.Job) error {
		n, err := notify.DecodePayload(job.Payload)
		if err != nil {
			return err
		}
		return sender.Send(ctx, n)
	}
}

// NewReconcileJob builds a deduplicated reconcile job for userID.
func NewReconcileJob(userID string) *models.Job {
	return &models.Job{
		JobType:     models.JobTypeReconcile,
		Payload:     models.JSONB{"user_id": userID},
		Priority:    models.JobPriorityNormal,
		MaxAttempts: reconcileMaxAttempts,
		DedupeKey:   models.StringPtr("reconcile-" + userID),
	}
}

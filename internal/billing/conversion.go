package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/PortNumber53/propcare-billing/internal/metrics"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

// ConversionOutcome is the per-subscriber result of a conversion sweep.
type ConversionOutcome string

const (
	OutcomeConverted ConversionOutcome = "converted"
	OutcomeBlocked   ConversionOutcome = "blocked"
	OutcomeCancelled ConversionOutcome = "cancelled"
	OutcomeReminded  ConversionOutcome = "reminded"
	OutcomePending   ConversionOutcome = "pending"
	OutcomeFailed    ConversionOutcome = "failed"
)

// TrialExpiredReason is recorded when an expired trial is cancelled.
const TrialExpiredReason = "trial_expired_without_payment_method"

// ConversionResult describes what happened to one trial.
type ConversionResult struct {
	UserID        string            `json:"user_id"`
	Outcome       ConversionOutcome `json:"outcome"`
	DaysRemaining int               `json:"days_remaining,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// ConversionSummary aggregates a sweep.
type ConversionSummary struct {
	Processed int                `json:"processed"`
	Converted int                `json:"converted"`
	Blocked   int                `json:"blocked"`
	Cancelled int                `json:"cancelled"`
	Reminded  int                `json:"reminded"`
	Failed    int                `json:"failed"`
	Results   []ConversionResult `json:"results"`
}

// RunConversions processes every active trial independently. One
// subscriber's failure is recorded in the summary and does not stop the
// sweep; only failing to list trials returns an error.
func (s *Service) RunConversions(ctx context.Context) (summary *ConversionSummary, err error) {
	defer func(start time.Time) { observe("run_conversions", start, err) }(time.Now())
	trials, err := s.store.ListActiveTrials(ctx)
	if err != nil {
		return nil, storeError("list active trials", err)
	}

	results := make([]ConversionResult, len(trials))
	var g errgroup.Group
	g.SetLimit(s.opts.SweepConcurrency)
	for i, rec := range trials {
		i, rec := i, rec
		g.Go(func() error {
			results[i] = s.processTrial(ctx, rec)
			return nil
		})
	}
	_ = g.Wait()

	summary = &ConversionSummary{Results: results}
	for _, r := range results {
		summary.Processed++
		switch r.Outcome {
		case OutcomeConverted:
			summary.Converted++
		case OutcomeBlocked:
			summary.Blocked++
		case OutcomeCancelled:
			summary.Cancelled++
		case OutcomeReminded:
			summary.Reminded++
		case OutcomeFailed:
			summary.Failed++
		}
		metrics.TrialSweepOutcomes.WithLabelValues(string(r.Outcome)).Inc()
	}

	log.Info().
		Int("processed", summary.Processed).
		Int("converted", summary.Converted).
		Int("blocked", summary.Blocked).
		Int("cancelled", summary.Cancelled).
		Int("reminded", summary.Reminded).
		Int("failed", summary.Failed).
		Msg("billing: conversion sweep finished")
	return summary, nil
}

func (s *Service) processTrial(ctx context.Context, rec *models.Subscriber) ConversionResult {
	result := ConversionResult{UserID: rec.UserID}
	if rec.TrialEndDate == nil {
		result.Outcome = OutcomeFailed
		result.Error = "trial has no end date"
		return result
	}

	now := s.now()
	var err error
	switch {
	case now.Before(*rec.TrialEndDate):
		result.DaysRemaining = TrialDaysRemaining(*rec.TrialEndDate, now)
		result.Outcome, err = s.remindTrial(ctx, rec, result.DaysRemaining)
	case rec.HasPaymentMethod():
		err = s.convertTrial(ctx, rec)
		result.Outcome = OutcomeConverted
	default:
		result.Outcome, err = s.expireTrial(ctx, rec)
	}
	if err != nil {
		log.Error().Err(err).Str("user_id", rec.UserID).Msg("billing: trial processing failed")
		result.Outcome = OutcomeFailed
		result.Error = err.Error()
	}
	return result
}

// convertTrial creates the paid subscription for an expired trial with a
// stored card. The idempotency key ties the provider call to this trial
// window so a retry after a failed local write reuses the subscription.
func (s *Service) convertTrial(ctx context.Context, rec *models.Subscriber) error {
	customerID := models.StringValue(rec.CustomerID)
	if customerID == "" {
		return ErrCustomerNotFound
	}
	paymentMethodID := models.StringValue(rec.PaymentMethodID)

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	sub, err := s.provider.CreateSubscription(pctx, SubscriptionRequest{
		UserID:          rec.UserID,
		CustomerID:      customerID,
		PaymentMethodID: paymentMethodID,
		Quantity:        int64(rec.ActivePropertiesCount),
		IdempotencyKey:  fmt.Sprintf("convert-%s-%d", rec.UserID, rec.TrialEndDate.Unix()),
	})
	if err != nil {
		return providerError("create subscription", err)
	}

	now := s.now()
	next := nextBillingDate(now)
	updated, err := s.mutate(ctx, rec.UserID, func(r *models.Subscriber) error {
		if !r.HasPaymentMethod() {
			return ErrNoPaymentMethod
		}
		r.SubscriptionID = models.StringPtr(sub.ID)
		r.Subscribed = true
		r.IsTrialActive = false
		r.LastBillingDate = models.TimePtr(now)
		r.NextBillingDate = models.TimePtr(next)
		return nil
	})
	if errors.Is(err, ErrNoPaymentMethod) {
		// The card was removed while the subscription was being created.
		if cerr := s.provider.CancelSubscription(pctx, sub.ID); cerr != nil {
			log.Error().Err(cerr).Str("user_id", rec.UserID).Str("subscription_id", sub.ID).Msg("billing: failed to cancel orphaned subscription")
		} else {
			log.Warn().Str("user_id", rec.UserID).Str("subscription_id", sub.ID).Msg("billing: cancelled subscription created without a card")
		}
		return err
	}
	if err != nil {
		return err
	}

	log.Info().Str("user_id", rec.UserID).Str("subscription_id", sub.ID).Int("properties", updated.ActivePropertiesCount).Msg("billing: trial converted")
	s.notify(ctx, updated, NotifySubscriptionActivated, map[string]any{
		"subscription_id":   sub.ID,
		"property_count":    updated.ActivePropertiesCount,
		"monthly_amount":    MonthlyAmount(updated.ActivePropertiesCount),
		"next_billing_date": next,
	})
	return nil
}

// expireTrial applies the configured policy to an expired trial without a
// card. The trial_expired notice goes out once; lastReminderDays=0 marks it.
func (s *Service) expireTrial(ctx context.Context, rec *models.Subscriber) (ConversionOutcome, error) {
	if s.opts.TrialExpiryPolicy == TrialExpiryCancel {
		now := s.now()
		updated, err := s.mutate(ctx, rec.UserID, func(r *models.Subscriber) error {
			r.IsTrialActive = false
			r.IsCancelled = true
			r.CancellationDate = models.TimePtr(now)
			r.CancellationReason = models.StringPtr(TrialExpiredReason)
			r.NextBillingDate = nil
			r.LastReminderDays = intPtr(0)
			return nil
		})
		if err != nil {
			return OutcomeFailed, err
		}
		log.Info().Str("user_id", rec.UserID).Msg("billing: expired trial cancelled")
		s.notify(ctx, updated, NotifyTrialExpired, map[string]any{"cancelled": true})
		return OutcomeCancelled, nil
	}

	if rec.LastReminderDays != nil && *rec.LastReminderDays == 0 {
		return OutcomeBlocked, nil
	}
	updated, err := s.mutate(ctx, rec.UserID, func(r *models.Subscriber) error {
		r.LastReminderDays = intPtr(0)
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	log.Info().Str("user_id", rec.UserID).Msg("billing: trial expired without payment method")
	s.notify(ctx, updated, NotifyTrialExpired, map[string]any{"cancelled": false})
	return OutcomeBlocked, nil
}

func (s *Service) remindTrial(ctx context.Context, rec *models.Subscriber, days int) (ConversionOutcome, error) {
	threshold := reminderThreshold(days)
	if threshold == 0 {
		return OutcomePending, nil
	}
	if rec.LastReminderDays != nil && *rec.LastReminderDays <= threshold {
		return OutcomePending, nil
	}
	updated, err := s.mutate(ctx, rec.UserID, func(r *models.Subscriber) error {
		r.LastReminderDays = intPtr(threshold)
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}
	s.notify(ctx, updated, NotifyTrialReminder, map[string]any{
		"days_remaining":     days,
		"trial_end_date":     updated.TrialEndDate,
		"has_payment_method": updated.HasPaymentMethod(),
		"monthly_amount":     MonthlyAmount(updated.ActivePropertiesCount),
	})
	return OutcomeReminded, nil
}

func intPtr(v int) *int { return &v }

package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// RecordPaymentFailure counts a failed charge for the customer. Reaching the
// suspension threshold pauses collection at the provider before the local
// state changes.
func (s *Service) RecordPaymentFailure(ctx context.Context, customerID string) (rec *models.Subscriber, err error) {
	defer func(start time.Time) { observe("record_payment_failure", start, err) }(time.Now())
	current, err := s.loadByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	next := NextPaymentStatus(current.FailedPaymentCount + 1)
	if next == models.PaymentStatusSuspended && current.PaymentStatus != models.PaymentStatusSuspended && current.HasSubscription() {
		pctx, cancel := s.providerContext(ctx)
		defer cancel()
		if err := s.provider.PauseSubscription(pctx, models.StringValue(current.SubscriptionID)); err != nil {
			return nil, providerError("pause subscription", err)
		}
	}

	var previous models.PaymentStatus
	rec, err = s.mutate(ctx, current.UserID, func(r *models.Subscriber) error {
		previous = r.PaymentStatus
		r.FailedPaymentCount++
		r.PaymentStatus = NextPaymentStatus(r.FailedPaymentCount)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordTransition(previous, rec.PaymentStatus)

	log.Warn().
		Str("user_id", rec.UserID).
		Str("customer_id", customerID).
		Int("failed_payment_count", rec.FailedPaymentCount).
		Str("payment_status", string(rec.PaymentStatus)).
		Msg("billing: payment failed")

	payload := map[string]any{"failed_payment_count": rec.FailedPaymentCount}
	if rec.PaymentStatus == models.PaymentStatusSuspended {
		s.notify(ctx, rec, NotifyAccountSuspended, payload)
	} else {
		payload["attempts_remaining"] = SuspensionThreshold - rec.FailedPaymentCount
		s.notify(ctx, rec, NotifyPaymentFailed, payload)
	}
	return rec, nil
}

// RecordPaymentSuccess clears the failure counter after a successful charge
// and rolls the billing dates forward. A suspended subscription that was
// paused is resumed first.
func (s *Service) RecordPaymentSuccess(ctx context.Context, customerID string) (rec *models.Subscriber, err error) {
	defer func(start time.Time) { observe("record_payment_success", start, err) }(time.Now())
	current, err := s.loadByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	if current.PaymentStatus == models.PaymentStatusSuspended && current.HasSubscription() {
		if err := s.resumeIfPaused(ctx, models.StringValue(current.SubscriptionID)); err != nil {
			return nil, err
		}
	}

	now := s.now()
	next := nextBillingDate(now)
	var previous models.PaymentStatus
	var recovered bool
	rec, err = s.mutate(ctx, current.UserID, func(r *models.Subscriber) error {
		previous = r.PaymentStatus
		recovered = r.FailedPaymentCount > 0 || (r.PaymentStatus != "" && r.PaymentStatus != models.PaymentStatusActive)
		r.FailedPaymentCount = 0
		r.PaymentStatus = models.PaymentStatusActive
		r.LastBillingDate = models.TimePtr(now)
		r.NextBillingDate = models.TimePtr(next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordTransition(previous, rec.PaymentStatus)

	if recovered {
		log.Info().Str("user_id", rec.UserID).Str("customer_id", customerID).Msg("billing: payment recovered")
		s.notify(ctx, rec, NotifyPaymentRecovered, map[string]any{"next_billing_date": next})
	}
	return rec, nil
}

// Reactivate restores a failing or suspended account once the provider holds
// a usable card: the subscription is resumed if paused, the card becomes the
// default and the failure counter resets.
func (s *Service) Reactivate(ctx context.Context, userID string) (rec *models.Subscriber, err error) {
	defer func(start time.Time) { observe("reactivate", start, err) }(time.Now())
	current, err := s.Subscriber(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.IsCancelled {
		return nil, ErrSubscriptionCancelled
	}

	methods, err := s.listPaymentMethods(ctx, current)
	if err != nil {
		return nil, err
	}
	pm := selectPaymentMethod(methods, models.StringValue(current.PaymentMethodID))
	if pm == nil {
		return nil, ErrNoPaymentMethod
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	if err := s.provider.SetDefaultPaymentMethod(pctx, models.StringValue(current.CustomerID), pm.ID); err != nil {
		return nil, providerError("set default payment method", err)
	}
	if current.HasSubscription() {
		subID := models.StringValue(current.SubscriptionID)
		if err := s.resumeIfPaused(ctx, subID); err != nil {
			return nil, err
		}
		if err := s.provider.SetSubscriptionPaymentMethod(pctx, subID, pm.ID); err != nil {
			return nil, providerError("set subscription payment method", err)
		}
	}

	var previous models.PaymentStatus
	rec, err = s.mutate(ctx, userID, func(r *models.Subscriber) error {
		previous = r.PaymentStatus
		r.FailedPaymentCount = 0
		r.PaymentStatus = models.PaymentStatusActive
		r.PaymentMethodID = models.StringPtr(pm.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	recordTransition(previous, rec.PaymentStatus)

	log.Info().Str("user_id", userID).Str("payment_method_id", pm.ID).Msg("billing: account reactivated")
	s.notify(ctx, rec, NotifyAccountReactivated, map[string]any{
		"card_brand": pm.Brand,
		"card_last4": pm.Last4,
	})
	return rec, nil
}

func (s *Service) resumeIfPaused(ctx context.Context, subscriptionID string) error {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	sub, err := s.provider.GetSubscription(pctx, subscriptionID)
	if err != nil {
		return providerError("retrieve subscription", err)
	}
	if !sub.Paused {
		return nil
	}
	if err := s.provider.ResumeSubscription(pctx, subscriptionID); err != nil {
		return providerError("resume subscription", err)
	}
	log.Info().Str("subscription_id", subscriptionID).Msg("billing: subscription resumed")
	return nil
}

package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// CancelSubscription ends the owner's trial or subscription. The provider
// subscription, if any, is cancelled first. Cancelling twice is a no-op.
func (s *Service) CancelSubscription(ctx context.Context, userID, reason string) (rec *models.Subscriber, err error) {
	defer func(start time.Time) { observe("cancel_subscription", start, err) }(time.Now())
	current, err := s.Subscriber(ctx, userID)
	if err != nil {
		return nil, err
	}
	if current.IsCancelled {
		return current, nil
	}

	if current.HasSubscription() {
		pctx, cancel := s.providerContext(ctx)
		defer cancel()
		if err := s.provider.CancelSubscription(pctx, models.StringValue(current.SubscriptionID)); err != nil {
			return nil, providerError("cancel subscription", err)
		}
	}

	now := s.now()
	rec, err = s.mutate(ctx, userID, func(r *models.Subscriber) error {
		r.IsCancelled = true
		r.Subscribed = false
		r.IsTrialActive = false
		r.CancellationDate = models.TimePtr(now)
		r.CancellationReason = models.StringPtr(reason)
		r.NextBillingDate = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", userID).Str("reason", reason).Msg("billing: subscription cancelled")
	s.notify(ctx, rec, NotifySubscriptionCancelled, map[string]any{"reason": reason})
	return rec, nil
}

package billing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// TrialStarted is returned from StartTrial so the client can collect a card.
type TrialStarted struct {
	ClientSecret          string    `json:"client_secret"`
	SetupIntentID         string    `json:"setup_intent_id"`
	TrialStartDate        time.Time `json:"trial_start_date"`
	TrialEndDate          time.Time `json:"trial_end_date"`
	ActivePropertiesCount int       `json:"active_properties_count"`
	MonthlyAmount         int64     `json:"monthly_amount"`
}

// StartTrial opens a 30 day trial for the owner and starts card collection.
// Starting a trial again resets the window.
func (s *Service) StartTrial(ctx context.Context, user models.Identity) (result *TrialStarted, err error) {
	defer func(start time.Time) { observe("start_trial", start, err) }(time.Now())
	if user.ID == "" {
		return nil, ErrNotAuthenticated
	}

	existing, err := s.store.GetSubscriber(ctx, user.ID)
	switch {
	case errors.Is(err, models.ErrSubscriberNotFound):
	case err != nil:
		return nil, storeError("load subscriber", err)
	case existing.Subscribed:
		return nil, ErrAlreadySubscribed
	}

	customerID, err := s.EnsureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	intent, err := s.createSetupIntent(ctx, customerID)
	if err != nil {
		return nil, err
	}

	start := s.now()
	end := TrialEnd(start)
	count, err := s.counter.CountActiveProperties(ctx, user.ID)
	if err != nil {
		return nil, storeError("count active properties", err)
	}

	rec, err := s.mutate(ctx, user.ID, func(r *models.Subscriber) error {
		if r.Subscribed {
			return ErrAlreadySubscribed
		}
		if r.Email == "" {
			r.Email = user.Email
		}
		r.Subscribed = false
		r.IsTrialActive = true
		r.IsCancelled = false
		r.CancellationDate = nil
		r.CancellationReason = nil
		r.TrialStartDate = models.TimePtr(start)
		r.TrialEndDate = models.TimePtr(end)
		r.NextBillingDate = models.TimePtr(end)
		r.PaymentMethodID = nil
		// A restarted trial never carries a previously cancelled subscription.
		r.SubscriptionID = nil
		r.SetupIntentID = models.StringPtr(intent.ID)
		r.ActivePropertiesCount = count
		r.PaymentStatus = models.PaymentStatusActive
		r.FailedPaymentCount = 0
		r.LastReminderDays = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("user_id", user.ID).Time("trial_end", end).Int("properties", count).Msg("billing: trial started")
	s.notify(ctx, rec, NotifyTrialStarted, map[string]any{
		"trial_end_date": end,
		"monthly_amount": MonthlyAmount(count),
	})

	return &TrialStarted{
		ClientSecret:          intent.ClientSecret,
		SetupIntentID:         intent.ID,
		TrialStartDate:        start,
		TrialEndDate:          end,
		ActivePropertiesCount: count,
		MonthlyAmount:         MonthlyAmount(count),
	}, nil
}

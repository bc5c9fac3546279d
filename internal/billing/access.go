package billing

import (
	"context"
	"errors"
	"time"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// AccessReason explains a denial so the UI can offer the right remedy.
type AccessReason string

const (
	ReasonTrialExpired          AccessReason = "trial_expired"
	ReasonSubscriptionCancelled AccessReason = "subscription_cancelled"
	ReasonNoPaymentMethod       AccessReason = "no_payment_method"
	ReasonSuspended             AccessReason = "suspended"
	ReasonNoSubscription        AccessReason = "no_subscription"
)

// AccessDecision is the gate's verdict.
type AccessDecision struct {
	HasAccess          bool         `json:"has_access"`
	Reason             AccessReason `json:"reason,omitempty"`
	TrialDaysRemaining int          `json:"trial_days_remaining,omitempty"`
}

// HasAccess is CheckAccess without the payment method requirement.
func HasAccess(rec *models.Subscriber, now time.Time) bool {
	return CheckAccess(rec, now, false).HasAccess
}

// CheckAccess derives access from billing state. Cancellation and suspension
// deny regardless of the trial and subscription flags.
func CheckAccess(rec *models.Subscriber, now time.Time, requirePaymentMethod bool) AccessDecision {
	if rec == nil {
		return AccessDecision{Reason: ReasonNoSubscription}
	}
	if rec.IsCancelled {
		return AccessDecision{Reason: ReasonSubscriptionCancelled}
	}
	if rec.PaymentStatus == models.PaymentStatusSuspended || rec.FailedPaymentCount >= SuspensionThreshold {
		return AccessDecision{Reason: ReasonSuspended}
	}

	var decision AccessDecision
	switch {
	case rec.Subscribed:
		decision.HasAccess = true
	case rec.IsTrialActive && rec.TrialEndDate != nil && now.Before(*rec.TrialEndDate):
		decision.HasAccess = true
		decision.TrialDaysRemaining = TrialDaysRemaining(*rec.TrialEndDate, now)
	case rec.IsTrialActive:
		return AccessDecision{Reason: ReasonTrialExpired}
	default:
		return AccessDecision{Reason: ReasonNoSubscription}
	}

	if requirePaymentMethod && !rec.HasPaymentMethod() {
		return AccessDecision{Reason: ReasonNoPaymentMethod, TrialDaysRemaining: decision.TrialDaysRemaining}
	}
	return decision
}

// CheckAccess loads the owner's record and applies the gate. A missing record
// is a denial, not an error.
func (s *Service) CheckAccess(ctx context.Context, userID string, requirePaymentMethod bool) (AccessDecision, error) {
	if userID == "" {
		return AccessDecision{}, ErrNotAuthenticated
	}
	rec, err := s.store.GetSubscriber(ctx, userID)
	if errors.Is(err, models.ErrSubscriberNotFound) {
		return CheckAccess(nil, s.now(), requirePaymentMethod), nil
	}
	if err != nil {
		return AccessDecision{}, storeError("load subscriber", err)
	}
	return CheckAccess(rec, s.now(), requirePaymentMethod), nil
}

package billing_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

func TestCheckAccess(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * 24 * time.Hour)
	past := now.Add(-time.Hour)
	pm := models.StringPtr("pm_1")

	tests := []struct {
		name      string
		rec       *models.Subscriber
		requirePM bool
		want      bool
		reason    billing.AccessReason
	}{
		{"no record", nil, false, false, billing.ReasonNoSubscription},
		{"empty record", &models.Subscriber{}, false, false, billing.ReasonNoSubscription},
		{"subscribed", &models.Subscriber{Subscribed: true, PaymentStatus: models.PaymentStatusActive}, false, true, ""},
		{"subscribed at risk", &models.Subscriber{Subscribed: true, PaymentStatus: models.PaymentStatusAtRisk, FailedPaymentCount: 2}, false, true, ""},
		{"active trial", &models.Subscriber{IsTrialActive: true, TrialEndDate: &future}, false, true, ""},
		{"expired trial", &models.Subscriber{IsTrialActive: true, TrialEndDate: &past}, false, false, billing.ReasonTrialExpired},
		{"trial without end date", &models.Subscriber{IsTrialActive: true}, false, false, billing.ReasonTrialExpired},
		{"trial requires card", &models.Subscriber{IsTrialActive: true, TrialEndDate: &future}, true, false, billing.ReasonNoPaymentMethod},
		{"trial with card", &models.Subscriber{IsTrialActive: true, TrialEndDate: &future, PaymentMethodID: pm}, true, true, ""},
		{"subscribed requires card", &models.Subscriber{Subscribed: true}, true, false, billing.ReasonNoPaymentMethod},
		{"cancelled", &models.Subscriber{IsCancelled: true}, false, false, billing.ReasonSubscriptionCancelled},
		{"suspended", &models.Subscriber{Subscribed: true, PaymentStatus: models.PaymentStatusSuspended, FailedPaymentCount: 3}, false, false, billing.ReasonSuspended},
		{"failed count over threshold", &models.Subscriber{Subscribed: true, PaymentStatus: models.PaymentStatusAtRisk, FailedPaymentCount: 3}, false, false, billing.ReasonSuspended},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := billing.CheckAccess(tt.rec, now, tt.requirePM)
			assert.Equal(t, tt.want, got.HasAccess)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestAccessDeniedWhenCancelledOrSuspended(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	pm := models.StringPtr("pm_1")

	// Every combination of the other flags must stay denied.
	for _, subscribed := range []bool{false, true} {
		for _, trial := range []bool{false, true} {
			for _, withPM := range []bool{false, true} {
				base := models.Subscriber{
					Subscribed:    subscribed,
					IsTrialActive: trial,
					TrialEndDate:  &future,
					PaymentStatus: models.PaymentStatusActive,
				}
				if withPM {
					base.PaymentMethodID = pm
				}

				cancelled := base
				cancelled.IsCancelled = true
				assert.False(t, billing.HasAccess(&cancelled, now))

				suspended := base
				suspended.PaymentStatus = models.PaymentStatusSuspended
				assert.False(t, billing.HasAccess(&suspended, now))
			}
		}
	}
}

func TestCheckAccessReportsTrialDays(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := now.Add(72*time.Hour - time.Minute)
	got := billing.CheckAccess(&models.Subscriber{IsTrialActive: true, TrialEndDate: &end}, now, false)
	assert.True(t, got.HasAccess)
	assert.Equal(t, 3, got.TrialDaysRemaining)
}

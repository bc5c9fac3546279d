package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// Reconcile modes describe how the count was applied.
const (
	ReconcileModeTrial    = "trial"
	ReconcileModeQuote    = "quote"
	ReconcileModeQuantity = "quantity"
	ReconcileModeMetered  = "metered"
)

// ReconcileResult reports the count the owner will be billed for.
type ReconcileResult struct {
	PropertyCount   int        `json:"property_count"`
	PreviousCount   int        `json:"previous_count"`
	MonthlyAmount   int64      `json:"monthly_amount"`
	NextBillingDate *time.Time `json:"next_billing_date,omitempty"`
	ProviderSynced  bool       `json:"provider_synced"`
	Mode            string     `json:"mode"`
}

// ChangeAction tells the UI what a quantity change will do to the bill.
type ChangeAction string

const (
	ChangeCharge ChangeAction = "charge"
	ChangeCredit ChangeAction = "credit"
	ChangeNone   ChangeAction = "none"
)

// ChangePreview quotes a property count change.
type ChangePreview struct {
	CurrentCount        int          `json:"current_count"`
	NewCount            int          `json:"new_count"`
	CurrentAmount       int64        `json:"current_amount"`
	NewAmount           int64        `json:"new_amount"`
	Difference          int64        `json:"difference"`
	Action              ChangeAction `json:"action"`
	ProviderAmountCents *int64       `json:"provider_amount_cents,omitempty"`
	Currency            string       `json:"currency,omitempty"`
}

// Reconcile counts the owner's active properties, pushes the count to the
// provider when a live subscription exists and records it locally. The
// local count only changes after the provider accepted it.
func (s *Service) Reconcile(ctx context.Context, userID string) (result *ReconcileResult, err error) {
	defer func(start time.Time) { observe("reconcile", start, err) }(time.Now())
	rec, err := s.Subscriber(ctx, userID)
	if err != nil {
		return nil, err
	}
	count, err := s.counter.CountActiveProperties(ctx, userID)
	if err != nil {
		return nil, storeError("count active properties", err)
	}

	result = &ReconcileResult{
		PropertyCount: count,
		PreviousCount: rec.ActivePropertiesCount,
		MonthlyAmount: MonthlyAmount(count),
	}

	switch {
	case rec.InTrial():
		result.Mode = ReconcileModeTrial
	case !rec.HasSubscription() || rec.IsCancelled:
		result.Mode = ReconcileModeQuote
	default:
		if err := s.pushUsage(ctx, rec, count); err != nil {
			return nil, err
		}
		result.Mode = string(s.opts.UsageMode)
		result.ProviderSynced = true
	}

	updated, err := s.mutate(ctx, userID, func(r *models.Subscriber) error {
		r.ActivePropertiesCount = count
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.NextBillingDate = updated.NextBillingDate

	if count != result.PreviousCount {
		log.Info().Str("user_id", userID).Int("from", result.PreviousCount).Int("to", count).Str("mode", result.Mode).Msg("billing: property count reconciled")
	}
	return result, nil
}

func (s *Service) pushUsage(ctx context.Context, rec *models.Subscriber, count int) error {
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	if s.opts.UsageMode == UsageModeMetered {
		customerID := models.StringValue(rec.CustomerID)
		if customerID == "" {
			return ErrCustomerNotFound
		}
		if err := s.provider.ReportUsage(pctx, customerID, int64(count)); err != nil {
			return providerError("report usage", err)
		}
		return nil
	}
	if err := s.provider.UpdateSubscriptionQuantity(pctx, models.StringValue(rec.SubscriptionID), int64(count)); err != nil {
		return providerError("update subscription quantity", err)
	}
	return nil
}

// PreviewChange quotes moving the owner to newCount properties. Live
// subscriptions also get the provider's invoice preview: prorated at the new
// quantity, or the upcoming metered invoice.
func (s *Service) PreviewChange(ctx context.Context, userID string, newCount int) (preview *ChangePreview, err error) {
	defer func(start time.Time) { observe("preview_change", start, err) }(time.Now())
	if newCount < 0 {
		return nil, invalidArgument("property count must not be negative")
	}
	rec, err := s.Subscriber(ctx, userID)
	if err != nil {
		return nil, err
	}

	current := rec.ActivePropertiesCount
	preview = &ChangePreview{
		CurrentCount:  current,
		NewCount:      newCount,
		CurrentAmount: MonthlyAmount(current),
		NewAmount:     MonthlyAmount(newCount),
	}
	preview.Difference = preview.NewAmount - preview.CurrentAmount
	switch {
	case preview.Difference > 0:
		preview.Action = ChangeCharge
	case preview.Difference < 0:
		preview.Action = ChangeCredit
	default:
		preview.Action = ChangeNone
	}

	if !rec.HasSubscription() || rec.IsCancelled || rec.InTrial() {
		return preview, nil
	}
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	quote, err := s.provider.PreviewQuantityChange(pctx, models.StringValue(rec.CustomerID), models.StringValue(rec.SubscriptionID), int64(newCount))
	if err != nil {
		return nil, providerError("preview invoice", err)
	}
	amount := quote.AmountDueCents
	preview.ProviderAmountCents = &amount
	preview.Currency = quote.Currency
	return preview, nil
}

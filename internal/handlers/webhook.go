package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/metrics"
	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/stripe"
)

const webhookBodyLimit = 1 << 20

// PaymentRecorder applies payment outcomes to the billing lifecycle.
type PaymentRecorder interface {
	RecordPaymentFailure(ctx context.Context, customerID string) (*models.Subscriber, error)
	RecordPaymentSuccess(ctx context.Context, customerID string) (*models.Subscriber, error)
}

// WebhookStore deduplicates deliveries and keeps the payment audit trail.
type WebhookStore interface {
	MarkWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error)
	ForgetWebhookEvent(ctx context.Context, eventID string) error
	SavePayment(ctx context.Context, payment *models.PaymentHistory) error
}

// EventVerifier authenticates a webhook delivery.
type EventVerifier interface {
	Configured() bool
	Parse(payload []byte, signature string) (*stripe.Event, error)
}

// StripeWebhook receives invoice events and drives the suspension state machine.
type StripeWebhook struct {
	Verifier EventVerifier
	Payments PaymentRecorder
	Store    WebhookStore
}

func (h *StripeWebhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eventType := "unknown"
	status := "error"
	defer func() { metrics.WebhookEventsTotal.WithLabelValues(eventType, status).Inc() }()

	if !h.Verifier.Configured() {
		status = "unconfigured"
		writeMessage(w, http.StatusServiceUnavailable, "configuration_error", "webhook secret not configured")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid_argument", "failed to read request body")
		return
	}

	event, err := h.Verifier.Parse(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		status = "rejected"
		log.Warn().Err(err).Msg("webhook: signature verification failed")
		writeMessage(w, http.StatusBadRequest, "invalid_signature", "invalid Stripe signature")
		return
	}
	eventType = event.Type

	if !handledEvent(event.Type) || event.Invoice == nil {
		status = "ignored"
		writeJSON(w, http.StatusOK, map[string]any{"received": true})
		return
	}

	fresh, err := h.Store.MarkWebhookEvent(r.Context(), event.ID, event.Type)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("webhook: failed to record event")
		writeMessage(w, http.StatusInternalServerError, "internal_error", "processing failed")
		return
	}
	if !fresh {
		status = "duplicate"
		writeJSON(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	if err := h.apply(r.Context(), event); err != nil {
		if billing.KindOf(err) == billing.KindNotFound {
			status = "unmatched"
			log.Warn().Err(err).Str("event_id", event.ID).Str("customer_id", event.Invoice.CustomerID).Msg("webhook: no subscriber for invoice customer")
			writeJSON(w, http.StatusOK, map[string]any{"received": true})
			return
		}
		// Let the provider redeliver.
		if ferr := h.Store.ForgetWebhookEvent(r.Context(), event.ID); ferr != nil {
			log.Error().Err(ferr).Str("event_id", event.ID).Msg("webhook: failed to release event")
		}
		log.Error().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("webhook: processing failed")
		writeMessage(w, http.StatusInternalServerError, billing.ReasonOf(err), "processing failed")
		return
	}

	status = "processed"
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func handledEvent(eventType string) bool {
	switch eventType {
	case stripe.EventInvoicePaymentFailed, stripe.EventInvoicePaid, stripe.EventInvoicePaymentSucceeded:
		return true
	}
	return false
}

func (h *StripeWebhook) apply(ctx context.Context, event *stripe.Event) error {
	inv := event.Invoice
	if inv.CustomerID == "" {
		return billing.ErrCustomerNotFound
	}

	var (
		rec    *models.Subscriber
		err    error
		result string
		amount = inv.AmountPaid
	)
	switch event.Type {
	case stripe.EventInvoicePaymentFailed:
		rec, err = h.Payments.RecordPaymentFailure(ctx, inv.CustomerID)
		result, amount = "failed", inv.AmountDue
	case stripe.EventInvoicePaid:
		rec, err = h.Payments.RecordPaymentSuccess(ctx, inv.CustomerID)
		result = "succeeded"
	case stripe.EventInvoicePaymentSucceeded:
		// invoice.paid follows for the same invoice and writes the audit row.
		_, err = h.Payments.RecordPaymentSuccess(ctx, inv.CustomerID)
		return err
	default:
		return errors.New("unhandled event type " + event.Type)
	}
	if err != nil {
		return err
	}

	payment := &models.PaymentHistory{
		UserID:       rec.UserID,
		CustomerID:   inv.CustomerID,
		InvoiceID:    models.StringPtr(inv.ID),
		Amount:       amount,
		Currency:     inv.Currency,
		Status:       result,
		AttemptCount: inv.AttemptCount,
		Description:  models.StringPtr(inv.Description),
		ReceiptURL:   models.StringPtr(inv.HostedURL),
	}
	if err := h.Store.SavePayment(ctx, payment); err != nil {
		// The state change is committed; a missing audit row is not worth a redelivery.
		log.Error().Err(err).Str("user_id", rec.UserID).Str("invoice_id", inv.ID).Msg("webhook: failed to save payment history")
	}
	return nil
}

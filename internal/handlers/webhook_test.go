package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/models"
	"github.com/PortNumber53/propcare-billing/internal/stripe"
)

type stubVerifier struct {
	event *stripe.Event
	err   error
	off   bool
}

func (v stubVerifier) Configured() bool { return !v.off }

func (v stubVerifier) Parse([]byte, string) (*stripe.Event, error) { return v.event, v.err }

type stubRecorder struct {
	failures  []string
	successes []string
	err       error
}

func (r *stubRecorder) RecordPaymentFailure(_ context.Context, customerID string) (*models.Subscriber, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.failures = append(r.failures, customerID)
	return &models.Subscriber{UserID: "user-" + customerID, FailedPaymentCount: len(r.failures)}, nil
}

func (r *stubRecorder) RecordPaymentSuccess(_ context.Context, customerID string) (*models.Subscriber, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.successes = append(r.successes, customerID)
	return &models.Subscriber{UserID: "user-" + customerID}, nil
}

type memWebhookStore struct {
	seen     map[string]bool
	payments []models.PaymentHistory
}

func newMemWebhookStore() *memWebhookStore { return &memWebhookStore{seen: map[string]bool{}} }

func (m *memWebhookStore) MarkWebhookEvent(_ context.Context, eventID, _ string) (bool, error) {
	if m.seen[eventID] {
		return false, nil
	}
	m.seen[eventID] = true
	return true, nil
}

func (m *memWebhookStore) ForgetWebhookEvent(_ context.Context, eventID string) error {
	delete(m.seen, eventID)
	return nil
}

func (m *memWebhookStore) SavePayment(_ context.Context, p *models.PaymentHistory) error {
	m.payments = append(m.payments, *p)
	return nil
}

func invoiceEvent(id, eventType string) *stripe.Event {
	return &stripe.Event{ID: id, Type: eventType, Invoice: &stripe.Invoice{
		ID: "in_" + id, CustomerID: "cus_1", AmountDue: 5800, AmountPaid: 5800, Currency: "usd", AttemptCount: 1,
	}}
}

func postWebhook(h http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookPaymentFailedRecordsAndDedupes(t *testing.T) {
	store := newMemWebhookStore()
	recorder := &stubRecorder{}
	h := &StripeWebhook{Verifier: stubVerifier{event: invoiceEvent("evt_1", stripe.EventInvoicePaymentFailed)}, Payments: recorder, Store: store}

	rec := postWebhook(h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"cus_1"}, recorder.failures)
	require.Len(t, store.payments, 1)
	assert.Equal(t, "failed", store.payments[0].Status)
	assert.Equal(t, "user-cus_1", store.payments[0].UserID)

	rec = postWebhook(h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "duplicate")
	assert.Len(t, recorder.failures, 1)
}

func TestWebhookPaidRecordsSuccess(t *testing.T) {
	store := newMemWebhookStore()
	recorder := &stubRecorder{}
	h := &StripeWebhook{Verifier: stubVerifier{event: invoiceEvent("evt_2", stripe.EventInvoicePaid)}, Payments: recorder, Store: store}

	require.Equal(t, http.StatusOK, postWebhook(h).Code)
	assert.Equal(t, []string{"cus_1"}, recorder.successes)
	require.Len(t, store.payments, 1)
	assert.Equal(t, "succeeded", store.payments[0].Status)

	h.Verifier = stubVerifier{event: invoiceEvent("evt_3", stripe.EventInvoicePaymentSucceeded)}
	require.Equal(t, http.StatusOK, postWebhook(h).Code)
	assert.Len(t, recorder.successes, 2)
	assert.Len(t, store.payments, 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := &StripeWebhook{Verifier: stubVerifier{err: stripe.ErrInvalidSignature}, Payments: &stubRecorder{}, Store: newMemWebhookStore()}
	assert.Equal(t, http.StatusBadRequest, postWebhook(h).Code)

	h.Verifier = stubVerifier{off: true}
	assert.Equal(t, http.StatusServiceUnavailable, postWebhook(h).Code)
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	store := newMemWebhookStore()
	h := &StripeWebhook{Verifier: stubVerifier{event: &stripe.Event{ID: "evt_4", Type: "customer.created"}}, Payments: &stubRecorder{}, Store: store}
	assert.Equal(t, http.StatusOK, postWebhook(h).Code)
	assert.Empty(t, store.seen)
}

func TestWebhookUnknownCustomerIsAcknowledged(t *testing.T) {
	store := newMemWebhookStore()
	h := &StripeWebhook{
		Verifier: stubVerifier{event: invoiceEvent("evt_5", stripe.EventInvoicePaymentFailed)},
		Payments: &stubRecorder{err: billing.ErrCustomerNotFound},
		Store:    store,
	}
	assert.Equal(t, http.StatusOK, postWebhook(h).Code)
	assert.True(t, store.seen["evt_5"])
}

func TestWebhookFailureReleasesEventForRedelivery(t *testing.T) {
	store := newMemWebhookStore()
	h := &StripeWebhook{
		Verifier: stubVerifier{event: invoiceEvent("evt_6", stripe.EventInvoicePaymentFailed)},
		Payments: &stubRecorder{err: &billing.Error{Kind: billing.KindProvider, Reason: "provider_error", Err: errors.New("timeout")}},
		Store:    store,
	}
	rec := postWebhook(h)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, store.seen["evt_6"])
}

package stripe

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

const invoiceFailed = `{
  "id": "evt_1",
  "object": "event",
  "type": "invoice.payment_failed",
  "data": {
    "object": {
      "id": "in_1",
      "object": "invoice",
      "customer": "cus_1",
      "amount_due": 8700,
      "amount_paid": 0,
      "currency": "usd",
      "attempt_count": 2,
      "hosted_invoice_url": "https://invoice.example/in_1"
    }
  }
}`

func TestWebhookVerifierParsesInvoiceEvent(t *testing.T) {
	payload := []byte(invoiceFailed)
	v := NewWebhookVerifier(testSecret)

	event, err := v.Parse(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventInvoicePaymentFailed, event.Type)
	require.NotNil(t, event.Invoice)
	assert.Equal(t, "cus_1", event.Invoice.CustomerID)
	assert.EqualValues(t, 8700, event.Invoice.AmountDue)
	assert.Equal(t, "usd", event.Invoice.Currency)
	assert.Equal(t, 2, event.Invoice.AttemptCount)
	assert.Equal(t, "https://invoice.example/in_1", event.Invoice.HostedURL)
}

func TestWebhookVerifierRejectsBadSignature(t *testing.T) {
	payload := []byte(invoiceFailed)
	v := NewWebhookVerifier(testSecret)

	_, err := v.Parse(payload, sign(payload, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Parse(payload, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookVerifierRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(invoiceFailed)
	_, err := NewWebhookVerifier(testSecret).Parse(payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestWebhookVerifierRequiresSecret(t *testing.T) {
	v := NewWebhookVerifier("  ")
	assert.False(t, v.Configured())
	_, err := v.Parse([]byte(invoiceFailed), "t=1,v1=00")
	assert.ErrorIs(t, err, ErrWebhookNotConfigured)
}

func TestWebhookVerifierNonInvoiceEvent(t *testing.T) {
	payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_2","object":"customer"}}}`)
	event, err := NewWebhookVerifier(testSecret).Parse(payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Nil(t, event.Invoice)
	assert.Equal(t, "customer.created", event.Type)
}

package stripe

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Invoice event types the billing webhook acts on.
const (
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaid             = "invoice.paid"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

var (
	// ErrWebhookNotConfigured means no signing secret was supplied.
	ErrWebhookNotConfigured = errors.New("stripe: webhook secret not configured")
	// ErrInvalidSignature means the payload failed signature verification.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
)

// Event is a verified webhook delivery. Invoice is set for invoice.* events.
type Event struct {
	ID      string
	Type    string
	Invoice *Invoice
}

// Invoice is the subset of a Stripe invoice the billing lifecycle needs.
type Invoice struct {
	ID           string
	CustomerID   string
	AmountDue    int64
	AmountPaid   int64
	Currency     string
	AttemptCount int
	Description  string
	HostedURL    string
}

// WebhookVerifier checks Stripe-Signature headers.
type WebhookVerifier struct {
	secret string
}

// NewWebhookVerifier returns a verifier for the endpoint signing secret.
func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: strings.TrimSpace(secret)}
}

// Configured reports whether a signing secret is present.
func (v *WebhookVerifier) Configured() bool { return v != nil && v.secret != "" }

// Parse verifies the signature and decodes the event.
func (v *WebhookVerifier) Parse(payload []byte, signature string) (*Event, error) {
	if !v.Configured() {
		return nil, ErrWebhookNotConfigured
	}
	if strings.TrimSpace(signature) == "" {
		return nil, ErrInvalidSignature
	}

	raw, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	event := &Event{ID: raw.ID, Type: string(raw.Type)}
	if strings.HasPrefix(event.Type, "invoice.") && raw.Data != nil {
		var inv stripelib.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("stripe: decode invoice: %w", err)
		}
		event.Invoice = toInvoice(&inv)
	}
	return event, nil
}

func toInvoice(inv *stripelib.Invoice) *Invoice {
	out := &Invoice{
		ID:           inv.ID,
		AmountDue:    inv.AmountDue,
		AmountPaid:   inv.AmountPaid,
		Currency:     string(inv.Currency),
		AttemptCount: int(inv.AttemptCount),
		Description:  inv.Description,
		HostedURL:    inv.HostedInvoiceURL,
	}
	if inv.Customer != nil {
		out.CustomerID = inv.Customer.ID
	}
	return out
}

package models

import "time"

// PaymentStatus is the collection health of a subscriber.
type PaymentStatus string

const (
	PaymentStatusActive    PaymentStatus = "active"
	PaymentStatusAtRisk    PaymentStatus = "at_risk"
	PaymentStatusSuspended PaymentStatus = "suspended"
)

// Subscriber is the per-owner billing aggregate. One row per user, never
// hard-deleted; cancellation and suspension are states.
type Subscriber struct {
	UserID                string        `json:"user_id"`
	Email                 string        `json:"email"`
	CustomerID            *string       `json:"customer_id,omitempty"`
	SubscriptionID        *string       `json:"subscription_id,omitempty"`
	PaymentMethodID       *string       `json:"payment_method_id,omitempty"`
	SetupIntentID         *string       `json:"setup_intent_id,omitempty"`
	Subscribed            bool          `json:"subscribed"`
	IsTrialActive         bool          `json:"is_trial_active"`
	IsCancelled           bool          `json:"is_cancelled"`
	TrialStartDate        *time.Time    `json:"trial_start_date,omitempty"`
	TrialEndDate          *time.Time    `json:"trial_end_date,omitempty"`
	ActivePropertiesCount int           `json:"active_properties_count"`
	PaymentStatus         PaymentStatus `json:"payment_status"`
	FailedPaymentCount    int           `json:"failed_payment_count"`
	LastBillingDate       *time.Time    `json:"last_billing_date,omitempty"`
	NextBillingDate       *time.Time    `json:"next_billing_date,omitempty"`
	CancellationDate      *time.Time    `json:"cancellation_date,omitempty"`
	CancellationReason    *string       `json:"cancellation_reason,omitempty"`
	LastReminderDays      *int          `json:"last_reminder_days,omitempty"`
	Version               int64         `json:"version"`
	CreatedAt             time.Time     `json:"created_at"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing the
// pointer fields of the original.
func (s *Subscriber) Clone() *Subscriber {
	if s == nil {
		return nil
	}
	c := *s
	c.CustomerID = cloneString(s.CustomerID)
	c.SubscriptionID = cloneString(s.SubscriptionID)
	c.PaymentMethodID = cloneString(s.PaymentMethodID)
	c.SetupIntentID = cloneString(s.SetupIntentID)
	c.CancellationReason = cloneString(s.CancellationReason)
	c.TrialStartDate = cloneTime(s.TrialStartDate)
	c.TrialEndDate = cloneTime(s.TrialEndDate)
	c.LastBillingDate = cloneTime(s.LastBillingDate)
	c.NextBillingDate = cloneTime(s.NextBillingDate)
	c.CancellationDate = cloneTime(s.CancellationDate)
	if s.LastReminderDays != nil {
		v := *s.LastReminderDays
		c.LastReminderDays = &v
	}
	return &c
}

// HasPaymentMethod reports whether a card reference is recorded.
func (s *Subscriber) HasPaymentMethod() bool {
	return s.PaymentMethodID != nil && *s.PaymentMethodID != ""
}

// HasSubscription reports whether a provider subscription exists.
func (s *Subscriber) HasSubscription() bool {
	return s.SubscriptionID != nil && *s.SubscriptionID != ""
}

// InTrial is true while the trial flag is set and the record has not converted.
func (s *Subscriber) InTrial() bool {
	return s.IsTrialActive && !s.Subscribed
}

// StringValue dereferences an optional string.
func StringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// StringPtr returns nil for empty strings.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

func cloneString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// PaymentHistory is an audit row written for every payment webhook.
type PaymentHistory struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	CustomerID   string    `json:"customer_id"`
	InvoiceID    *string   `json:"invoice_id,omitempty"`
	Amount       int64     `json:"amount"`
	Currency     string    `json:"currency"`
	Status       string    `json:"status"`
	AttemptCount int       `json:"attempt_count"`
	Description  *string   `json:"description,omitempty"`
	ReceiptURL   *string   `json:"receipt_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

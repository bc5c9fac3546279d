package billing

import (
	"context"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// SubscriberStore persists billing records. Implementations return
// models.ErrSubscriberNotFound for missing rows and models.ErrVersionConflict
// when UpdateSubscriber loses a race.
type SubscriberStore interface {
	// CreateSubscriber inserts an empty record for userID if none exists and
	// returns the current row either way.
	CreateSubscriber(ctx context.Context, userID, email string) (*models.Subscriber, error)
	GetSubscriber(ctx context.Context, userID string) (*models.Subscriber, error)
	GetSubscriberByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error)
	// SetCustomerID records customerID only while the record has none. It
	// reports whether this call won.
	SetCustomerID(ctx context.Context, userID, customerID string) (bool, error)
	// UpdateSubscriber writes sub if sub.Version still matches storage and
	// advances sub.Version on success.
	UpdateSubscriber(ctx context.Context, sub *models.Subscriber) error
	ListActiveTrials(ctx context.Context) ([]*models.Subscriber, error)
	ListSubscribedUserIDs(ctx context.Context) ([]string, error)
}

// UsageCounter reports the billable quantity for an owner.
type UsageCounter interface {
	CountActiveProperties(ctx context.Context, userID string) (int, error)
}

// SetupIntentSucceeded is the provider status of a completed card setup.
const SetupIntentSucceeded = "succeeded"

// SetupIntent is a pending card setup on the provider.
type SetupIntent struct {
	ID              string
	ClientSecret    string
	Status          string
	PaymentMethodID string
}

// PaymentMethod is a stored card as reported by the provider.
type PaymentMethod struct {
	ID       string `json:"id"`
	Brand    string `json:"brand,omitempty"`
	Last4    string `json:"last4,omitempty"`
	ExpMonth int    `json:"exp_month,omitempty"`
	ExpYear  int    `json:"exp_year,omitempty"`
}

// SubscriptionRequest creates a recurring subscription for a customer.
type SubscriptionRequest struct {
	UserID          string
	CustomerID      string
	PaymentMethodID string
	Quantity        int64
	// IdempotencyKey makes a retried creation return the original subscription.
	IdempotencyKey string
}

// ProviderSubscription is the provider's view of a subscription.
type ProviderSubscription struct {
	ID       string
	Status   string
	ItemID   string
	Quantity int64
	Paused   bool
}

// InvoicePreview is the provider's quote for a quantity change.
type InvoicePreview struct {
	AmountDueCents int64
	Currency       string
}

// Provider is the external payment processor.
type Provider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error)
	GetSetupIntent(ctx context.Context, setupIntentID string) (*SetupIntent, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error
	CreateSubscription(ctx context.Context, req SubscriptionRequest) (*ProviderSubscription, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int64) error
	SetSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error
	ReportUsage(ctx context.Context, customerID string, quantity int64) error
	PreviewQuantityChange(ctx context.Context, customerID, subscriptionID string, quantity int64) (*InvoicePreview, error)
	PauseSubscription(ctx context.Context, subscriptionID string) error
	ResumeSubscription(ctx context.Context, subscriptionID string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// NotificationKind names a lifecycle message sent to the account owner.
type NotificationKind string

const (
	NotifyTrialStarted          NotificationKind = "trial_started"
	NotifyTrialReminder         NotificationKind = "trial_reminder"
	NotifyTrialExpired          NotificationKind = "trial_expired"
	NotifySubscriptionActivated NotificationKind = "subscription_activated"
	NotifyPaymentFailed         NotificationKind = "payment_failed"
	NotifyAccountSuspended      NotificationKind = "account_suspended"
	NotifyPaymentRecovered      NotificationKind = "payment_recovered"
	NotifyAccountReactivated    NotificationKind = "account_reactivated"
	NotifySubscriptionCancelled NotificationKind = "subscription_cancelled"
)

// Notification is an outbound lifecycle message.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	UserID    string           `json:"user_id"`
	Recipient string           `json:"recipient,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
}

// Notifier accepts notifications for delivery. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

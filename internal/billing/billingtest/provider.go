// Package billingtest provides in-memory doubles for the billing ports.
package billingtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/PortNumber53/propcare-billing/internal/billing"
)

// UsageEntry records one metered usage report.
type UsageEntry struct {
	CustomerID string
	Quantity   int64
}

// Provider is a test double for billing.Provider that records calls and
// returns configurable results. Customer creation is idempotent per user,
// like the real provider with an idempotency key.
type Provider struct {
	mu sync.Mutex

	// Customers maps userID -> customerID.
	Customers map[string]string
	// SetupIntents maps setupIntentID -> intent.
	SetupIntents map[string]*billing.SetupIntent
	// PaymentMethods maps customerID -> cards.
	PaymentMethods map[string][]billing.PaymentMethod
	// DefaultPaymentMethods maps customerID -> paymentMethodID.
	DefaultPaymentMethods map[string]string
	// Subscriptions maps subscriptionID -> subscription.
	Subscriptions map[string]*billing.ProviderSubscription
	// SubscriptionCustomers maps subscriptionID -> customerID.
	SubscriptionCustomers map[string]string
	UsageReports          []UsageEntry
	CancelledSubs         []string

	// Error fields allow tests to inject failures.
	CreateCustomerErr     error
	CreateSetupIntentErr  error
	GetSetupIntentErr     error
	ListPaymentMethodsErr error
	CreateSubscriptionErr error
	UpdateQuantityErr     error
	ReportUsageErr        error
	PreviewErr            error
	PauseErr              error
	ResumeErr             error
	CancelErr             error

	CustomerCreations int
	idempotency       map[string]string
	seq               int
}

// NewProvider creates a Provider ready for use.
func NewProvider() *Provider {
	return &Provider{
		Customers:             make(map[string]string),
		SetupIntents:          make(map[string]*billing.SetupIntent),
		PaymentMethods:        make(map[string][]billing.PaymentMethod),
		DefaultPaymentMethods: make(map[string]string),
		Subscriptions:         make(map[string]*billing.ProviderSubscription),
		SubscriptionCustomers: make(map[string]string),
		idempotency:           make(map[string]string),
	}
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_mock_%d", prefix, p.seq)
}

// CreateCustomer returns the existing customer for userID or creates one.
func (p *Provider) CreateCustomer(_ context.Context, userID, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateCustomerErr != nil {
		return "", p.CreateCustomerErr
	}
	if id, ok := p.Customers[userID]; ok {
		return id, nil
	}
	id := p.nextID("cus")
	p.Customers[userID] = id
	p.CustomerCreations++
	return id, nil
}

// CreateSetupIntent opens a pending intent.
func (p *Provider) CreateSetupIntent(_ context.Context, customerID string) (*billing.SetupIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateSetupIntentErr != nil {
		return nil, p.CreateSetupIntentErr
	}
	id := p.nextID("seti")
	intent := &billing.SetupIntent{ID: id, ClientSecret: id + "_secret", Status: "requires_payment_method"}
	p.SetupIntents[id] = intent
	cp := *intent
	return &cp, nil
}

// CompleteSetupIntent simulates the browser finishing card entry: the intent
// succeeds and the card is attached to customerID.
func (p *Provider) CompleteSetupIntent(setupIntentID, customerID string, pm billing.PaymentMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	intent, ok := p.SetupIntents[setupIntentID]
	if !ok {
		intent = &billing.SetupIntent{ID: setupIntentID}
		p.SetupIntents[setupIntentID] = intent
	}
	intent.Status = billing.SetupIntentSucceeded
	intent.PaymentMethodID = pm.ID
	p.PaymentMethods[customerID] = append(p.PaymentMethods[customerID], pm)
}

// AttachPaymentMethod adds a card to a customer without a setup intent.
func (p *Provider) AttachPaymentMethod(customerID string, pm billing.PaymentMethod) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PaymentMethods[customerID] = append(p.PaymentMethods[customerID], pm)
}

// GetSetupIntent returns a copy of the stored intent.
func (p *Provider) GetSetupIntent(_ context.Context, setupIntentID string) (*billing.SetupIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.GetSetupIntentErr != nil {
		return nil, p.GetSetupIntentErr
	}
	intent, ok := p.SetupIntents[setupIntentID]
	if !ok {
		return nil, fmt.Errorf("billingtest: no such setup intent %s", setupIntentID)
	}
	cp := *intent
	return &cp, nil
}

// ListPaymentMethods returns the cards attached to a customer.
func (p *Provider) ListPaymentMethods(_ context.Context, customerID string) ([]billing.PaymentMethod, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ListPaymentMethodsErr != nil {
		return nil, p.ListPaymentMethodsErr
	}
	return append([]billing.PaymentMethod(nil), p.PaymentMethods[customerID]...), nil
}

// SetDefaultPaymentMethod records the customer's default card.
func (p *Provider) SetDefaultPaymentMethod(_ context.Context, customerID, paymentMethodID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DefaultPaymentMethods[customerID] = paymentMethodID
	return nil
}

// CreateSubscription creates a subscription, honouring idempotency keys.
func (p *Provider) CreateSubscription(_ context.Context, req billing.SubscriptionRequest) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CreateSubscriptionErr != nil {
		return nil, p.CreateSubscriptionErr
	}
	if req.IdempotencyKey != "" {
		if id, ok := p.idempotency[req.IdempotencyKey]; ok {
			cp := *p.Subscriptions[id]
			return &cp, nil
		}
	}
	found := false
	for _, cid := range p.Customers {
		if cid == req.CustomerID {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("billingtest: unknown customer %s", req.CustomerID)
	}
	id := p.nextID("sub")
	sub := &billing.ProviderSubscription{ID: id, Status: "active", ItemID: p.nextID("si"), Quantity: req.Quantity}
	p.Subscriptions[id] = sub
	p.SubscriptionCustomers[id] = req.CustomerID
	if req.IdempotencyKey != "" {
		p.idempotency[req.IdempotencyKey] = id
	}
	cp := *sub
	return &cp, nil
}

// GetSubscription returns a copy of a subscription.
func (p *Provider) GetSubscription(_ context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	cp := *sub
	return &cp, nil
}

// UpdateSubscriptionQuantity sets the item quantity.
func (p *Provider) UpdateSubscriptionQuantity(_ context.Context, subscriptionID string, quantity int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.UpdateQuantityErr != nil {
		return p.UpdateQuantityErr
	}
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	sub.Quantity = quantity
	return nil
}

// SetSubscriptionPaymentMethod is accepted for any known subscription.
func (p *Provider) SetSubscriptionPaymentMethod(_ context.Context, subscriptionID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	if sub.Status == "canceled" {
		return fmt.Errorf("billingtest: subscription %s is canceled", subscriptionID)
	}
	return nil
}

// ReportUsage records a meter event.
func (p *Provider) ReportUsage(_ context.Context, customerID string, quantity int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ReportUsageErr != nil {
		return p.ReportUsageErr
	}
	p.UsageReports = append(p.UsageReports, UsageEntry{CustomerID: customerID, Quantity: quantity})
	return nil
}

// PreviewQuantityChange quotes quantity at the unit price.
func (p *Provider) PreviewQuantityChange(_ context.Context, _, _ string, quantity int64) (*billing.InvoicePreview, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PreviewErr != nil {
		return nil, p.PreviewErr
	}
	return &billing.InvoicePreview{AmountDueCents: quantity * billing.UnitPriceCents, Currency: "usd"}, nil
}

// PauseSubscription marks a subscription paused.
func (p *Provider) PauseSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PauseErr != nil {
		return p.PauseErr
	}
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	sub.Paused = true
	sub.Status = "paused"
	return nil
}

// ResumeSubscription clears the paused flag.
func (p *Provider) ResumeSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ResumeErr != nil {
		return p.ResumeErr
	}
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	sub.Paused = false
	sub.Status = "active"
	return nil
}

// CancelSubscription marks a subscription cancelled.
func (p *Provider) CancelSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.CancelErr != nil {
		return p.CancelErr
	}
	sub, ok := p.Subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("billingtest: no such subscription %s", subscriptionID)
	}
	if sub.Status == "canceled" {
		return fmt.Errorf("billingtest: subscription %s is already canceled", subscriptionID)
	}
	sub.Status = "canceled"
	p.CancelledSubs = append(p.CancelledSubs, subscriptionID)
	return nil
}

// Subscription returns a copy of a subscription for assertions.
func (p *Provider) Subscription(id string) (billing.ProviderSubscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.Subscriptions[id]
	if !ok {
		return billing.ProviderSubscription{}, false
	}
	return *sub, true
}

// SubscriptionCount reports how many subscriptions were created.
func (p *Provider) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Subscriptions)
}

// Usage returns a copy of the recorded meter events.
func (p *Provider) Usage() []UsageEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]UsageEntry(nil), p.UsageReports...)
}

// Creations reports how many distinct customers were created.
func (p *Provider) Creations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CustomerCreations
}

// SetErr sets an injected error under the lock.
func (p *Provider) SetErr(fn func(p *Provider)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

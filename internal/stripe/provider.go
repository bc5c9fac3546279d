// Package stripe implements billing.Provider on top of the Stripe API and
// verifies Stripe webhook deliveries.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/billing/meterevent"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/invoice"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/setupintent"
	"github.com/stripe/stripe-go/v82/subscription"

	"github.com/PortNumber53/propcare-billing/internal/billing"
)

// Config holds the Stripe credentials and catalogue identifiers.
type Config struct {
	SecretKey string
	// PriceID is the $29 per-property recurring price.
	PriceID string
	// MeterEventName is the billing meter fed in metered usage mode.
	MeterEventName string
	// Metered omits quantities on subscription items; usage arrives via meter events.
	Metered bool
}

// Provider implements billing.Provider using the Stripe API.
type Provider struct {
	priceID        string
	meterEventName string
	metered        bool
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider sets the Stripe API key and returns a Provider. Missing
// credentials are reported as a billing configuration error.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.SecretKey == "" {
		return nil, billing.ConfigurationError("STRIPE_SECRET_KEY is not set")
	}
	if cfg.PriceID == "" {
		return nil, billing.ConfigurationError("STRIPE_PRICE_ID is not set")
	}
	if cfg.Metered && cfg.MeterEventName == "" {
		return nil, billing.ConfigurationError("STRIPE_METER_EVENT_NAME is required in metered usage mode")
	}
	stripelib.Key = cfg.SecretKey
	return &Provider{priceID: cfg.PriceID, meterEventName: cfg.MeterEventName, metered: cfg.Metered}, nil
}

// CreateCustomer creates a Stripe customer tagged with the owner's user id.
func (p *Provider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := &stripelib.CustomerParams{
		Email:    stripelib.String(email),
		Metadata: map[string]string{"user_id": userID},
	}
	params.Context = ctx
	params.SetIdempotencyKey("customer-" + userID)

	c, err := customer.New(params)
	if err != nil {
		return "", wrapError("create customer", err)
	}
	log.Info().Str("user_id", userID).Str("customer_id", c.ID).Msg("stripe: customer created")
	return c.ID, nil
}

// CreateSetupIntent starts off-session card collection for customerID.
func (p *Provider) CreateSetupIntent(ctx context.Context, customerID string) (*billing.SetupIntent, error) {
	params := &stripelib.SetupIntentParams{
		Customer:           stripelib.String(customerID),
		PaymentMethodTypes: stripelib.StringSlice([]string{"card"}),
		Usage:              stripelib.String(string(stripelib.SetupIntentUsageOffSession)),
	}
	params.Context = ctx

	si, err := setupintent.New(params)
	if err != nil {
		return nil, wrapError("create setup intent", err)
	}
	return toSetupIntent(si), nil
}

// GetSetupIntent retrieves a setup intent and the card it collected.
func (p *Provider) GetSetupIntent(ctx context.Context, setupIntentID string) (*billing.SetupIntent, error) {
	params := &stripelib.SetupIntentParams{}
	params.Context = ctx

	si, err := setupintent.Get(setupIntentID, params)
	if err != nil {
		return nil, wrapError("retrieve setup intent", err)
	}
	return toSetupIntent(si), nil
}

// ListPaymentMethods returns the customer's attached cards.
func (p *Provider) ListPaymentMethods(ctx context.Context, customerID string) ([]billing.PaymentMethod, error) {
	params := &stripelib.PaymentMethodListParams{
		Customer: stripelib.String(customerID),
		Type:     stripelib.String(string(stripelib.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var methods []billing.PaymentMethod
	iter := paymentmethod.List(params)
	for iter.Next() {
		methods = append(methods, toPaymentMethod(iter.PaymentMethod()))
	}
	if err := iter.Err(); err != nil {
		return nil, wrapError("list payment methods", err)
	}
	return methods, nil
}

// SetDefaultPaymentMethod makes paymentMethodID the customer's invoice default.
func (p *Provider) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	params := &stripelib.CustomerParams{
		InvoiceSettings: &stripelib.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripelib.String(paymentMethodID),
		},
	}
	params.Context = ctx

	if _, err := customer.Update(customerID, params); err != nil {
		return wrapError("set default payment method", err)
	}
	return nil
}

// CreateSubscription starts the per-property subscription.
func (p *Provider) CreateSubscription(ctx context.Context, req billing.SubscriptionRequest) (*billing.ProviderSubscription, error) {
	item := &stripelib.SubscriptionItemsParams{Price: stripelib.String(p.priceID)}
	if !p.metered {
		item.Quantity = stripelib.Int64(req.Quantity)
	}
	params := &stripelib.SubscriptionParams{
		Customer: stripelib.String(req.CustomerID),
		Items:    []*stripelib.SubscriptionItemsParams{item},
		Metadata: map[string]string{"user_id": req.UserID},
	}
	if req.PaymentMethodID != "" {
		params.DefaultPaymentMethod = stripelib.String(req.PaymentMethodID)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	sub, err := subscription.New(params)
	if err != nil {
		return nil, wrapError("create subscription", err)
	}
	log.Info().Str("user_id", req.UserID).Str("subscription_id", sub.ID).Int64("quantity", req.Quantity).Msg("stripe: subscription created")
	return toSubscription(sub), nil
}

// GetSubscription retrieves a subscription.
func (p *Provider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx

	sub, err := subscription.Get(subscriptionID, params)
	if err != nil {
		return nil, wrapError("retrieve subscription", err)
	}
	return toSubscription(sub), nil
}

// UpdateSubscriptionQuantity sets the billed property count with prorations.
func (p *Provider) UpdateSubscriptionQuantity(ctx context.Context, subscriptionID string, quantity int64) error {
	current, err := p.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if current.ItemID == "" {
		return fmt.Errorf("stripe: subscription %s has no items", subscriptionID)
	}
	if current.Quantity == quantity {
		return nil
	}

	params := &stripelib.SubscriptionParams{
		Items: []*stripelib.SubscriptionItemsParams{{
			ID:       stripelib.String(current.ItemID),
			Quantity: stripelib.Int64(quantity),
		}},
		ProrationBehavior: stripelib.String("create_prorations"),
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return wrapError("update subscription quantity", err)
	}
	return nil
}

// SetSubscriptionPaymentMethod points future invoices at paymentMethodID.
func (p *Provider) SetSubscriptionPaymentMethod(ctx context.Context, subscriptionID, paymentMethodID string) error {
	params := &stripelib.SubscriptionParams{
		DefaultPaymentMethod: stripelib.String(paymentMethodID),
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return wrapError("set subscription payment method", err)
	}
	return nil
}

// ReportUsage sends the current property count as a meter event.
func (p *Provider) ReportUsage(ctx context.Context, customerID string, quantity int64) error {
	params := &stripelib.BillingMeterEventParams{
		EventName: stripelib.String(p.meterEventName),
		Payload: map[string]string{
			"stripe_customer_id": customerID,
			"value":              strconv.FormatInt(quantity, 10),
		},
	}
	params.Context = ctx

	if _, err := meterevent.New(params); err != nil {
		return wrapError("report usage", err)
	}
	return nil
}

// PreviewQuantityChange asks Stripe what the next invoice would be at quantity.
// Metered items carry no quantity, so the metered quote is the upcoming
// invoice as usage stands.
func (p *Provider) PreviewQuantityChange(ctx context.Context, customerID, subscriptionID string, quantity int64) (*billing.InvoicePreview, error) {
	var itemID string
	if !p.metered {
		current, err := p.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return nil, err
		}
		itemID = current.ItemID
	}

	params := p.previewParams(customerID, subscriptionID, itemID, quantity)
	params.Context = ctx

	inv, err := invoice.CreatePreview(params)
	if err != nil {
		return nil, wrapError("preview invoice", err)
	}
	return &billing.InvoicePreview{AmountDueCents: inv.AmountDue, Currency: string(inv.Currency)}, nil
}

func (p *Provider) previewParams(customerID, subscriptionID, itemID string, quantity int64) *stripelib.InvoiceCreatePreviewParams {
	params := &stripelib.InvoiceCreatePreviewParams{
		Customer:     stripelib.String(customerID),
		Subscription: stripelib.String(subscriptionID),
	}
	if p.metered {
		return params
	}
	params.SubscriptionDetails = &stripelib.InvoiceCreatePreviewSubscriptionDetailsParams{
		Items: []*stripelib.InvoiceCreatePreviewSubscriptionDetailsItemParams{{
			ID:       stripelib.String(itemID),
			Quantity: stripelib.Int64(quantity),
		}},
		ProrationBehavior: stripelib.String("create_prorations"),
	}
	return params
}

// PauseSubscription stops collection; invoices raised while paused are voided.
func (p *Provider) PauseSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionParams{
		PauseCollection: &stripelib.SubscriptionPauseCollectionParams{
			Behavior: stripelib.String(string(stripelib.SubscriptionPauseCollectionBehaviorVoid)),
		},
	}
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return wrapError("pause subscription", err)
	}
	log.Info().Str("subscription_id", subscriptionID).Msg("stripe: subscription collection paused")
	return nil
}

// ResumeSubscription clears a collection pause.
func (p *Provider) ResumeSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionParams{}
	params.AddExtra("pause_collection", "")
	params.Context = ctx

	if _, err := subscription.Update(subscriptionID, params); err != nil {
		return wrapError("resume subscription", err)
	}
	log.Info().Str("subscription_id", subscriptionID).Msg("stripe: subscription collection resumed")
	return nil
}

// CancelSubscription cancels a subscription immediately.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) error {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := subscription.Cancel(subscriptionID, params); err != nil {
		return wrapError("cancel subscription", err)
	}
	return nil
}

func toSetupIntent(si *stripelib.SetupIntent) *billing.SetupIntent {
	out := &billing.SetupIntent{
		ID:           si.ID,
		ClientSecret: si.ClientSecret,
		Status:       string(si.Status),
	}
	if si.PaymentMethod != nil {
		out.PaymentMethodID = si.PaymentMethod.ID
	}
	return out
}

func toPaymentMethod(pm *stripelib.PaymentMethod) billing.PaymentMethod {
	out := billing.PaymentMethod{ID: pm.ID}
	if pm.Card != nil {
		out.Brand = string(pm.Card.Brand)
		out.Last4 = pm.Card.Last4
		out.ExpMonth = int(pm.Card.ExpMonth)
		out.ExpYear = int(pm.Card.ExpYear)
	}
	return out
}

func toSubscription(sub *stripelib.Subscription) *billing.ProviderSubscription {
	out := &billing.ProviderSubscription{
		ID:     sub.ID,
		Status: string(sub.Status),
		Paused: sub.PauseCollection != nil && sub.PauseCollection.Behavior != "",
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		out.ItemID = sub.Items.Data[0].ID
		out.Quantity = sub.Items.Data[0].Quantity
	}
	return out
}

// errResourceMissing is matched by errors for objects Stripe does not know.
var errResourceMissing = errors.New("stripe: resource missing")

// APIError carries the Stripe error code and HTTP status of a failed call.
type APIError struct {
	Op         string
	Code       string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: %s: %v", e.Op, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errResourceMissing) match 404 resource_missing responses.
func (e *APIError) Is(target error) bool {
	return target == errResourceMissing && e.Code == string(stripelib.ErrorCodeResourceMissing)
}

func wrapError(op string, err error) error {
	var serr *stripelib.Error
	if errors.As(err, &serr) {
		return &APIError{Op: op, Code: string(serr.Code), StatusCode: serr.HTTPStatusCode, Err: err}
	}
	return fmt.Errorf("stripe: %s: %w", op, err)
}

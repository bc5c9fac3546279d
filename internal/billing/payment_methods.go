package billing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// SetupIntentResult is handed to the browser to collect a card.
type SetupIntentResult struct {
	SetupIntentID string `json:"setup_intent_id"`
	ClientSecret  string `json:"client_secret"`
}

// PaymentMethodStatus is the result of a payment method check.
type PaymentMethodStatus struct {
	HasPaymentMethod bool           `json:"has_payment_method"`
	PaymentMethod    *PaymentMethod `json:"payment_method,omitempty"`
	Backfilled       bool           `json:"backfilled"`
}

// EnsureCustomer returns the owner's provider customer, creating it on first
// use. Concurrent callers for the same owner share one creation.
func (s *Service) EnsureCustomer(ctx context.Context, user models.Identity) (customerID string, err error) {
	defer func(start time.Time) { observe("ensure_customer", start, err) }(time.Now())
	if user.ID == "" {
		return "", ErrNotAuthenticated
	}
	v, err, _ := s.customers.Do(user.ID, func() (interface{}, error) {
		return s.ensureCustomer(ctx, user)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) ensureCustomer(ctx context.Context, user models.Identity) (string, error) {
	rec, err := s.store.CreateSubscriber(ctx, user.ID, user.Email)
	if err != nil {
		return "", storeError("create subscriber", err)
	}
	if id := models.StringValue(rec.CustomerID); id != "" {
		return id, nil
	}

	email := user.Email
	if email == "" {
		email = rec.Email
	}
	if email == "" {
		return "", &Error{Kind: KindNotAuthenticated, Reason: "email_required", Message: "an email address is required to create a customer"}
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	customerID, err := s.provider.CreateCustomer(pctx, user.ID, email)
	if err != nil {
		return "", providerError("create customer", err)
	}

	won, err := s.store.SetCustomerID(ctx, user.ID, customerID)
	if err != nil {
		return "", storeError("record customer", err)
	}
	if !won {
		current, err := s.load(ctx, user.ID)
		if err != nil {
			return "", err
		}
		existing := models.StringValue(current.CustomerID)
		log.Warn().Str("user_id", user.ID).Str("created", customerID).Str("kept", existing).Msg("billing: customer recorded concurrently, keeping existing")
		return existing, nil
	}

	log.Info().Str("user_id", user.ID).Str("customer_id", customerID).Msg("billing: customer created")
	return customerID, nil
}

// CreateSetupIntent starts card collection for the owner and remembers the
// pending setup so ConfirmPaymentMethod can finish it.
func (s *Service) CreateSetupIntent(ctx context.Context, user models.Identity) (result *SetupIntentResult, err error) {
	defer func(start time.Time) { observe("create_setup_intent", start, err) }(time.Now())
	customerID, err := s.EnsureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}
	intent, err := s.createSetupIntent(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if _, err := s.mutate(ctx, user.ID, func(r *models.Subscriber) error {
		r.SetupIntentID = models.StringPtr(intent.ID)
		return nil
	}); err != nil {
		return nil, err
	}
	return &SetupIntentResult{SetupIntentID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

func (s *Service) createSetupIntent(ctx context.Context, customerID string) (*SetupIntent, error) {
	if customerID == "" {
		return nil, ErrCustomerNotFound
	}
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	intent, err := s.provider.CreateSetupIntent(pctx, customerID)
	if err != nil {
		return nil, providerError("create setup intent", err)
	}
	return intent, nil
}

// ConfirmPaymentMethod resolves the pending setup into a stored card and
// records it as the owner's default.
func (s *Service) ConfirmPaymentMethod(ctx context.Context, userID string) (paymentMethodID string, err error) {
	defer func(start time.Time) { observe("confirm_payment_method", start, err) }(time.Now())
	rec, err := s.Subscriber(ctx, userID)
	if err != nil {
		return "", err
	}
	setupIntentID := models.StringValue(rec.SetupIntentID)
	if setupIntentID == "" {
		return "", ErrSetupIntentNotFound
	}
	customerID := models.StringValue(rec.CustomerID)
	if customerID == "" {
		return "", ErrCustomerNotFound
	}

	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	intent, err := s.provider.GetSetupIntent(pctx, setupIntentID)
	if err != nil {
		return "", providerError("retrieve setup intent", err)
	}
	if intent.Status != SetupIntentSucceeded {
		return "", withDetail(ErrSetupNotComplete, "setup intent status is "+intent.Status)
	}
	if intent.PaymentMethodID == "" {
		return "", ErrNoPaymentMethodFound
	}
	if err := s.provider.SetDefaultPaymentMethod(pctx, customerID, intent.PaymentMethodID); err != nil {
		return "", providerError("set default payment method", err)
	}
	if subID := models.StringValue(rec.SubscriptionID); subID != "" && !rec.IsCancelled {
		if err := s.provider.SetSubscriptionPaymentMethod(pctx, subID, intent.PaymentMethodID); err != nil {
			return "", providerError("set subscription payment method", err)
		}
	}

	if _, err := s.mutate(ctx, userID, func(r *models.Subscriber) error {
		r.PaymentMethodID = models.StringPtr(intent.PaymentMethodID)
		if models.StringValue(r.SetupIntentID) == setupIntentID {
			r.SetupIntentID = nil
		}
		return nil
	}); err != nil {
		return "", err
	}
	log.Info().Str("user_id", userID).Str("payment_method_id", intent.PaymentMethodID).Msg("billing: payment method confirmed")
	return intent.PaymentMethodID, nil
}

// SyncPaymentMethod records the first card the provider holds for the owner.
// It repairs records whose confirmation step never ran.
func (s *Service) SyncPaymentMethod(ctx context.Context, userID string) (paymentMethodID string, err error) {
	defer func(start time.Time) { observe("sync_payment_method", start, err) }(time.Now())
	rec, err := s.Subscriber(ctx, userID)
	if err != nil {
		return "", err
	}
	methods, err := s.listPaymentMethods(ctx, rec)
	if err != nil {
		return "", err
	}
	if len(methods) == 0 {
		return "", ErrNoPaymentMethodFound
	}
	chosen := methods[0].ID
	if _, err := s.mutate(ctx, userID, func(r *models.Subscriber) error {
		r.PaymentMethodID = models.StringPtr(chosen)
		return nil
	}); err != nil {
		return "", err
	}
	log.Info().Str("user_id", userID).Str("payment_method_id", chosen).Msg("billing: payment method synced")
	return chosen, nil
}

// ValidatePaymentMethod reports whether the owner has a card on file at the
// provider. A card found at the provider but missing locally is recorded.
func (s *Service) ValidatePaymentMethod(ctx context.Context, userID string) (status *PaymentMethodStatus, err error) {
	defer func(start time.Time) { observe("validate_payment_method", start, err) }(time.Now())
	rec, err := s.Subscriber(ctx, userID)
	if err != nil {
		return nil, err
	}
	methods, err := s.listPaymentMethods(ctx, rec)
	if err != nil {
		return nil, err
	}
	status = &PaymentMethodStatus{}
	pm := selectPaymentMethod(methods, models.StringValue(rec.PaymentMethodID))
	if pm == nil {
		return status, nil
	}
	status.HasPaymentMethod = true
	status.PaymentMethod = pm

	if !rec.HasPaymentMethod() {
		if _, err := s.mutate(ctx, userID, func(r *models.Subscriber) error {
			if !r.HasPaymentMethod() {
				r.PaymentMethodID = models.StringPtr(pm.ID)
			}
			return nil
		}); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("billing: payment method backfill failed")
		} else {
			status.Backfilled = true
		}
	}
	return status, nil
}

func (s *Service) listPaymentMethods(ctx context.Context, rec *models.Subscriber) ([]PaymentMethod, error) {
	customerID := models.StringValue(rec.CustomerID)
	if customerID == "" {
		return nil, ErrCustomerNotFound
	}
	pctx, cancel := s.providerContext(ctx)
	defer cancel()
	methods, err := s.provider.ListPaymentMethods(pctx, customerID)
	if err != nil {
		return nil, providerError("list payment methods", err)
	}
	return methods, nil
}

// selectPaymentMethod prefers the recorded card and falls back to the first.
func selectPaymentMethod(methods []PaymentMethod, preferred string) *PaymentMethod {
	if len(methods) == 0 {
		return nil
	}
	for i := range methods {
		if methods[i].ID == preferred {
			return &methods[i]
		}
	}
	return &methods[0]
}

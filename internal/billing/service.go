// Package billing implements the trial-to-subscription lifecycle: trials,
// payment methods, usage reconciliation, trial conversion, the failed
// payment state machine and the access gate.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/PortNumber53/propcare-billing/internal/metrics"
	"github.com/PortNumber53/propcare-billing/internal/models"
)

// UsageMode selects how property counts reach the provider.
type UsageMode string

const (
	// UsageModeQuantity sets the subscription item quantity.
	UsageModeQuantity UsageMode = "quantity"
	// UsageModeMetered reports a meter event per reconciliation.
	UsageModeMetered UsageMode = "metered"
)

// TrialExpiryPolicy decides what happens to an expired trial with no card.
type TrialExpiryPolicy string

const (
	// TrialExpiryBlock leaves the record in trial; the access gate denies it.
	TrialExpiryBlock TrialExpiryPolicy = "block"
	// TrialExpiryCancel marks the record cancelled.
	TrialExpiryCancel TrialExpiryPolicy = "cancel"
)

const (
	defaultProviderTimeout  = 20 * time.Second
	defaultSweepConcurrency = 4
	notifyTimeout           = 5 * time.Second

	// maxWriteAttempts bounds optimistic-lock retries of a local write.
	maxWriteAttempts = 3
)

// Options tunes a Service. Zero values select defaults.
type Options struct {
	UsageMode         UsageMode
	TrialExpiryPolicy TrialExpiryPolicy
	ProviderTimeout   time.Duration
	SweepConcurrency  int
	Now               func() time.Time
}

// Service coordinates the subscriber store, the payment provider and
// notifications.
type Service struct {
	store    SubscriberStore
	counter  UsageCounter
	provider Provider
	notifier Notifier
	opts     Options

	customers singleflight.Group
}

// New validates dependencies and applies option defaults.
func New(store SubscriberStore, counter UsageCounter, provider Provider, notifier Notifier, opts Options) (*Service, error) {
	if store == nil {
		return nil, errors.New("billing: subscriber store is required")
	}
	if counter == nil {
		return nil, errors.New("billing: usage counter is required")
	}
	if provider == nil {
		return nil, ConfigurationError("payment provider is not configured")
	}
	if opts.UsageMode == "" {
		opts.UsageMode = UsageModeQuantity
	}
	if opts.UsageMode != UsageModeQuantity && opts.UsageMode != UsageModeMetered {
		return nil, fmt.Errorf("billing: unknown usage mode %q", opts.UsageMode)
	}
	if opts.TrialExpiryPolicy == "" {
		opts.TrialExpiryPolicy = TrialExpiryBlock
	}
	if opts.TrialExpiryPolicy != TrialExpiryBlock && opts.TrialExpiryPolicy != TrialExpiryCancel {
		return nil, fmt.Errorf("billing: unknown trial expiry policy %q", opts.TrialExpiryPolicy)
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = defaultProviderTimeout
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = defaultSweepConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		counter:  counter,
		provider: provider,
		notifier: notifier,
		opts:     opts,
	}, nil
}

func (s *Service) now() time.Time { return s.opts.Now().UTC() }

func (s *Service) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.ProviderTimeout)
}

// Subscriber returns the billing record for userID.
func (s *Service) Subscriber(ctx context.Context, userID string) (*models.Subscriber, error) {
	if userID == "" {
		return nil, ErrNotAuthenticated
	}
	return s.load(ctx, userID)
}

func (s *Service) load(ctx context.Context, userID string) (*models.Subscriber, error) {
	rec, err := s.store.GetSubscriber(ctx, userID)
	if err != nil {
		return nil, storeError("load subscriber", err)
	}
	return rec, nil
}

func (s *Service) loadByCustomer(ctx context.Context, customerID string) (*models.Subscriber, error) {
	if customerID == "" {
		return nil, ErrCustomerNotFound
	}
	rec, err := s.store.GetSubscriberByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, models.ErrSubscriberNotFound) {
			return nil, &Error{Kind: KindNotFound, Reason: ErrCustomerNotFound.Reason, Message: "no subscriber for customer " + customerID, Err: err}
		}
		return nil, storeError("load subscriber by customer", err)
	}
	return rec, nil
}

// mutate applies fn to a fresh copy of the record and writes it back,
// re-reading and re-applying on version conflicts. fn must be free of
// provider side effects since it may run more than once.
func (s *Service) mutate(ctx context.Context, userID string, fn func(*models.Subscriber) error) (*models.Subscriber, error) {
	for attempt := 1; ; attempt++ {
		rec, err := s.load(ctx, userID)
		if err != nil {
			return nil, err
		}
		next := rec.Clone()
		if err := fn(next); err != nil {
			return nil, err
		}
		next.UpdatedAt = s.now()
		err = s.store.UpdateSubscriber(ctx, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, storeError("update subscriber", err)
		}
		if attempt >= maxWriteAttempts {
			return nil, &Error{Kind: KindConflict, Reason: ErrConcurrentUpdate.Reason, Message: "subscriber " + userID + " changed concurrently", Err: err}
		}
		log.Debug().Str("user_id", userID).Int("attempt", attempt).Msg("billing: version conflict, retrying write")
	}
}

// notify dispatches after the state change has been committed. Failures are
// logged and never returned.
func (s *Service) notify(ctx context.Context, rec *models.Subscriber, kind NotificationKind, payload map[string]any) {
	if s.notifier == nil || rec == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	n := Notification{Kind: kind, UserID: rec.UserID, Recipient: rec.Email, Payload: payload}
	if err := s.notifier.Notify(nctx, n); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(kind), "error").Inc()
		log.Warn().Err(err).Str("user_id", rec.UserID).Str("kind", string(kind)).Msg("billing: notification dispatch failed")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(kind), "queued").Inc()
}

// observe records an operation's outcome and latency.
func observe(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.BillingOperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.BillingOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func recordTransition(from, to models.PaymentStatus) {
	if from == to {
		return
	}
	if from == "" {
		from = models.PaymentStatusActive
	}
	metrics.PaymentStatusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

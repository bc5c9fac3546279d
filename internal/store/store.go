package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

// Store provides database-backed accessors for billing data.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

const subscriberColumns = `
	user_id, email, customer_id, subscription_id, payment_method_id, setup_intent_id,
	subscribed, is_trial_active, is_cancelled, trial_start_date, trial_end_date,
	active_properties_count, payment_status, failed_payment_count,
	last_billing_date, next_billing_date, cancellation_date, cancellation_reason,
	last_reminder_days, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row rowScanner) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := row.Scan(
		&sub.UserID,
		&sub.Email,
		&sub.CustomerID,
		&sub.SubscriptionID,
		&sub.PaymentMethodID,
		&sub.SetupIntentID,
		&sub.Subscribed,
		&sub.IsTrialActive,
		&sub.IsCancelled,
		&sub.TrialStartDate,
		&sub.TrialEndDate,
		&sub.ActivePropertiesCount,
		&sub.PaymentStatus,
		&sub.FailedPaymentCount,
		&sub.LastBillingDate,
		&sub.NextBillingDate,
		&sub.CancellationDate,
		&sub.CancellationReason,
		&sub.LastReminderDays,
		&sub.Version,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// CreateSubscriber inserts an empty billing record for userID if none exists
// and returns the stored row.
func (s *Store) CreateSubscriber(ctx context.Context, userID, email string) (*models.Subscriber, error) {
	query := `
INSERT INTO subscribers (user_id, email)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
	email = CASE WHEN subscribers.email = '' THEN EXCLUDED.email ELSE subscribers.email END
RETURNING` + subscriberColumns

	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, userID, email))
	if err != nil {
		return nil, fmt.Errorf("store: create subscriber: %w", err)
	}
	return sub, nil
}

// GetSubscriber returns the billing record for userID.
func (s *Store) GetSubscriber(ctx context.Context, userID string) (*models.Subscriber, error) {
	query := `SELECT` + subscriberColumns + `
FROM subscribers
WHERE user_id = $1`

	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscriber: %w", err)
	}
	return sub, nil
}

// GetSubscriberByCustomerID returns the billing record owning a provider customer.
func (s *Store) GetSubscriberByCustomerID(ctx context.Context, customerID string) (*models.Subscriber, error) {
	query := `SELECT` + subscriberColumns + `
FROM subscribers
WHERE customer_id = $1`

	sub, err := scanSubscriber(s.db.QueryRowContext(ctx, query, customerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscriber by customer: %w", err)
	}
	return sub, nil
}

// SetCustomerID records customerID only if the row has none yet.
func (s *Store) SetCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	query := `
UPDATE subscribers
SET customer_id = $2,
	version = version + 1,
	updated_at = NOW()
WHERE user_id = $1 AND customer_id IS NULL`

	result, err := s.db.ExecContext(ctx, query, userID, customerID)
	if err != nil {
		return false, fmt.Errorf("store: set customer id: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set customer id: %w", err)
	}
	return affected == 1, nil
}

// UpdateSubscriber writes every mutable column when sub.Version matches the
// stored version, then advances sub.Version and sub.UpdatedAt.
func (s *Store) UpdateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	query := `
UPDATE subscribers
SET email = $3,
	customer_id = $4,
	subscription_id = $5,
	payment_method_id = $6,
	setup_intent_id = $7,
	subscribed = $8,
	is_trial_active = $9,
	is_cancelled = $10,
	trial_start_date = $11,
	trial_end_date = $12,
	active_properties_count = $13,
	payment_status = $14,
	failed_payment_count = $15,
	last_billing_date = $16,
	next_billing_date = $17,
	cancellation_date = $18,
	cancellation_reason = $19,
	last_reminder_days = $20,
	version = version + 1,
	updated_at = NOW()
WHERE user_id = $1 AND version = $2
RETURNING version, updated_at`

	err := s.db.QueryRowContext(ctx, query,
		sub.UserID,
		sub.Version,
		sub.Email,
		sub.CustomerID,
		sub.SubscriptionID,
		sub.PaymentMethodID,
		sub.SetupIntentID,
		sub.Subscribed,
		sub.IsTrialActive,
		sub.IsCancelled,
		sub.TrialStartDate,
		sub.TrialEndDate,
		sub.ActivePropertiesCount,
		string(sub.PaymentStatus),
		sub.FailedPaymentCount,
		sub.LastBillingDate,
		sub.NextBillingDate,
		sub.CancellationDate,
		sub.CancellationReason,
		sub.LastReminderDays,
	).Scan(&sub.Version, &sub.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: update subscriber: %w", err)
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM subscribers WHERE user_id = $1)`, sub.UserID).Scan(&exists); err != nil {
		return fmt.Errorf("store: update subscriber: %w", err)
	}
	if !exists {
		return models.ErrSubscriberNotFound
	}
	return models.ErrVersionConflict
}

// ListActiveTrials returns every unconverted trial, soonest expiry first.
func (s *Store) ListActiveTrials(ctx context.Context) ([]*models.Subscriber, error) {
	query := `SELECT` + subscriberColumns + `
FROM subscribers
WHERE is_trial_active AND NOT subscribed
ORDER BY trial_end_date ASC NULLS LAST, user_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list active trials: %w", err)
	}
	defer rows.Close()

	var subs []*models.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate subscribers: %w", err)
	}
	return subs, nil
}

// ListSubscribedUserIDs returns owners with a live provider subscription.
func (s *Store) ListSubscribedUserIDs(ctx context.Context) ([]string, error) {
	query := `
SELECT user_id
FROM subscribers
WHERE subscribed AND NOT is_cancelled AND subscription_id IS NOT NULL
ORDER BY user_id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list subscribed users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate user ids: %w", err)
	}
	return ids, nil
}

// CountActiveProperties counts the owner's active properties at call time.
func (s *Store) CountActiveProperties(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM properties WHERE owner_id = $1 AND is_active`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count active properties: %w", err)
	}
	if count < 0 {
		return 0, fmt.Errorf("store: count active properties: negative count %d", count)
	}
	return count, nil
}

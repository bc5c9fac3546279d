package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/propcare-billing/internal/models"
)

const defaultPageSize = 200

// SavePayment inserts a payment history record.
func (s *Store) SavePayment(ctx context.Context, payment *models.PaymentHistory) error {
	query := `
INSERT INTO payment_history (
	user_id, customer_id, invoice_id, amount, currency, status,
	attempt_count, description, receipt_url
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		payment.UserID,
		payment.CustomerID,
		payment.InvoiceID,
		payment.Amount,
		payment.Currency,
		payment.Status,
		payment.AttemptCount,
		payment.Description,
		payment.ReceiptURL,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: save payment: %w", err)
	}
	return nil
}

// ListPayments returns the owner's payment history, newest first.
func (s *Store) ListPayments(ctx context.Context, userID string, limit int) ([]models.PaymentHistory, error) {
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}
	query := `
SELECT id, user_id, customer_id, invoice_id, amount, currency, status,
	attempt_count, description, receipt_url, created_at
FROM payment_history
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.PaymentHistory
	for rows.Next() {
		var p models.PaymentHistory
		if err := rows.Scan(
			&p.ID,
			&p.UserID,
			&p.CustomerID,
			&p.InvoiceID,
			&p.Amount,
			&p.Currency,
			&p.Status,
			&p.AttemptCount,
			&p.Description,
			&p.ReceiptURL,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate payments: %w", err)
	}
	return payments, nil
}

// MarkWebhookEvent records a provider event id. It reports false when the
// event was already recorded, i.e. a redelivery.
func (s *Store) MarkWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	query := `
INSERT INTO billing_webhook_events (event_id, event_type)
VALUES ($1, $2)
ON CONFLICT (event_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("store: mark webhook event: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: mark webhook event: %w", err)
	}
	return affected == 1, nil
}

// ForgetWebhookEvent removes an event mark so a provider retry is processed.
func (s *Store) ForgetWebhookEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM billing_webhook_events WHERE event_id = $1`, eventID); err != nil {
		return fmt.Errorf("store: forget webhook event: %w", err)
	}
	return nil
}

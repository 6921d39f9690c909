package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

const paymentColumns = `id, user_id, amount_rub, credits, status, provider_id, created_at, paid_at`

// paymentsRepo implements the PaymentsRepo interface.
type paymentsRepo struct {
	db *pgxpool.Pool
}

// NewPaymentsRepo creates a new payments repository.
func NewPaymentsRepo(db *pgxpool.Pool) PaymentsRepo {
	return &paymentsRepo{db: db}
}

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.UserID, &p.AmountRUB, &p.Credits, &p.Status, &p.ProviderID, &p.CreatedAt, &p.PaidAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &p, nil
}

// CreatePending records a new payment order in pending state.
func (r *paymentsRepo) CreatePending(ctx context.Context, p *domain.Payment) error {
	p.Status = domain.PaymentPending
	err := r.db.QueryRow(ctx,
		`INSERT INTO payments (user_id, amount_rub, credits, status, provider_id)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		p.UserID, p.AmountRUB, p.Credits, p.Status, p.ProviderID,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create pending payment: %w", err)
	}
	return nil
}

// GetByID retrieves a payment by primary key.
func (r *paymentsRepo) GetByID(ctx context.Context, id int64) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
}

// GetByProviderID retrieves a payment by the provider's order id.
func (r *paymentsRepo) GetByProviderID(ctx context.Context, providerID string) (*domain.Payment, error) {
	return scanPayment(r.db.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_id = $1`, providerID))
}

// GetByProviderIDForUpdate retrieves a payment by provider id with a row
// lock held inside tx. Two confirmations of the same payment serialize on
// this lock; the second sees the succeeded status and skips the credit.
func (r *paymentsRepo) GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*domain.Payment, error) {
	return scanPayment(tx.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE provider_id = $1 FOR UPDATE`, providerID))
}

// MarkSucceededTx flips a pending payment to succeeded inside tx. Returns
// false when the payment was not pending, which makes replays a no-op.
func (r *paymentsRepo) MarkSucceededTx(ctx context.Context, tx pgx.Tx, id int64) (bool, error) {
	result, err := tx.Exec(ctx,
		`UPDATE payments SET status = $2, paid_at = NOW() WHERE id = $1 AND status = $3`,
		id, domain.PaymentSucceeded, domain.PaymentPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark payment succeeded: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListPendingOlderThan returns pending payments created at least age ago,
// oldest first. The reconciler works through these in bounded batches.
func (r *paymentsRepo) ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.Payment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE status = $1 AND created_at < NOW() - $2::interval
		 ORDER BY created_at ASC
		 LIMIT $3`,
		domain.PaymentPending, age.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.UserID, &p.AmountRUB, &p.Credits, &p.Status, &p.ProviderID, &p.CreatedAt, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

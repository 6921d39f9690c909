package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

// ledgerRepo implements the LedgerRepo interface. Balance and ledger are
// always written in the same transaction so the users.balance column stays
// equal to the sum of the user's ledger rows.
type ledgerRepo struct {
	db *pgxpool.Pool
}

// NewLedgerRepo creates a new credit ledger repository.
func NewLedgerRepo(db *pgxpool.Pool) LedgerRepo {
	return &ledgerRepo{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// DeductIdempotent debits amount credits, keyed by (reason, referenceID).
// A replay of an already-applied debit returns AlreadyDeducted without
// touching the balance. The user row is locked for the duration so
// concurrent debits of the same user serialize.
func (r *ledgerRepo) DeductIdempotent(ctx context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (domain.DeductOutcome, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deduct amount must be positive, got %d", amount)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin deduct transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_ledger WHERE reason = $1 AND reference_id = $2 AND amount < 0)`,
		reason, referenceID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check for prior debit: %w", err)
	}
	if exists {
		return domain.AlreadyDeducted, nil
	}

	var balance int64
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to lock user row: %w", err)
	}
	if balance < amount {
		return domain.InsufficientBalance, nil
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance - $2 WHERE id = $1 RETURNING balance`,
		userID, amount,
	).Scan(&balanceAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (user_id, amount, reason, reference_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, -amount, reason, referenceID, balanceAfter,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent replay of the same reference.
			return domain.AlreadyDeducted, nil
		}
		return 0, fmt.Errorf("failed to write debit ledger row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit deduct: %w", err)
	}
	return domain.Deducted, nil
}

// Credit adds amount credits in its own transaction. See CreditTx.
func (r *ledgerRepo) Credit(ctx context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin credit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	applied, err := r.CreditTx(ctx, tx, userID, amount, reason, referenceID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit credit: %w", err)
	}
	return applied, nil
}

// CreditTx adds amount credits inside a caller-owned transaction, keyed by
// (reason, referenceID). A replay of an already-applied credit is absorbed
// and reported as applied=false.
func (r *ledgerRepo) CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("credit amount must be positive, got %d", amount)
	}

	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, domain.ErrNotFound
		}
		return false, fmt.Errorf("failed to lock user row: %w", err)
	}

	var exists bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM credit_ledger WHERE reason = $1 AND reference_id = $2)`,
		reason, referenceID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for prior credit: %w", err)
	}
	if exists {
		return false, nil
	}

	var balanceAfter int64
	err = tx.QueryRow(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 RETURNING balance`,
		userID, amount,
	).Scan(&balanceAfter)
	if err != nil {
		return false, fmt.Errorf("failed to credit balance: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO credit_ledger (user_id, amount, reason, reference_id, balance_after)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, amount, reason, referenceID, balanceAfter,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("concurrent credit replay for %s/%s: %w", reason, referenceID, err)
		}
		return false, fmt.Errorf("failed to write credit ledger row: %w", err)
	}

	return true, nil
}

// ListForUser returns the most recent ledger entries for a user.
func (r *ledgerRepo) ListForUser(ctx context.Context, userID int64, limit int) ([]*domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, user_id, amount, reason, reference_id, balance_after, created_at
		 FROM credit_ledger
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Reason, &e.ReferenceID, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate ledger entries: %w", err)
	}
	return entries, nil
}

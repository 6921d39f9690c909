package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

const userColumns = `id, telegram_id, username, first_name, is_admin, is_banned, balance, referral_code, referred_by, created_at`

// usersRepo implements the UsersRepo interface.
type usersRepo struct {
	db *pgxpool.Pool
}

// NewUsersRepo creates a new users repository.
func NewUsersRepo(db *pgxpool.Pool) UsersRepo {
	return &usersRepo{db: db}
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(
		&u.ID,
		&u.TelegramID,
		&u.Username,
		&u.FirstName,
		&u.IsAdmin,
		&u.IsBanned,
		&u.Balance,
		&u.ReferralCode,
		&u.ReferredBy,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// GetOrCreateByTelegramID returns the user for a Telegram account, creating
// the row on first contact. The admin flag from the environment is synced
// on every call so promoting an id takes effect without a manual update.
// The second return value reports whether the row was just created.
func (r *usersRepo) GetOrCreateByTelegramID(ctx context.Context, telegramID int64, username, firstName string, isAdmin bool) (*domain.User, bool, error) {
	query := `
		INSERT INTO users (telegram_id, username, first_name, is_admin, referral_code)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username,
		    first_name = EXCLUDED.first_name,
		    is_admin = EXCLUDED.is_admin
		RETURNING ` + userColumns + `, (xmax = 0) AS inserted`

	var (
		u        domain.User
		inserted bool
	)
	err := r.db.QueryRow(ctx, query, telegramID, username, firstName, isAdmin, domain.GenerateReferralCode()).Scan(
		&u.ID,
		&u.TelegramID,
		&u.Username,
		&u.FirstName,
		&u.IsAdmin,
		&u.IsBanned,
		&u.Balance,
		&u.ReferralCode,
		&u.ReferredBy,
		&u.CreatedAt,
		&inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to get or create user: %w", err)
	}

	return &u, inserted, nil
}

// GetByTelegramID retrieves a user by Telegram account id.
func (r *usersRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE telegram_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, telegramID))
}

// GetByID retrieves a user by primary key.
func (r *usersRepo) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, id))
}

// GetByReferralCode retrieves a user by their referral code.
func (r *usersRepo) GetByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE referral_code = $1`
	return scanUser(r.db.QueryRow(ctx, query, code))
}

// SetReferredBy records the inviter for a newly registered user. The link
// is written once; a user who already has an inviter keeps it.
func (r *usersRepo) SetReferredBy(ctx context.Context, userID, inviterID int64) error {
	query := `UPDATE users SET referred_by = $2 WHERE id = $1 AND referred_by IS NULL`
	if _, err := r.db.Exec(ctx, query, userID, inviterID); err != nil {
		return fmt.Errorf("failed to set referrer: %w", err)
	}
	return nil
}

// SetBanned flips the ban flag for a Telegram account.
func (r *usersRepo) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	result, err := r.db.Exec(ctx, `UPDATE users SET is_banned = $2 WHERE telegram_id = $1`, telegramID, banned)
	if err != nil {
		return fmt.Errorf("failed to update ban flag: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Balance returns the current credit balance of a user.
func (r *usersRepo) Balance(ctx context.Context, userID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

// TxBeginner opens database transactions; satisfied by *pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// UsersRepo defines user data access operations.
type UsersRepo interface {
	GetOrCreateByTelegramID(ctx context.Context, telegramID int64, username, firstName string, isAdmin bool) (*domain.User, bool, error)
	GetByTelegramID(ctx context.Context, telegramID int64) (*domain.User, error)
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByReferralCode(ctx context.Context, code string) (*domain.User, error)
	SetReferredBy(ctx context.Context, userID, inviterID int64) error
	SetBanned(ctx context.Context, telegramID int64, banned bool) error
	Balance(ctx context.Context, userID int64) (int64, error)
}

// LedgerRepo defines append-only credit ledger operations. Every balance
// change goes through this interface; the users.balance column is only
// ever written together with a ledger row.
type LedgerRepo interface {
	// DeductIdempotent debits amount credits for (reason, referenceID).
	// Replays of the same reference succeed without a second debit.
	DeductIdempotent(ctx context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (domain.DeductOutcome, error)
	// Credit adds amount credits for (reason, referenceID). Replays of the
	// same reference are silently absorbed. Returns true when a row was
	// actually written.
	Credit(ctx context.Context, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error)
	// CreditTx is Credit running inside a caller-owned transaction.
	CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64, reason domain.LedgerReason, referenceID string) (bool, error)
	ListForUser(ctx context.Context, userID int64, limit int) ([]*domain.LedgerEntry, error)
}

// PaymentsRepo defines payment order data access operations.
type PaymentsRepo interface {
	CreatePending(ctx context.Context, p *domain.Payment) error
	GetByID(ctx context.Context, id int64) (*domain.Payment, error)
	GetByProviderID(ctx context.Context, providerID string) (*domain.Payment, error)
	// GetByProviderIDForUpdate row-locks the payment inside tx so two
	// concurrent confirmations serialize.
	GetByProviderIDForUpdate(ctx context.Context, tx pgx.Tx, providerID string) (*domain.Payment, error)
	MarkSucceededTx(ctx context.Context, tx pgx.Tx, id int64) (bool, error)
	ListPendingOlderThan(ctx context.Context, age time.Duration, limit int) ([]*domain.Payment, error)
}

// GenerationsRepo defines the durable generation history mirror.
type GenerationsRepo interface {
	Create(ctx context.Context, g *domain.Generation) error
	SetStatus(ctx context.Context, requestID, status string) error
	GetByRequestID(ctx context.Context, requestID string) (*domain.Generation, error)
	CountForUser(ctx context.Context, userID int64) (int, error)
}

// SupportRepo defines support ticket data access operations.
type SupportRepo interface {
	Create(ctx context.Context, m *domain.SupportMessage) error
	GetByTicketID(ctx context.Context, ticketID string) (*domain.SupportMessage, error)
	Reply(ctx context.Context, ticketID, reply string) error
}

// Repositories aggregates all repository interfaces.
type Repositories struct {
	Users       UsersRepo
	Ledger      LedgerRepo
	Payments    PaymentsRepo
	Generations GenerationsRepo
	Support     SupportRepo
}

// NewRepositories creates all repositories with the given database pool.
func NewRepositories(db *pgxpool.Pool) *Repositories {
	return &Repositories{
		Users:       NewUsersRepo(db),
		Ledger:      NewLedgerRepo(db),
		Payments:    NewPaymentsRepo(db),
		Generations: NewGenerationsRepo(db),
		Support:     NewSupportRepo(db),
	}
}

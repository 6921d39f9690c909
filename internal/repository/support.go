package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

// supportRepo implements the SupportRepo interface.
type supportRepo struct {
	db *pgxpool.Pool
}

// NewSupportRepo creates a new support ticket repository.
func NewSupportRepo(db *pgxpool.Pool) SupportRepo {
	return &supportRepo{db: db}
}

// Create records a new support ticket.
func (r *supportRepo) Create(ctx context.Context, m *domain.SupportMessage) error {
	if m.TicketID == "" {
		m.TicketID = domain.GenerateTicketID()
	}
	err := r.db.QueryRow(ctx,
		`INSERT INTO support_messages (ticket_id, user_id, message_text)
		 VALUES ($1, $2, $3)
		 RETURNING id, created_at`,
		m.TicketID, m.UserID, m.Message,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create support ticket: %w", err)
	}
	return nil
}

// GetByTicketID retrieves a ticket by its short public id.
func (r *supportRepo) GetByTicketID(ctx context.Context, ticketID string) (*domain.SupportMessage, error) {
	var m domain.SupportMessage
	err := r.db.QueryRow(ctx,
		`SELECT id, ticket_id, user_id, message_text, admin_reply, created_at, replied_at
		 FROM support_messages WHERE ticket_id = $1`,
		ticketID,
	).Scan(&m.ID, &m.TicketID, &m.UserID, &m.Message, &m.AdminReply, &m.CreatedAt, &m.RepliedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get support ticket: %w", err)
	}
	return &m, nil
}

// Reply stores the admin response on a ticket.
func (r *supportRepo) Reply(ctx context.Context, ticketID, reply string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE support_messages SET admin_reply = $2, replied_at = NOW() WHERE ticket_id = $1`,
		ticketID, reply,
	)
	if err != nil {
		return fmt.Errorf("failed to store ticket reply: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

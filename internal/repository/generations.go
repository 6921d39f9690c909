package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vetrovp/genforge/internal/domain"
)

// generationsRepo implements the GenerationsRepo interface. Rows here are a
// durable history mirror of the short-lived task records in the store; the
// runtime never reads them on the hot path.
type generationsRepo struct {
	db *pgxpool.Pool
}

// NewGenerationsRepo creates a new generations repository.
func NewGenerationsRepo(db *pgxpool.Pool) GenerationsRepo {
	return &generationsRepo{db: db}
}

// Create records a new generation attempt.
func (r *generationsRepo) Create(ctx context.Context, g *domain.Generation) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO generations (request_id, user_id, tariff, prompt, cost, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		g.RequestID, g.UserID, g.Tariff, g.Prompt, g.Cost, g.Status,
	).Scan(&g.ID, &g.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create generation row: %w", err)
	}
	return nil
}

// SetStatus updates the stored status and stamps completion for terminal
// states.
func (r *generationsRepo) SetStatus(ctx context.Context, requestID, status string) error {
	query := `UPDATE generations SET status = $2 WHERE request_id = $1`
	if domain.TaskStatus(status).IsTerminal() {
		query = `UPDATE generations SET status = $2, completed_at = NOW() WHERE request_id = $1`
	}
	result, err := r.db.Exec(ctx, query, requestID, status)
	if err != nil {
		return fmt.Errorf("failed to update generation status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByRequestID retrieves a generation by its request id.
func (r *generationsRepo) GetByRequestID(ctx context.Context, requestID string) (*domain.Generation, error) {
	var g domain.Generation
	err := r.db.QueryRow(ctx,
		`SELECT id, request_id, user_id, tariff, prompt, cost, status, created_at, completed_at
		 FROM generations WHERE request_id = $1`,
		requestID,
	).Scan(&g.ID, &g.RequestID, &g.UserID, &g.Tariff, &g.Prompt, &g.Cost, &g.Status, &g.CreatedAt, &g.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get generation: %w", err)
	}
	return &g, nil
}

// CountForUser returns how many generations a user has recorded.
func (r *generationsRepo) CountForUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM generations WHERE user_id = $1`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return count, nil
}

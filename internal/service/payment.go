package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/payment"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

// pendingAge is how old a pending order must be before the reconciler
// picks it up; younger orders are still expected to arrive via webhook.
const pendingAge = 10 * time.Minute

// reconcileBatch bounds one reconciler pass.
const reconcileBatch = 50

// errPaymentsDisabled is returned when no provider credentials are
// configured.
var errPaymentsDisabled = errors.New("payments are not configured")

// PaymentServiceImpl implements the PaymentService interface. The pipeline
// is fail-closed: credits move only after this process has re-fetched the
// order from the provider and verified status, amount and currency. The
// inbound webhook body is never trusted beyond the order id it names.
type PaymentServiceImpl struct {
	cfg      *config.Config
	db       repository.TxBeginner
	repos    *repository.Repositories
	provider PaymentProvider
	metrics  *utils.MetricsCollector
}

// NewPaymentService creates a new payment service.
func NewPaymentService(cfg *config.Config, db repository.TxBeginner, repos *repository.Repositories, provider PaymentProvider, metrics *utils.MetricsCollector) PaymentService {
	return &PaymentServiceImpl{cfg: cfg, db: db, repos: repos, provider: provider, metrics: metrics}
}

// CreatePayment registers a pending order for a fixed credit package.
func (s *PaymentServiceImpl) CreatePayment(ctx context.Context, telegramID, amountRUB int64) (*domain.Payment, string, error) {
	if s.provider == nil {
		return nil, "", errPaymentsDisabled
	}
	credits, ok := config.CreditPackages[amountRUB]
	if !ok {
		return nil, "", fmt.Errorf("%w: no %d RUB package", domain.ErrInvalidInput, amountRUB)
	}

	user, err := s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, "", err
	}

	order, err := s.provider.Create(ctx, payment.CreateRequest{
		AmountRUB:   amountRUB,
		Description: fmt.Sprintf("%d credits", credits),
		ReturnURL:   s.cfg.TelegramWebhookURL,
		Metadata:    map[string]string{"telegram_id": fmt.Sprintf("%d", telegramID)},
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create provider order: %w", err)
	}

	p := &domain.Payment{
		UserID:     user.ID,
		AmountRUB:  amountRUB,
		Credits:    credits,
		ProviderID: order.ID,
	}
	if err := s.repos.Payments.CreatePending(ctx, p); err != nil {
		return nil, "", err
	}

	utils.Info("payment created",
		"payment_id", p.ID,
		"provider_id", order.ID,
		"amount_rub", amountRUB,
		"credits", credits,
	)
	return p, order.Confirmation.ConfirmationURL, nil
}

// ProcessWebhook settles the order named by an inbound notification. Only
// the provider id is taken from the payload; everything else comes from a
// fresh provider lookup.
func (s *PaymentServiceImpl) ProcessWebhook(ctx context.Context, providerID string) error {
	if s.provider == nil {
		return errPaymentsDisabled
	}
	if providerID == "" {
		return fmt.Errorf("%w: webhook without payment id", domain.ErrInvalidInput)
	}

	order, err := s.provider.Find(ctx, providerID)
	if err != nil {
		return fmt.Errorf("failed to verify order with provider: %w", err)
	}
	if !order.Paid || order.Status != payment.StatusSucceeded {
		utils.Info("webhook for unpaid order ignored", "provider_id", providerID, "status", order.Status)
		return nil
	}
	return s.settle(ctx, order)
}

// ConfirmByUser settles a payment on the user's explicit confirmation.
// Used when the provider's webhook was lost and the user presses the
// "I paid" button.
func (s *PaymentServiceImpl) ConfirmByUser(ctx context.Context, telegramID, paymentID int64) (*domain.Payment, error) {
	if s.provider == nil {
		return nil, errPaymentsDisabled
	}
	user, err := s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	p, err := s.repos.Payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.UserID != user.ID {
		return nil, domain.ErrForbidden
	}
	if p.Status == domain.PaymentSucceeded {
		return p, nil
	}

	order, err := s.provider.Find(ctx, p.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify order with provider: %w", err)
	}
	if order.Paid && order.Status == payment.StatusSucceeded {
		if err := s.settle(ctx, order); err != nil {
			return nil, err
		}
	}
	return s.repos.Payments.GetByID(ctx, paymentID)
}

// ReconcilePending settles paid orders whose webhook never arrived.
func (s *PaymentServiceImpl) ReconcilePending(ctx context.Context) (int, error) {
	if s.provider == nil {
		return 0, errPaymentsDisabled
	}
	pending, err := s.repos.Payments.ListPendingOlderThan(ctx, pendingAge, reconcileBatch)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, p := range pending {
		order, err := s.provider.Find(ctx, p.ProviderID)
		if err != nil {
			utils.LogError(err, "", "reconcile_lookup", "provider_id", p.ProviderID)
			continue
		}
		if !order.Paid || order.Status != payment.StatusSucceeded {
			continue
		}
		if err := s.settle(ctx, order); err != nil {
			utils.LogError(err, "", "reconcile_settle", "provider_id", p.ProviderID)
			continue
		}
		settled++
	}

	if settled > 0 {
		s.metrics.RecordPaymentsReconciled(settled)
		utils.Info("payments reconciled", "count", settled)
	}
	return settled, nil
}

// settle flips a verified-paid order to succeeded and credits the user,
// atomically and idempotently. The row lock serializes concurrent webhook,
// user confirmation and reconciler attempts on the same order; whoever
// loses the race sees the succeeded status and does nothing.
func (s *PaymentServiceImpl) settle(ctx context.Context, order *payment.Order) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin settle transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	p, err := s.repos.Payments.GetByProviderIDForUpdate(ctx, tx, order.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("order %s is not ours: %w", order.ID, err)
		}
		return err
	}
	if p.Status == domain.PaymentSucceeded {
		return nil
	}

	kopecks, err := order.Amount.Kopecks()
	if err != nil {
		return fmt.Errorf("refusing to settle %s: %w", order.ID, err)
	}
	if order.Amount.Currency != "RUB" || kopecks != p.AmountRUB*100 {
		return fmt.Errorf("refusing to settle %s: provider reports %s %s, order is %d RUB",
			order.ID, order.Amount.Value, order.Amount.Currency, p.AmountRUB)
	}

	flipped, err := s.repos.Payments.MarkSucceededTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}

	if _, err := s.repos.Ledger.CreditTx(ctx, tx, p.UserID, p.Credits, domain.ReasonPayment, order.ID); err != nil {
		return fmt.Errorf("failed to credit payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit settle: %w", err)
	}
	utils.Info("payment settled", "payment_id", p.ID, "provider_id", order.ID, "credits", p.Credits)
	return nil
}

// Package service implements the business logic: user onboarding,
// generation admission and cancellation, and the payment pipeline.
package service

import (
	"context"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/payment"
)

// UserService defines user onboarding and account operations.
type UserService interface {
	// EnsureUser returns the account for a Telegram user, creating it with
	// the welcome bonus on first contact. A non-empty referralCode credits
	// both sides of the referral once.
	EnsureUser(ctx context.Context, telegramID int64, username, firstName, referralCode string) (*domain.User, error)

	// Balance returns the current credit balance.
	Balance(ctx context.Context, telegramID int64) (int64, error)

	// SetBanned flips the ban flag (admin operation).
	SetBanned(ctx context.Context, telegramID int64, banned bool) error

	// History returns the most recent ledger entries.
	History(ctx context.Context, telegramID int64, limit int) ([]*domain.LedgerEntry, error)
}

// SubmitRequest describes one generation job submission.
type SubmitRequest struct {
	TelegramID int64
	ChatID     int64
	Tariff     string
	Job        domain.Job
}

// AdmissionResult reports a successful submission.
type AdmissionResult struct {
	RequestID string
	// Position is how many tasks were ahead in the global queue at
	// enqueue time; 0 means the job is next.
	Position int64
	Cost     int64
}

// CancelResult reports what cancellation did.
type CancelResult struct {
	RequestID string
	// Immediate is true when the task was still queued and is now fully
	// cancelled and refunded. False means a processing task was marked
	// and the worker finishes the cancellation at its next checkpoint.
	Immediate bool
	Refunded  bool
}

// AdmissionService defines generation job intake and cancellation.
type AdmissionService interface {
	// Submit runs the full admission chain: charge, single-flight lock,
	// per-user slot, global queue. Any later step failing unwinds the
	// earlier ones in reverse order.
	Submit(ctx context.Context, req *SubmitRequest) (*AdmissionResult, error)

	// Cancel cancels the caller's active generation, if any.
	Cancel(ctx context.Context, telegramID int64) (*CancelResult, error)

	// ActiveStatus returns the status of the caller's active task.
	ActiveStatus(ctx context.Context, telegramID int64) (domain.TaskStatus, bool, error)
}

// PaymentProvider is the slice of the provider client the payment service
// needs; the concrete implementation is payment.Client.
type PaymentProvider interface {
	Create(ctx context.Context, req payment.CreateRequest) (*payment.Order, error)
	Find(ctx context.Context, orderID string) (*payment.Order, error)
}

// PaymentService defines the credit purchase pipeline.
type PaymentService interface {
	// CreatePayment registers a pending order for one of the fixed credit
	// packages and returns it with the provider's confirmation URL.
	CreatePayment(ctx context.Context, telegramID, amountRUB int64) (*domain.Payment, string, error)

	// ProcessWebhook settles the order named by an inbound notification.
	// The notification body is untrusted; state is re-fetched from the
	// provider before any credit moves.
	ProcessWebhook(ctx context.Context, providerID string) error

	// ConfirmByUser settles a payment on the user's explicit "I paid"
	// action, after an ownership check.
	ConfirmByUser(ctx context.Context, telegramID, paymentID int64) (*domain.Payment, error)

	// ReconcilePending settles pending orders the webhook never reached,
	// returning how many were credited.
	ReconcilePending(ctx context.Context) (int, error)
}

// SupportService defines support ticket operations.
type SupportService interface {
	CreateTicket(ctx context.Context, telegramID int64, message string) (*domain.SupportMessage, error)
	ReplyTicket(ctx context.Context, ticketID, reply string) (*domain.SupportMessage, error)
}

// Services aggregates all business logic services.
type Services struct {
	Users     UserService
	Admission AdmissionService
	Payments  PaymentService
	Support   SupportService
}

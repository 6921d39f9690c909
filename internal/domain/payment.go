package domain

import "time"

// PaymentStatus is the lifecycle state of a top-up payment.
type PaymentStatus string

const (
	// PaymentPending is the initial state after the redirect URL is issued.
	PaymentPending PaymentStatus = "pending"
	// PaymentSucceeded means the provider confirmed the charge and credits
	// were granted. A payment never leaves this state.
	PaymentSucceeded PaymentStatus = "succeeded"
	// PaymentFailed means the provider reported a terminal failure.
	PaymentFailed PaymentStatus = "failed"
)

// Payment is a credit top-up attempt through the payment provider.
// ProviderID is the provider's external payment id and is unique; the
// transition to succeeded commits in the same database transaction as the
// ledger credit keyed by that id.
type Payment struct {
	ID        int64         `json:"id"`
	UserID    int64         `json:"user_id"`
	AmountRUB int64         `json:"amount_rub"`
	Credits   int64         `json:"credits"`
	Status    PaymentStatus `json:"status"`
	ProviderID string       `json:"provider_id"`
	CreatedAt time.Time     `json:"created_at"`
	PaidAt    *time.Time    `json:"paid_at,omitempty"`
}

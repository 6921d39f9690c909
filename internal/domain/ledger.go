package domain

import "time"

// LedgerReason classifies a credit change.
type LedgerReason string

const (
	// ReasonPayment credits purchased via a payment provider.
	ReasonPayment LedgerReason = "payment"
	// ReasonGeneration is the debit charged for a generation job.
	ReasonGeneration LedgerReason = "generation"
	// ReasonRefund returns a generation debit after failure or cancellation.
	ReasonRefund LedgerReason = "refund"
	// ReasonReferral is the invite bonus for both sides of a referral.
	ReasonReferral LedgerReason = "referral"
	// ReasonWelcome is the one-time signup bonus.
	ReasonWelcome LedgerReason = "welcome"
)

// LedgerEntry is one immutable row of the credit journal. Rows are never
// updated or deleted; (Reason, ReferenceID) is unique and serves as the
// sole idempotency guard.
type LedgerEntry struct {
	ID           int64        `json:"id"`
	UserID       int64        `json:"user_id"`
	Amount       int64        `json:"amount"` // positive = credit, negative = debit
	Reason       LedgerReason `json:"reason"`
	ReferenceID  string       `json:"reference_id"`
	BalanceAfter int64        `json:"balance_after"`
	CreatedAt    time.Time    `json:"created_at"`
}

// RefundReference derives the refund idempotency key for a request id.
func RefundReference(requestID string) string {
	return "refund_" + requestID
}

// DeductOutcome is the result of an idempotent debit attempt.
type DeductOutcome int

const (
	// Deducted means this call performed the debit.
	Deducted DeductOutcome = iota
	// AlreadyDeducted means a debit for this reference id already existed;
	// callers treat it as success.
	AlreadyDeducted
	// InsufficientBalance means the user cannot afford the debit.
	InsufficientBalance
)

// String implements fmt.Stringer for log output.
func (o DeductOutcome) String() string {
	switch o {
	case Deducted:
		return "deducted"
	case AlreadyDeducted:
		return "already_deducted"
	case InsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

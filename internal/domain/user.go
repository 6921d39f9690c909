// Package domain defines the core entities and value types of the service.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// User is an end-user of the bot, keyed externally by Telegram id.
// Balance is maintained exclusively by the credit ledger; no other code
// path may write it.
type User struct {
	ID           int64     `json:"id"`
	TelegramID   int64     `json:"telegram_id"`
	Username     string    `json:"username,omitempty"`
	FirstName    string    `json:"first_name,omitempty"`
	IsAdmin      bool      `json:"is_admin"`
	IsBanned     bool      `json:"is_banned"`
	Balance      int64     `json:"balance"`
	ReferralCode string    `json:"referral_code"`
	ReferredBy   *int64    `json:"referred_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerateReferralCode returns a fresh opaque referral code.
func GenerateReferralCode() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:10]
}

// SupportMessage is a user-submitted support ticket.
type SupportMessage struct {
	ID         int64      `json:"id"`
	TicketID   string     `json:"ticket_id"`
	UserID     int64      `json:"user_id"`
	Message    string     `json:"message"`
	AdminReply string     `json:"admin_reply,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	RepliedAt  *time.Time `json:"replied_at,omitempty"`
}

// GenerateTicketID returns a short uppercase ticket identifier.
func GenerateTicketID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

// Signup bonuses, in credits.
const (
	welcomeCredits  = 11
	referralCredits = 11
)

// UserServiceImpl implements the UserService interface.
type UserServiceImpl struct {
	cfg   *config.Config
	repos *repository.Repositories
}

// NewUserService creates a new user service.
func NewUserService(cfg *config.Config, repos *repository.Repositories) UserService {
	return &UserServiceImpl{cfg: cfg, repos: repos}
}

// EnsureUser returns the account for a Telegram user, creating it on first
// contact. New accounts get the welcome bonus, and a valid referral code
// credits both the new user and the inviter. All bonuses go through the
// ledger with fixed reference ids, so a crash-and-retry never doubles them.
func (s *UserServiceImpl) EnsureUser(ctx context.Context, telegramID int64, username, firstName, referralCode string) (*domain.User, error) {
	user, created, err := s.repos.Users.GetOrCreateByTelegramID(ctx, telegramID, username, firstName, s.cfg.IsAdmin(telegramID))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}
	if !created {
		return user, nil
	}

	if _, err := s.repos.Ledger.Credit(ctx, user.ID, welcomeCredits, domain.ReasonWelcome,
		fmt.Sprintf("welcome_%d", telegramID)); err != nil {
		return nil, fmt.Errorf("failed to grant welcome bonus: %w", err)
	}
	utils.Info("new user registered", "telegram_id", telegramID)

	if referralCode != "" {
		s.applyReferral(ctx, user, referralCode)
	}

	// Re-read to pick up the bonus balance.
	user, err = s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload user: %w", err)
	}
	return user, nil
}

// applyReferral links the inviter and credits both sides. Referral failures
// never block registration; the welcome flow already succeeded.
func (s *UserServiceImpl) applyReferral(ctx context.Context, user *domain.User, code string) {
	inviter, err := s.repos.Users.GetByReferralCode(ctx, code)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			utils.Warn("referral lookup failed", "code", code, "error", err.Error())
		}
		return
	}
	if inviter.ID == user.ID {
		return
	}

	if err := s.repos.Users.SetReferredBy(ctx, user.ID, inviter.ID); err != nil {
		utils.Warn("failed to link referrer", "user_id", user.ID, "error", err.Error())
		return
	}

	if _, err := s.repos.Ledger.Credit(ctx, user.ID, referralCredits, domain.ReasonReferral,
		fmt.Sprintf("ref_new_%d", user.TelegramID)); err != nil {
		utils.Warn("failed to credit referred user", "user_id", user.ID, "error", err.Error())
	}
	if _, err := s.repos.Ledger.Credit(ctx, inviter.ID, referralCredits, domain.ReasonReferral,
		fmt.Sprintf("ref_inviter_%d_%d", inviter.TelegramID, user.TelegramID)); err != nil {
		utils.Warn("failed to credit inviter", "user_id", inviter.ID, "error", err.Error())
	}
	utils.Info("referral applied", "inviter_id", inviter.ID, "new_user_id", user.ID)
}

// Balance returns the current credit balance for a Telegram account.
func (s *UserServiceImpl) Balance(ctx context.Context, telegramID int64) (int64, error) {
	user, err := s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return 0, err
	}
	return user.Balance, nil
}

// SetBanned flips the ban flag for a Telegram account.
func (s *UserServiceImpl) SetBanned(ctx context.Context, telegramID int64, banned bool) error {
	return s.repos.Users.SetBanned(ctx, telegramID, banned)
}

// History returns the most recent ledger entries for a Telegram account.
func (s *UserServiceImpl) History(ctx context.Context, telegramID int64, limit int) ([]*domain.LedgerEntry, error) {
	user, err := s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	return s.repos.Ledger.ListForUser(ctx, user.ID, limit)
}

package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

const maxTicketLength = 4000

// SupportServiceImpl implements the SupportService interface.
type SupportServiceImpl struct {
	repos *repository.Repositories
}

// NewSupportService creates a new support service.
func NewSupportService(repos *repository.Repositories) SupportService {
	return &SupportServiceImpl{repos: repos}
}

// CreateTicket records a user support message under a short ticket id.
func (s *SupportServiceImpl) CreateTicket(ctx context.Context, telegramID int64, message string) (*domain.SupportMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, fmt.Errorf("%w: empty support message", domain.ErrInvalidInput)
	}
	if len(message) > maxTicketLength {
		message = message[:maxTicketLength]
	}

	user, err := s.repos.Users.GetByTelegramID(ctx, telegramID)
	if err != nil {
		return nil, err
	}

	ticket := &domain.SupportMessage{UserID: user.ID, Message: message}
	if err := s.repos.Support.Create(ctx, ticket); err != nil {
		return nil, err
	}
	utils.Info("support ticket created", "ticket_id", ticket.TicketID, "user_id", user.ID)
	return ticket, nil
}

// ReplyTicket stores an admin reply on a ticket.
func (s *SupportServiceImpl) ReplyTicket(ctx context.Context, ticketID, reply string) (*domain.SupportMessage, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, fmt.Errorf("%w: empty reply", domain.ErrInvalidInput)
	}
	if err := s.repos.Support.Reply(ctx, ticketID, reply); err != nil {
		return nil, err
	}
	return s.repos.Support.GetByTicketID(ctx, ticketID)
}

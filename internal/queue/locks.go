package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/vetrovp/genforge/internal/repository"
)

// Rate limit windows per action kind. Media uploads are throttled harder
// than plain commands because each one can fan out into a generation.
const (
	rateWindow   = time.Minute
	commandLimit = 5
	mediaLimit   = 2
	kindCommand  = "cmd"
	kindMedia    = "media"
)

// RateLimiter throttles per-user actions with fixed windows in the shared
// store, so limits hold across processes.
type RateLimiter struct {
	store *repository.Store
}

// NewRateLimiter creates a rate limiter backed by the shared store.
func NewRateLimiter(store *repository.Store) *RateLimiter {
	return &RateLimiter{store: store}
}

func (l *RateLimiter) allow(ctx context.Context, kind string, telegramID, limit int64) (bool, error) {
	n, err := l.store.IncrWithTTL(ctx, rateKey(kind, telegramID), rateWindow)
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return n <= limit, nil
}

// AllowCommand reports whether the user may run another bot command now.
func (l *RateLimiter) AllowCommand(ctx context.Context, telegramID int64) (bool, error) {
	return l.allow(ctx, kindCommand, telegramID, commandLimit)
}

// AllowMedia reports whether the user may submit more media now.
func (l *RateLimiter) AllowMedia(ctx context.Context, telegramID int64) (bool, error) {
	return l.allow(ctx, kindMedia, telegramID, mediaLimit)
}

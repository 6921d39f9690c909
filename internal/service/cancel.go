package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/utils"
)

// Cancel cancels the caller's active generation.
//
// A still-queued task is removed, refunded and unlocked right here. A task
// already processing is only marked cancelled; the worker running it
// observes the mark at its next checkpoint and performs the cleanup, so
// two cleanups never race. Anything else is a no-op.
func (s *AdmissionServiceImpl) Cancel(ctx context.Context, telegramID int64) (*CancelResult, error) {
	requestID, ok, err := s.tasks.ActiveRequest(ctx, telegramID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &CancelResult{}, nil
	}

	rec, found, err := s.tasks.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !found {
		// Record expired under the lock; just drop the lock.
		if rerr := s.tasks.ReleaseActiveLock(ctx, telegramID); rerr != nil {
			utils.LogError(rerr, "", "cancel_release_stale_lock", "request_id", requestID)
		}
		return &CancelResult{RequestID: requestID}, nil
	}

	switch rec.Status {
	case domain.TaskQueued:
		return s.cancelQueued(ctx, rec)
	case domain.TaskProcessing:
		if err := s.tasks.SetStatus(ctx, requestID, domain.TaskCancelled); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				// The worker finished first; nothing left to cancel.
				return &CancelResult{RequestID: requestID}, nil
			}
			return nil, fmt.Errorf("failed to mark task cancelled: %w", err)
		}
		utils.Info("processing task marked for cancellation", "request_id", requestID)
		return &CancelResult{RequestID: requestID, Immediate: false}, nil
	default:
		// Already terminal; release the lock if it is still ours.
		if rerr := s.tasks.ReleaseActiveLock(ctx, telegramID); rerr != nil {
			utils.LogError(rerr, "", "cancel_release_lock", "request_id", requestID)
		}
		return &CancelResult{RequestID: requestID}, nil
	}
}

// cancelQueued fully cancels a task that no worker has picked up yet.
func (s *AdmissionServiceImpl) cancelQueued(ctx context.Context, rec *domain.TaskRecord) (*CancelResult, error) {
	removed, err := s.tasks.RemoveFromQueue(ctx, rec.RequestID)
	if err != nil {
		return nil, err
	}
	if !removed {
		// A worker popped it between our read and the remove; it will see
		// the cancelled status at its first checkpoint.
		if err := s.tasks.SetStatus(ctx, rec.RequestID, domain.TaskCancelled); err != nil {
			if errors.Is(err, domain.ErrIllegalTransition) {
				return &CancelResult{RequestID: rec.RequestID}, nil
			}
			return nil, fmt.Errorf("failed to mark task cancelled: %w", err)
		}
		return &CancelResult{RequestID: rec.RequestID, Immediate: false}, nil
	}

	if err := s.tasks.SetStatus(ctx, rec.RequestID, domain.TaskCancelled); err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	if err := s.tasks.ReleaseUserSlot(ctx, rec.TelegramID); err != nil {
		utils.LogError(err, "", "cancel_release_slot", "request_id", rec.RequestID)
	}

	refunded := false
	if !rec.IsAdmin {
		applied, err := s.repos.Ledger.Credit(ctx, rec.UserID, rec.Cost, domain.ReasonRefund, domain.RefundReference(rec.RequestID))
		if err != nil {
			utils.LogError(err, "", "cancel_refund", "request_id", rec.RequestID)
		} else if applied {
			refunded = true
			s.metrics.RecordRefund()
		}
	}

	if err := s.tasks.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
		utils.LogError(err, "", "cancel_release_lock", "request_id", rec.RequestID)
	}
	if err := s.repos.Generations.SetStatus(ctx, rec.RequestID, string(domain.TaskCancelled)); err != nil {
		utils.LogError(err, "", "cancel_mirror_update", "request_id", rec.RequestID)
	}

	s.metrics.RecordJobProcessed(string(domain.TaskCancelled))
	utils.Info("queued task cancelled", "request_id", rec.RequestID, "refunded", refunded)
	return &CancelResult{RequestID: rec.RequestID, Immediate: true, Refunded: refunded}, nil
}

// ActiveStatus returns the status of the caller's active task, if any.
func (s *AdmissionServiceImpl) ActiveStatus(ctx context.Context, telegramID int64) (domain.TaskStatus, bool, error) {
	requestID, ok, err := s.tasks.ActiveRequest(ctx, telegramID)
	if err != nil || !ok {
		return "", false, err
	}
	return s.tasks.Status(ctx, requestID)
}

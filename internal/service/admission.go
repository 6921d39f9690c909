package service

import (
	"context"
	"fmt"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/queue"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

// AdmissionServiceImpl implements the AdmissionService interface.
type AdmissionServiceImpl struct {
	cfg     *config.Config
	repos   *repository.Repositories
	tasks   *queue.TaskQueue
	metrics *utils.MetricsCollector
}

// NewAdmissionService creates a new admission service.
func NewAdmissionService(cfg *config.Config, repos *repository.Repositories, tasks *queue.TaskQueue, metrics *utils.MetricsCollector) AdmissionService {
	return &AdmissionServiceImpl{cfg: cfg, repos: repos, tasks: tasks, metrics: metrics}
}

// Submit admits one generation job. The chain is ordered so the cheapest
// checks to undo come last:
//
//	charge -> single-flight lock -> per-user slot -> global enqueue
//
// When a step fails, every earlier step is compensated in reverse order,
// so a rejected submission leaves no charge, lock or counter behind.
func (s *AdmissionServiceImpl) Submit(ctx context.Context, req *SubmitRequest) (*AdmissionResult, error) {
	user, err := s.repos.Users.GetByTelegramID(ctx, req.TelegramID)
	if err != nil {
		return nil, err
	}
	if user.IsBanned {
		return nil, domain.ErrBanned
	}

	if err := req.Job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	cost, ok := config.GenerationCost[req.Tariff]
	if !ok {
		return nil, fmt.Errorf("%w: unknown tariff %q", domain.ErrInvalidInput, req.Tariff)
	}

	requestID := domain.NewRequestID()

	// Compensations for completed steps, run in reverse on failure.
	var unwind []func()
	fail := func(cause error) (*AdmissionResult, error) {
		for i := len(unwind) - 1; i >= 0; i-- {
			unwind[i]()
		}
		return nil, cause
	}

	if !user.IsAdmin {
		outcome, err := s.repos.Ledger.DeductIdempotent(ctx, user.ID, cost, domain.ReasonGeneration, requestID)
		if err != nil {
			return nil, fmt.Errorf("failed to charge for generation: %w", err)
		}
		if outcome == domain.InsufficientBalance {
			return nil, domain.ErrInsufficientBalance
		}
		unwind = append(unwind, func() {
			if _, rerr := s.repos.Ledger.Credit(ctx, user.ID, cost, domain.ReasonRefund, domain.RefundReference(requestID)); rerr != nil {
				utils.LogError(rerr, "", "admission_unwind_refund", "request_id", requestID)
			} else {
				s.metrics.RecordRefund()
			}
		})
	}

	if err := s.tasks.AcquireActiveLock(ctx, req.TelegramID, requestID); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() {
		if rerr := s.tasks.ReleaseActiveLock(ctx, req.TelegramID); rerr != nil {
			utils.LogError(rerr, "", "admission_unwind_lock", "request_id", requestID)
		}
	})

	if err := s.tasks.ReserveUserSlot(ctx, req.TelegramID); err != nil {
		return fail(err)
	}
	unwind = append(unwind, func() {
		if rerr := s.tasks.ReleaseUserSlot(ctx, req.TelegramID); rerr != nil {
			utils.LogError(rerr, "", "admission_unwind_slot", "request_id", requestID)
		}
	})

	rec := &domain.TaskRecord{
		RequestID:  requestID,
		TelegramID: req.TelegramID,
		UserID:     user.ID,
		ChatID:     req.ChatID,
		IsAdmin:    user.IsAdmin,
		Tariff:     req.Tariff,
		Cost:       cost,
		Job:        req.Job,
	}
	position, err := s.tasks.Enqueue(ctx, rec)
	if err != nil {
		return fail(err)
	}

	// History mirror; admission already succeeded, so failures only log.
	gen := &domain.Generation{
		RequestID: requestID,
		UserID:    user.ID,
		Tariff:    req.Tariff,
		Prompt:    req.Job.Prompt(),
		Cost:      cost,
		Status:    string(domain.TaskQueued),
	}
	if err := s.repos.Generations.Create(ctx, gen); err != nil {
		utils.LogError(err, "", "generation_mirror_create", "request_id", requestID)
	}

	if depth, derr := s.tasks.Depth(ctx); derr == nil {
		s.metrics.SetQueueDepth(depth)
	}
	utils.Info("task admitted",
		"request_id", requestID,
		"telegram_id", req.TelegramID,
		"tariff", req.Tariff,
		"position", position,
	)
	return &AdmissionResult{RequestID: requestID, Position: position, Cost: cost}, nil
}

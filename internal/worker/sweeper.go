package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/notify"
	"github.com/vetrovp/genforge/internal/queue"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

// Sweeper periodically repairs coordination state that crashes left
// behind: it rebuilds the GPU counter from live job markers and fails
// tasks stuck in processing far beyond their timeout budget.
type Sweeper struct {
	cfg      *config.Config
	tasks    *queue.TaskQueue
	gpu      *queue.GPUSemaphore
	repos    *repository.Repositories
	notifier notify.Notifier
	metrics  *utils.MetricsCollector

	ticker *time.Ticker
	quit   chan struct{}
	done   chan struct{}
}

// NewSweeper creates a sweeper.
func NewSweeper(cfg *config.Config, tasks *queue.TaskQueue, gpu *queue.GPUSemaphore, repos *repository.Repositories, notifier notify.Notifier, metrics *utils.MetricsCollector) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		tasks:    tasks,
		gpu:      gpu,
		repos:    repos,
		notifier: notifier,
		metrics:  metrics,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the periodic sweep loop.
func (s *Sweeper) Start(interval time.Duration) {
	s.ticker = time.NewTicker(interval)
	utils.Info("starting sweeper", slog.String("interval", interval.String()))
	go s.loop()
}

// Stop shuts the sweeper down, waiting for an in-flight pass.
func (s *Sweeper) Stop(ctx context.Context) error {
	close(s.quit)
	if s.ticker != nil {
		s.ticker.Stop()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			s.sweep(context.Background())
		case <-s.quit:
			return
		}
	}
}

// sweep runs one repair pass.
func (s *Sweeper) sweep(ctx context.Context) {
	active, err := s.gpu.Rebuild(ctx)
	if err != nil {
		utils.LogError(err, "", "sweep_gpu_rebuild")
	} else {
		s.metrics.SetGPUActiveJobs(active)
	}

	s.reapStuck(ctx)

	if depth, err := s.tasks.Depth(ctx); err == nil {
		s.metrics.SetQueueDepth(depth)
	}
}

// reapStuck fails processing tasks whose worker evidently died. The cutoff
// is double the task's own timeout budget, so a healthy slow job is never
// reaped before its invocation context has long expired.
func (s *Sweeper) reapStuck(ctx context.Context) {
	recs, err := s.tasks.ScanRecords(ctx)
	if err != nil {
		utils.LogError(err, "", "sweep_scan")
		return
	}

	now := time.Now().Unix()
	for _, rec := range recs {
		if rec.Status != domain.TaskProcessing || rec.StartedAt == 0 {
			continue
		}
		budget := s.cfg.GenerationTimeout()
		if rec.Job.Kind.IsVideo() {
			budget *= 2
		}
		if now-rec.StartedAt <= int64((2 * budget).Seconds()) {
			continue
		}

		utils.Warn("reaping stuck task",
			"request_id", rec.RequestID,
			"started_at", rec.StartedAt,
		)
		if err := s.tasks.SetStatus(ctx, rec.RequestID, domain.TaskFailed); err != nil {
			utils.LogError(err, "", "sweep_mark_failed", "request_id", rec.RequestID)
			continue
		}

		if !rec.IsAdmin {
			applied, err := s.repos.Ledger.Credit(ctx, rec.UserID, rec.Cost, domain.ReasonRefund, domain.RefundReference(rec.RequestID))
			if err != nil {
				utils.LogError(err, "", "sweep_refund", "request_id", rec.RequestID)
			} else if applied {
				s.metrics.RecordRefund()
			}
		}

		if err := s.gpu.Release(ctx, rec.RequestID); err != nil {
			utils.LogError(err, "", "sweep_gpu_release", "request_id", rec.RequestID)
		}
		if err := s.tasks.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
			utils.LogError(err, "", "sweep_lock_release", "request_id", rec.RequestID)
		}
		if err := s.repos.Generations.SetStatus(ctx, rec.RequestID, string(domain.TaskFailed)); err != nil {
			utils.Debug("failed to mirror reaped task", "request_id", rec.RequestID, "error", err.Error())
		}
		s.metrics.RecordJobProcessed(string(domain.TaskFailed))

		if err := s.notifier.Text(ctx, rec.ChatID, "Generation failed and credits were returned."); err != nil {
			utils.Debug("notify failed", "request_id", rec.RequestID, "error", err.Error())
		}
	}
}

// Package worker runs the generation pipeline: the worker pool that drains
// the task queue, the periodic sweeper and the payment reconciler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vetrovp/genforge/internal/backend"
	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/notify"
	"github.com/vetrovp/genforge/internal/queue"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

const (
	// idlePoll is how long a worker sleeps when the queue is empty.
	idlePoll = time.Second
	// saturationPark is how long a worker parks after pushing a task back
	// because no GPU slot was free.
	saturationPark = 5 * time.Second
)

// Pool manages the generation workers that drain the task queue.
type Pool struct {
	cfg      *config.Config
	tasks    *queue.TaskQueue
	gpu      *queue.GPUSemaphore
	state    *queue.ChatState
	repos    *repository.Repositories
	invoker  backend.Invoker
	notifier notify.Notifier
	metrics  *utils.MetricsCollector

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewPool creates a worker pool.
func NewPool(cfg *config.Config, tasks *queue.TaskQueue, gpu *queue.GPUSemaphore, state *queue.ChatState, repos *repository.Repositories, invoker backend.Invoker, notifier notify.Notifier, metrics *utils.MetricsCollector) *Pool {
	return &Pool{
		cfg:      cfg,
		tasks:    tasks,
		gpu:      gpu,
		state:    state,
		repos:    repos,
		invoker:  invoker,
		notifier: notifier,
		metrics:  metrics,
		quit:     make(chan struct{}),
	}
}

// Start launches numWorkers polling goroutines.
func (p *Pool) Start(numWorkers int) {
	utils.Info("starting worker pool", slog.Int("num_workers", numWorkers))
	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.run(i + 1)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish or ctx
// to expire.
func (p *Pool) Stop(ctx context.Context) error {
	utils.Info("stopping worker pool")
	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		utils.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		utils.Warn("worker pool shutdown timed out")
		return ctx.Err()
	}
}

// run is one worker's poll loop.
func (p *Pool) run(id int) {
	defer p.wg.Done()
	utils.Info("worker started", slog.Int("worker_id", id))

	ctx := context.Background()
	for {
		select {
		case <-p.quit:
			utils.Info("worker stopped", slog.Int("worker_id", id))
			return
		default:
		}

		rec, ok, err := p.tasks.Dequeue(ctx)
		if err != nil {
			utils.LogError(err, "", "worker_dequeue", "worker_id", id)
			p.sleep(idlePoll)
			continue
		}
		if !ok {
			p.sleep(idlePoll)
			continue
		}

		if park := p.process(ctx, rec); park > 0 {
			p.sleep(park)
		}
	}
}

// sleep waits for d unless the pool is stopping.
func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.quit:
	case <-time.After(d):
	}
}

// process drives one dequeued task to a terminal state. A non-zero return
// asks the loop to park before polling again.
func (p *Pool) process(ctx context.Context, rec *domain.TaskRecord) time.Duration {
	// The user may have cancelled while the task sat in the queue.
	if cancelled, err := p.isCancelled(ctx, rec.RequestID); err != nil {
		return p.parkAfterError(ctx, rec, err, "worker_status_check")
	} else if cancelled {
		p.finishCancelled(ctx, rec, true)
		p.releaseSlots(ctx, rec)
		return 0
	}

	got, err := p.gpu.Acquire(ctx, rec.RequestID)
	if err != nil {
		return p.parkAfterError(ctx, rec, err, "worker_gpu_acquire")
	}
	if !got {
		// All slots busy. Park the task back at the head so it keeps its
		// place, then back off before polling again.
		if err := p.tasks.RequeueHead(ctx, rec.RequestID); err != nil {
			utils.LogError(err, "", "worker_requeue", "request_id", rec.RequestID)
		}
		return saturationPark
	}
	defer p.releaseSlots(ctx, rec)

	if active, err := p.gpu.Active(ctx); err == nil {
		p.metrics.SetGPUActiveJobs(active)
	}

	// Moving to processing fails if the status changed under us, which
	// doubles as the pre-invocation cancellation checkpoint. A store
	// error here is a failure, not a cancellation: the refund must still
	// happen and the user must not be told they cancelled anything.
	if err := p.tasks.SetStatus(ctx, rec.RequestID, domain.TaskProcessing); err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) || errors.Is(err, domain.ErrNotFound) {
			p.finishCancelled(ctx, rec, true)
			return 0
		}
		p.finishFailed(ctx, rec, err)
		return 0
	}
	p.mirrorStatus(ctx, rec.RequestID, domain.TaskProcessing)

	timeout := p.cfg.GenerationTimeout()
	if rec.Job.Kind.IsVideo() {
		timeout *= 2
	}
	invokeCtx, cancel := context.WithTimeout(ctx, timeout)
	result, invokeErr := p.invoker.Invoke(invokeCtx, rec.Tariff, rec.Job)
	cancel()

	// Post-invocation checkpoint: a cancellation that landed while the
	// model ran wins, and the result is discarded.
	if cancelled, err := p.isCancelled(ctx, rec.RequestID); err != nil {
		utils.LogError(err, "", "worker_status_check", "request_id", rec.RequestID)
	} else if cancelled {
		p.finishCancelled(ctx, rec, false)
		return 0
	}

	if invokeErr != nil {
		p.finishFailed(ctx, rec, invokeErr)
		return 0
	}
	p.finishCompleted(ctx, rec, result)
	return 0
}

// parkAfterError returns a popped task to the head of the queue so a
// transient store error never strands it in limbo, then asks the loop to
// back off before the next poll.
func (p *Pool) parkAfterError(ctx context.Context, rec *domain.TaskRecord, err error, op string) time.Duration {
	utils.LogError(err, "", op, "request_id", rec.RequestID)
	if rerr := p.tasks.RequeueHead(ctx, rec.RequestID); rerr != nil {
		utils.LogError(rerr, "", "worker_requeue", "request_id", rec.RequestID)
	}
	return saturationPark
}

// isCancelled reports whether the task reached cancelled status. A missing
// record counts as cancelled; there is nothing left to run for it.
func (p *Pool) isCancelled(ctx context.Context, requestID string) (bool, error) {
	status, found, err := p.tasks.Status(ctx, requestID)
	if err != nil {
		return false, err
	}
	if !found {
		return true, nil
	}
	return status == domain.TaskCancelled, nil
}

// releaseSlots frees the GPU slot and the user's single-flight lock.
func (p *Pool) releaseSlots(ctx context.Context, rec *domain.TaskRecord) {
	if err := p.gpu.Release(ctx, rec.RequestID); err != nil {
		utils.LogError(err, "", "worker_gpu_release", "request_id", rec.RequestID)
	}
	if err := p.tasks.ReleaseActiveLock(ctx, rec.TelegramID); err != nil {
		utils.LogError(err, "", "worker_lock_release", "request_id", rec.RequestID)
	}
	if active, err := p.gpu.Active(ctx); err == nil {
		p.metrics.SetGPUActiveJobs(active)
	}
	if depth, err := p.tasks.Depth(ctx); err == nil {
		p.metrics.SetQueueDepth(depth)
	}
}

// refund returns the task's cost via the ledger. The fixed refund
// reference makes retries and duplicate paths collapse into one credit.
func (p *Pool) refund(ctx context.Context, rec *domain.TaskRecord) {
	if rec.IsAdmin {
		return
	}
	applied, err := p.repos.Ledger.Credit(ctx, rec.UserID, rec.Cost, domain.ReasonRefund, domain.RefundReference(rec.RequestID))
	if err != nil {
		utils.LogError(err, "", "worker_refund", "request_id", rec.RequestID)
		return
	}
	if applied {
		p.metrics.RecordRefund()
	}
}

// finishCancelled handles a task whose cancellation won the race. markStatus
// is false when the record already carries the cancelled status.
func (p *Pool) finishCancelled(ctx context.Context, rec *domain.TaskRecord, markStatus bool) {
	if markStatus {
		if err := p.tasks.SetStatus(ctx, rec.RequestID, domain.TaskCancelled); err != nil {
			utils.Debug("cancel status already set", "request_id", rec.RequestID)
		}
	}
	p.refund(ctx, rec)
	p.mirrorStatus(ctx, rec.RequestID, domain.TaskCancelled)
	p.metrics.RecordJobProcessed(string(domain.TaskCancelled))

	if err := p.notifier.Text(ctx, rec.ChatID, "Generation cancelled, credits returned."); err != nil {
		utils.Debug("notify failed", "request_id", rec.RequestID, "error", err.Error())
	}
	utils.Info("task cancelled", "request_id", rec.RequestID)
}

// finishFailed marks the task failed, refunds and tells the user what
// happened in their terms.
func (p *Pool) finishFailed(ctx context.Context, rec *domain.TaskRecord, cause error) {
	if err := p.tasks.SetStatus(ctx, rec.RequestID, domain.TaskFailed); err != nil {
		utils.LogError(err, "", "worker_mark_failed", "request_id", rec.RequestID)
	}
	p.refund(ctx, rec)
	p.mirrorStatus(ctx, rec.RequestID, domain.TaskFailed)
	p.metrics.RecordJobProcessed(string(domain.TaskFailed))

	kind := domain.ClassifyBackendError(cause)
	traceID := utils.LogError(cause, "", "generation_failed", "request_id", rec.RequestID, "kind", string(kind))
	if err := p.notifier.Text(ctx, rec.ChatID, failureMessage(kind, traceID)); err != nil {
		utils.Debug("notify failed", "request_id", rec.RequestID, "error", err.Error())
	}
}

// failureMessage renders a user-facing explanation. Never includes the
// underlying error text, only an opaque reference.
func failureMessage(kind domain.BackendErrorKind, traceID string) string {
	switch kind {
	case domain.BackendTimeout:
		return fmt.Sprintf("Generation took too long and was stopped. Credits returned. Ref: %s", traceID)
	case domain.BackendRejected:
		return fmt.Sprintf("The model could not work with this input. Credits returned. Ref: %s", traceID)
	case domain.BackendProducedInvalid:
		return fmt.Sprintf("The result did not pass validation. Credits returned. Ref: %s", traceID)
	default:
		return fmt.Sprintf("Generation failed. Credits returned. Ref: %s", traceID)
	}
}

// finishCompleted delivers the result and completes the task.
func (p *Pool) finishCompleted(ctx context.Context, rec *domain.TaskRecord, result *backend.Result) {
	if err := p.tasks.SetStatus(ctx, rec.RequestID, domain.TaskCompleted); err != nil {
		utils.LogError(err, "", "worker_mark_completed", "request_id", rec.RequestID)
	}
	p.mirrorStatus(ctx, rec.RequestID, domain.TaskCompleted)
	p.metrics.RecordJobProcessed(string(domain.TaskCompleted))

	p.deliver(ctx, rec, result)
	p.cacheLastJob(ctx, rec)
	utils.Info("task completed", "request_id", rec.RequestID, "media", string(result.Kind))
}

// deliver sends the artifact. Images go twice: compressed for preview and
// as a document for full quality.
func (p *Pool) deliver(ctx context.Context, rec *domain.TaskRecord, result *backend.Result) {
	var err error
	switch result.Kind {
	case backend.MediaVideo:
		err = p.notifier.Video(ctx, rec.ChatID, "", result.Data)
	default:
		if err = p.notifier.Photo(ctx, rec.ChatID, "", result.Data); err == nil {
			err = p.notifier.Document(ctx, rec.ChatID, "", "result.png", result.Data)
		}
	}
	if err != nil {
		utils.LogError(err, "", "worker_deliver", "request_id", rec.RequestID)
	}
}

// cacheLastJob remembers the job parameters for the repeat shortcut.
func (p *Pool) cacheLastJob(ctx context.Context, rec *domain.TaskRecord) {
	last := &domain.LastJob{Prompt: rec.Job.Prompt()}
	if rec.Job.Edit != nil {
		last.AspectRatio = rec.Job.Edit.AspectRatio
		last.ImageFileIDs = rec.Job.Edit.ImageFileIDs
	}
	if rec.Job.Generate != nil {
		last.AspectRatio = rec.Job.Generate.AspectRatio
	}
	if err := p.state.SetLastJob(ctx, rec.TelegramID, last); err != nil {
		utils.Debug("failed to cache last job", "request_id", rec.RequestID, "error", err.Error())
	}
}

// mirrorStatus updates the relational history row; best-effort.
func (p *Pool) mirrorStatus(ctx context.Context, requestID string, status domain.TaskStatus) {
	if err := p.repos.Generations.SetStatus(ctx, requestID, string(status)); err != nil {
		utils.Debug("failed to mirror generation status", "request_id", requestID, "error", err.Error())
	}
}

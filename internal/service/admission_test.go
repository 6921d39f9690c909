package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/queue"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

func newTestQueue(t *testing.T, maxPerUser, maxGlobal int64) *queue.TaskQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := repository.NewStoreFromClient(client)
	return queue.NewTaskQueue(store, maxPerUser, maxGlobal, 5*time.Minute)
}

func newAdmission(t *testing.T, maxPerUser, maxGlobal int64) (*AdmissionServiceImpl, *repository.Repositories, *fakeUsersRepo, *fakeLedgerRepo, *queue.TaskQueue) {
	t.Helper()
	repos, users, ledger := newFakeRepositories()
	tasks := newTestQueue(t, maxPerUser, maxGlobal)
	svc := NewAdmissionService(&config.Config{}, repos, tasks, utils.NewMetricsCollector()).(*AdmissionServiceImpl)
	return svc, repos, users, ledger, tasks
}

func imageRequest(telegramID int64) *SubmitRequest {
	return &SubmitRequest{
		TelegramID: telegramID,
		ChatID:     telegramID,
		Tariff:     "nano_banana_pro",
		Job: domain.Job{
			Kind:     domain.JobGenerateImage,
			Generate: &domain.GenerateImageJob{Prompt: "a lighthouse"},
		},
	}
}

func TestSubmitChargesAndEnqueues(t *testing.T) {
	svc, repos, users, _, tasks := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	res, err := svc.Submit(ctx, imageRequest(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Position != 0 || res.Cost != 19 {
		t.Errorf("result = %+v, want 0 tasks ahead and cost 19", res)
	}

	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 81 {
		t.Errorf("balance = %d, want 81", u.Balance)
	}

	rec, ok, err := tasks.Get(ctx, res.RequestID)
	if err != nil || !ok {
		t.Fatalf("task record: ok=%v err=%v", ok, err)
	}
	if rec.Status != domain.TaskQueued || rec.Cost != 19 {
		t.Errorf("record = %+v", rec)
	}

	if _, err := repos.Generations.GetByRequestID(ctx, res.RequestID); err != nil {
		t.Errorf("history mirror missing: %v", err)
	}
}

func TestSubmitInsufficientBalance(t *testing.T) {
	svc, _, users, ledger, tasks := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 5})

	_, err := svc.Submit(ctx, imageRequest(7))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 5 {
		t.Errorf("balance = %d, want untouched 5", u.Balance)
	}
	if n := ledger.countByReason(domain.ReasonGeneration); n != 0 {
		t.Errorf("generation debits = %d, want 0", n)
	}
	if _, ok, _ := tasks.ActiveRequest(ctx, 7); ok {
		t.Error("no lock should be held after rejection")
	}
}

func TestSubmitBannedUser(t *testing.T) {
	svc, _, users, _, _ := newAdmission(t, 3, 100)
	users.add(&domain.User{TelegramID: 7, Balance: 100, IsBanned: true})

	if _, err := svc.Submit(context.Background(), imageRequest(7)); !errors.Is(err, domain.ErrBanned) {
		t.Fatalf("expected ErrBanned, got %v", err)
	}
}

func TestSubmitUnknownTariff(t *testing.T) {
	svc, _, users, _, _ := newAdmission(t, 3, 100)
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	req := imageRequest(7)
	req.Tariff = "nonexistent"
	if _, err := svc.Submit(context.Background(), req); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmitSecondWhileActiveRefunds(t *testing.T) {
	svc, _, users, ledger, _ := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	if _, err := svc.Submit(ctx, imageRequest(7)); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := svc.Submit(ctx, imageRequest(7))
	if !errors.Is(err, domain.ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}

	// Only the first charge sticks; the second was compensated.
	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 81 {
		t.Errorf("balance = %d, want 81", u.Balance)
	}
	if n := ledger.countByReason(domain.ReasonRefund); n != 1 {
		t.Errorf("refunds = %d, want 1", n)
	}
}

func TestSubmitGlobalQueueFullUnwindsEverything(t *testing.T) {
	svc, _, users, ledger, tasks := newAdmission(t, 3, 0)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	_, err := svc.Submit(ctx, imageRequest(7))
	if !errors.Is(err, domain.ErrGlobalQueueFull) {
		t.Fatalf("expected ErrGlobalQueueFull, got %v", err)
	}

	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 100 {
		t.Errorf("balance = %d, want restored 100", u.Balance)
	}
	if n := ledger.countByReason(domain.ReasonRefund); n != 1 {
		t.Errorf("refunds = %d, want 1", n)
	}
	if _, ok, _ := tasks.ActiveRequest(ctx, 7); ok {
		t.Error("active lock must be released on unwind")
	}
	// The per-user slot was compensated too.
	if err := tasks.ReserveUserSlot(ctx, 7); err != nil {
		t.Errorf("user slot should be free: %v", err)
	}
}

func TestSubmitAdminSkipsCharge(t *testing.T) {
	svc, _, users, ledger, _ := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 0, IsAdmin: true})

	res, err := svc.Submit(ctx, imageRequest(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Cost != 19 {
		t.Errorf("cost = %d, want 19", res.Cost)
	}
	if n := ledger.countByReason(domain.ReasonGeneration); n != 0 {
		t.Errorf("admin must not be charged, got %d debits", n)
	}
}

func TestCancelQueuedRefundsAndUnlocks(t *testing.T) {
	svc, repos, users, _, tasks := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	res, err := svc.Submit(ctx, imageRequest(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	out, err := svc.Cancel(ctx, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !out.Immediate || !out.Refunded || out.RequestID != res.RequestID {
		t.Errorf("cancel result = %+v", out)
	}

	u, _ := users.GetByTelegramID(ctx, 7)
	if u.Balance != 100 {
		t.Errorf("balance = %d, want restored 100", u.Balance)
	}
	status, _, err := tasks.Status(ctx, res.RequestID)
	if err != nil || status != domain.TaskCancelled {
		t.Errorf("status = %s err=%v, want cancelled", status, err)
	}
	if _, ok, _ := tasks.ActiveRequest(ctx, 7); ok {
		t.Error("lock must be released after queued cancel")
	}
	g, err := repos.Generations.GetByRequestID(ctx, res.RequestID)
	if err != nil || g.Status != string(domain.TaskCancelled) {
		t.Errorf("mirror status = %v err=%v", g, err)
	}

	// A fresh submission goes through immediately.
	if _, err := svc.Submit(ctx, imageRequest(7)); err != nil {
		t.Errorf("resubmit after cancel: %v", err)
	}
}

func TestCancelProcessingOnlyMarks(t *testing.T) {
	svc, _, users, ledger, tasks := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	res, err := svc.Submit(ctx, imageRequest(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := tasks.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := tasks.SetStatus(ctx, res.RequestID, domain.TaskProcessing); err != nil {
		t.Fatalf("set processing: %v", err)
	}

	out, err := svc.Cancel(ctx, 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Immediate || out.Refunded {
		t.Errorf("processing cancel must defer cleanup to the worker: %+v", out)
	}

	status, _, _ := tasks.Status(ctx, res.RequestID)
	if status != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}
	// Refund and unlock belong to the worker's checkpoint, not here.
	if n := ledger.countByReason(domain.ReasonRefund); n != 0 {
		t.Errorf("refunds = %d, want 0", n)
	}
	if _, ok, _ := tasks.ActiveRequest(ctx, 7); !ok {
		t.Error("lock must stay held until the worker cleans up")
	}
}

func TestCancelFinishedTaskIsNoop(t *testing.T) {
	svc, _, users, ledger, tasks := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	res, err := svc.Submit(ctx, imageRequest(7))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A fast worker runs the task to completion before the lock is gone.
	if _, _, err := tasks.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := tasks.SetStatus(ctx, res.RequestID, domain.TaskProcessing); err != nil {
		t.Fatalf("set processing: %v", err)
	}
	if err := tasks.SetStatus(ctx, res.RequestID, domain.TaskCompleted); err != nil {
		t.Fatalf("set completed: %v", err)
	}

	out, err := svc.Cancel(ctx, 7)
	if err != nil {
		t.Fatalf("cancel on a finished task must not error: %v", err)
	}
	if out.Immediate || out.Refunded {
		t.Errorf("cancel result = %+v, want a plain no-op", out)
	}

	status, _, _ := tasks.Status(ctx, res.RequestID)
	if status != domain.TaskCompleted {
		t.Errorf("status = %s, a finished task must stay completed", status)
	}
	if n := ledger.countByReason(domain.ReasonRefund); n != 0 {
		t.Errorf("refunds = %d, a completed task is never refunded", n)
	}
	// The stale lock is cleaned up so the user can submit again.
	if _, ok, _ := tasks.ActiveRequest(ctx, 7); ok {
		t.Error("lock must be released by the no-op cancel")
	}
}

func TestCancelWithoutActiveTask(t *testing.T) {
	svc, _, users, _, _ := newAdmission(t, 3, 100)
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	out, err := svc.Cancel(context.Background(), 7)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.RequestID != "" || out.Immediate || out.Refunded {
		t.Errorf("cancel with nothing active = %+v, want zero result", out)
	}
}

func TestActiveStatus(t *testing.T) {
	svc, _, users, _, _ := newAdmission(t, 3, 100)
	ctx := context.Background()
	users.add(&domain.User{TelegramID: 7, Balance: 100})

	if _, ok, err := svc.ActiveStatus(ctx, 7); err != nil || ok {
		t.Fatalf("idle user: ok=%v err=%v", ok, err)
	}

	if _, err := svc.Submit(ctx, imageRequest(7)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	status, ok, err := svc.ActiveStatus(ctx, 7)
	if err != nil || !ok || status != domain.TaskQueued {
		t.Errorf("status = %s ok=%v err=%v, want queued", status, ok, err)
	}
}

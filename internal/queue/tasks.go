package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/utils"
)

// taskTTL bounds how long a task record can linger. A record that expires
// before its queue entry is popped is treated as abandoned and skipped.
const taskTTL = time.Hour

// TaskQueue manages the global FIFO of generation tasks and the admission
// counters guarding it.
type TaskQueue struct {
	store      *repository.Store
	maxPerUser int64
	maxGlobal  int64
	lockTTL    time.Duration
}

// NewTaskQueue creates a task queue with the given admission limits.
func NewTaskQueue(store *repository.Store, maxPerUser, maxGlobal int64, lockTTL time.Duration) *TaskQueue {
	return &TaskQueue{
		store:      store,
		maxPerUser: maxPerUser,
		maxGlobal:  maxGlobal,
		lockTTL:    lockTTL,
	}
}

// AcquireActiveLock takes the per-user single-flight lock. It fails with
// ErrAlreadyActive when the user already has a generation in flight. The
// TTL makes the lock self-releasing if the owner crashes.
func (q *TaskQueue) AcquireActiveLock(ctx context.Context, telegramID int64, requestID string) error {
	ok, err := q.store.SetIfAbsent(ctx, activeGenKey(telegramID), requestID, q.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire active lock: %w", err)
	}
	if !ok {
		return domain.ErrAlreadyActive
	}
	return nil
}

// ReleaseActiveLock drops the per-user single-flight lock.
func (q *TaskQueue) ReleaseActiveLock(ctx context.Context, telegramID int64) error {
	return q.store.Del(ctx, activeGenKey(telegramID))
}

// ActiveRequest returns the request id currently holding the user's lock.
func (q *TaskQueue) ActiveRequest(ctx context.Context, telegramID int64) (string, bool, error) {
	return q.store.Get(ctx, activeGenKey(telegramID))
}

// ReserveUserSlot counts one more queued task for the user, rejecting with
// ErrUserQueueFull past the per-user cap. The counter carries a TTL so a
// lost decrement heals itself instead of locking the user out forever.
func (q *TaskQueue) ReserveUserSlot(ctx context.Context, telegramID int64) error {
	n, err := q.store.IncrWithTTL(ctx, userQueueCountKey(telegramID), taskTTL)
	if err != nil {
		return fmt.Errorf("reserve user slot: %w", err)
	}
	if n > q.maxPerUser {
		if derr := q.store.DecrFloor(ctx, userQueueCountKey(telegramID)); derr != nil {
			utils.Warn("failed to roll back user slot", "telegram_id", telegramID, "error", derr.Error())
		}
		return domain.ErrUserQueueFull
	}
	return nil
}

// ReleaseUserSlot returns one queued-task slot to the user.
func (q *TaskQueue) ReleaseUserSlot(ctx context.Context, telegramID int64) error {
	return q.store.DecrFloor(ctx, userQueueCountKey(telegramID))
}

// Enqueue persists the task record and appends it to the global queue,
// returning the number of tasks ahead of it (0 = next to run). It fails
// with ErrGlobalQueueFull when the backlog cap is reached; the caller
// unwinds its reservations.
func (q *TaskQueue) Enqueue(ctx context.Context, rec *domain.TaskRecord) (int64, error) {
	depth, err := q.store.Len(ctx, taskQueueKey)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	if depth >= q.maxGlobal {
		return 0, domain.ErrGlobalQueueFull
	}

	rec.Status = domain.TaskQueued
	if err := q.putRecord(ctx, rec); err != nil {
		return 0, err
	}
	if err := q.store.PushTail(ctx, taskQueueKey, rec.RequestID); err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return depth, nil
}

// Dequeue pops the next task. Entries whose record expired are skipped.
// The popped user's queued-task slot is released here, not at completion,
// so a long-running job does not block the user's next submission slot.
func (q *TaskQueue) Dequeue(ctx context.Context) (*domain.TaskRecord, bool, error) {
	for {
		requestID, ok, err := q.store.PopHead(ctx, taskQueueKey)
		if err != nil || !ok {
			return nil, false, err
		}

		rec, found, err := q.Get(ctx, requestID)
		if err != nil {
			return nil, false, err
		}
		if !found {
			utils.Warn("dropping queue entry with expired record", "request_id", requestID)
			continue
		}

		if err := q.ReleaseUserSlot(ctx, rec.TelegramID); err != nil {
			utils.Warn("failed to release user slot", "telegram_id", rec.TelegramID, "error", err.Error())
		}
		return rec, true, nil
	}
}

// RequeueHead parks a task back at the front of the queue, preserving its
// position. Used when all GPU slots are busy.
func (q *TaskQueue) RequeueHead(ctx context.Context, requestID string) error {
	if err := q.store.PushHead(ctx, taskQueueKey, requestID); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return nil
}

// RemoveFromQueue removes a queued entry, reporting whether it was still
// in the list. A false return means a worker already popped it.
func (q *TaskQueue) RemoveFromQueue(ctx context.Context, requestID string) (bool, error) {
	return q.store.RemoveFirst(ctx, taskQueueKey, requestID)
}

// Depth returns the current global queue length.
func (q *TaskQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.Len(ctx, taskQueueKey)
}

// Get loads a task record. found is false when the record expired or
// never existed.
func (q *TaskQueue) Get(ctx context.Context, requestID string) (*domain.TaskRecord, bool, error) {
	raw, ok, err := q.store.Get(ctx, taskKey(requestID))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec domain.TaskRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt task record %s: %w", requestID, err)
	}
	return &rec, true, nil
}

// Status returns the current status of a task.
func (q *TaskQueue) Status(ctx context.Context, requestID string) (domain.TaskStatus, bool, error) {
	rec, ok, err := q.Get(ctx, requestID)
	if err != nil || !ok {
		return "", false, err
	}
	return rec.Status, true, nil
}

// SetStatus moves a task to the next status, enforcing the lifecycle
// graph. Transitions out of a terminal status and other illegal moves are
// rejected. Entering processing stamps StartedAt for the stuck-task reaper.
func (q *TaskQueue) SetStatus(ctx context.Context, requestID string, next domain.TaskStatus) error {
	rec, ok, err := q.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotFound
	}
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s for %s", domain.ErrIllegalTransition, rec.Status, next, requestID)
	}

	rec.Status = next
	if next == domain.TaskProcessing {
		rec.StartedAt = time.Now().Unix()
	}
	return q.putRecord(ctx, rec)
}

// ScanRecords returns all live task records. Only the low-frequency
// sweeper uses this; nothing on the hot path scans.
func (q *TaskQueue) ScanRecords(ctx context.Context) ([]*domain.TaskRecord, error) {
	keys, err := q.store.ScanKeys(ctx, "task:*")
	if err != nil {
		return nil, fmt.Errorf("scan task records: %w", err)
	}
	recs := make([]*domain.TaskRecord, 0, len(keys))
	for _, key := range keys {
		rec, ok, err := q.Get(ctx, strings.TrimPrefix(key, "task:"))
		if err != nil {
			utils.Warn("skipping unreadable task record", "key", key, "error", err.Error())
			continue
		}
		if ok {
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

func (q *TaskQueue) putRecord(ctx context.Context, rec *domain.TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	if err := q.store.Set(ctx, taskKey(rec.RequestID), string(raw), taskTTL); err != nil {
		return fmt.Errorf("store task record: %w", err)
	}
	return nil
}

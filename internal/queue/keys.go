// Package queue implements the shared-store coordination layer: the global
// task queue, per-user admission counters, the GPU semaphore and the small
// chat-state caches. Everything here is keyed in one external store so any
// number of processes see the same state.
package queue

import "fmt"

// Key layout. All cross-process state lives under these keys.
const (
	// taskQueueKey is the single global FIFO list of request ids.
	taskQueueKey = "task_queue"
	// gpuActiveKey counts jobs currently holding a GPU slot.
	gpuActiveKey = "gpu:active_jobs"
)

// taskKey holds the serialized task record for a request id.
func taskKey(requestID string) string {
	return "task:" + requestID
}

// gpuJobKey marks a request as holding a GPU slot; its TTL bounds how long
// a crashed worker can pin the semaphore.
func gpuJobKey(requestID string) string {
	return "gpu:job:" + requestID
}

// userQueueCountKey counts a user's queued tasks.
func userQueueCountKey(telegramID int64) string {
	return fmt.Sprintf("user_queue_count:%d", telegramID)
}

// activeGenKey is the per-user single-flight lock: one generation in
// flight per Telegram account.
func activeGenKey(telegramID int64) string {
	return fmt.Sprintf("active_gen:%d", telegramID)
}

// fsmStateKey holds the user's current dialog state.
func fsmStateKey(telegramID int64) string {
	return fmt.Sprintf("fsm:state:%d", telegramID)
}

// fsmDataKey holds the opaque payload the front-end keeps alongside the
// dialog state.
func fsmDataKey(telegramID int64) string {
	return fmt.Sprintf("fsm:data:%d", telegramID)
}

// mediaGroupKey buffers photos of one Telegram media group.
func mediaGroupKey(telegramID int64, groupID string) string {
	return fmt.Sprintf("media_group:%d:%s", telegramID, groupID)
}

// mediaGroupFlushKey elects the one update that processes a buffered group.
func mediaGroupFlushKey(telegramID int64, groupID string) string {
	return fmt.Sprintf("media_group_flush:%d:%s", telegramID, groupID)
}

// lastJobKey caches the user's last finished job for the repeat shortcut.
func lastJobKey(telegramID int64) string {
	return fmt.Sprintf("last_job:%d", telegramID)
}

// rateKey counts actions of one kind in the current window.
func rateKey(kind string, telegramID int64) string {
	return fmt.Sprintf("rate:%s:%d", kind, telegramID)
}

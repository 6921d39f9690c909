package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the state of a task record in the shared store.
type TaskStatus string

const (
	// TaskQueued means the task is waiting in the FIFO list.
	TaskQueued TaskStatus = "queued"
	// TaskProcessing means a worker holds the task and the GPU slot.
	TaskProcessing TaskStatus = "processing"
	// TaskCompleted is terminal: the result was produced and delivered.
	TaskCompleted TaskStatus = "completed"
	// TaskFailed is terminal: the backend failed and credits were refunded.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled is terminal: the user cancelled before completion.
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is absorbing.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the status DAG permits moving to next.
// queued -> {processing, cancelled}; processing -> {completed, failed,
// cancelled}; terminal states are absorbing.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskQueued:
		return next == TaskProcessing || next == TaskCancelled
	case TaskProcessing:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	}
	return false
}

// JobKind discriminates the task payload variants.
type JobKind string

const (
	// JobEditImage edits one or more input images according to a prompt.
	JobEditImage JobKind = "edit_image"
	// JobGenerateImage synthesizes an image from a prompt alone.
	JobGenerateImage JobKind = "generate_image"
	// JobAnimatePhoto turns a single photo into a short video clip.
	JobAnimatePhoto JobKind = "animate_photo"
	// JobGenerateVideo produces a video from a prompt and start frame.
	JobGenerateVideo JobKind = "generate_video"
)

// IsVideo reports whether the kind produces video output. Video-class jobs
// get double the generation timeout budget.
func (k JobKind) IsVideo() bool {
	return k == JobAnimatePhoto || k == JobGenerateVideo
}

// EditImageJob carries the inputs for an image edit.
// Images are hex-encoded; albums carry up to 8 entries.
type EditImageJob struct {
	Prompt       string   `json:"prompt"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	ImagesHex    []string `json:"images_hex,omitempty"`
	ImageFileIDs []string `json:"image_file_ids,omitempty"`
}

// GenerateImageJob carries the inputs for pure text-to-image synthesis.
type GenerateImageJob struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// AnimatePhotoJob carries the inputs for photo animation.
type AnimatePhotoJob struct {
	Prompt   string `json:"prompt,omitempty"`
	ImageHex string `json:"image_hex"`
}

// GenerateVideoJob carries the inputs for video generation.
type GenerateVideoJob struct {
	Prompt      string `json:"prompt"`
	ImageHex    string `json:"image_hex,omitempty"`
	DurationSec int    `json:"duration_sec"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
}

// Job is a tagged union of the payload variants; exactly the field matching
// Kind is populated.
type Job struct {
	Kind     JobKind           `json:"kind"`
	Edit     *EditImageJob     `json:"edit,omitempty"`
	Generate *GenerateImageJob `json:"generate,omitempty"`
	Animate  *AnimatePhotoJob  `json:"animate,omitempty"`
	Video    *GenerateVideoJob `json:"video,omitempty"`
}

// Validate checks that the variant matching Kind is set and the others are not.
func (j *Job) Validate() error {
	set := 0
	if j.Edit != nil {
		set++
	}
	if j.Generate != nil {
		set++
	}
	if j.Animate != nil {
		set++
	}
	if j.Video != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: job must carry exactly one variant, got %d", ErrInvalidInput, set)
	}

	var ok bool
	switch j.Kind {
	case JobEditImage:
		ok = j.Edit != nil
	case JobGenerateImage:
		ok = j.Generate != nil
	case JobAnimatePhoto:
		ok = j.Animate != nil
	case JobGenerateVideo:
		ok = j.Video != nil
	default:
		return fmt.Errorf("%w: unknown job kind %q", ErrInvalidInput, j.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: job variant does not match kind %q", ErrInvalidInput, j.Kind)
	}
	return nil
}

// Prompt returns the prompt of whichever variant is set.
func (j *Job) Prompt() string {
	switch {
	case j.Edit != nil:
		return j.Edit.Prompt
	case j.Generate != nil:
		return j.Generate.Prompt
	case j.Animate != nil:
		return j.Animate.Prompt
	case j.Video != nil:
		return j.Video.Prompt
	}
	return ""
}

// TaskRecord is the ephemeral per-job blob kept in the shared store under
// task:{request_id} with a one-hour TTL. It is created atomically with
// enqueue and mutated only by the worker and the cancellation path.
type TaskRecord struct {
	RequestID  string     `json:"request_id"`
	TelegramID int64      `json:"telegram_id"`
	UserID     int64      `json:"user_id"`
	ChatID     int64      `json:"chat_id"`
	IsAdmin    bool       `json:"is_admin"`
	Tariff     string     `json:"tariff"`
	Cost       int64      `json:"cost"`
	Status     TaskStatus `json:"status"`
	// StartedAt is set when the task enters processing; the stuck-task
	// reaper uses it to detect workers that died mid-job.
	StartedAt int64 `json:"started_at,omitempty"`
	Job       Job   `json:"job"`
}

// NewRequestID returns a fresh opaque request identifier; it doubles as the
// task id and the ledger idempotency reference for the debit.
func NewRequestID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Generation mirrors a task in the relational store for history and audit.
type Generation struct {
	ID          int64      `json:"id"`
	RequestID   string     `json:"request_id"`
	UserID      int64      `json:"user_id"`
	Tariff      string     `json:"tariff"`
	Prompt      string     `json:"prompt,omitempty"`
	Cost        int64      `json:"cost"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LastJob is the cached summary used by the "do it again" shortcut.
type LastJob struct {
	Prompt       string   `json:"prompt"`
	AspectRatio  string   `json:"aspect_ratio,omitempty"`
	ImageFileIDs []string `json:"image_file_ids,omitempty"`
}

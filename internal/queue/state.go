package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vetrovp/genforge/internal/domain"
	"github.com/vetrovp/genforge/internal/repository"
)

const (
	fsmTTL        = time.Hour
	mediaGroupTTL = 2 * time.Minute
	lastJobTTL    = 24 * time.Hour
	// maxMediaGroup caps how many photos of one album are buffered.
	maxMediaGroup = 8
)

// ChatState keeps the per-user dialog state and small caches in the shared
// store so a restart or a second instance picks up mid-dialog users.
type ChatState struct {
	store *repository.Store
}

// NewChatState creates a chat state accessor.
func NewChatState(store *repository.Store) *ChatState {
	return &ChatState{store: store}
}

// State returns the user's current dialog state, empty when none.
func (c *ChatState) State(ctx context.Context, telegramID int64) (string, error) {
	state, _, err := c.store.Get(ctx, fsmStateKey(telegramID))
	return state, err
}

// SetState stores the user's dialog state.
func (c *ChatState) SetState(ctx context.Context, telegramID int64, state string) error {
	return c.store.Set(ctx, fsmStateKey(telegramID), state, fsmTTL)
}

// ClearState drops the user's dialog state and its payload.
func (c *ChatState) ClearState(ctx context.Context, telegramID int64) error {
	return c.store.Del(ctx, fsmStateKey(telegramID), fsmDataKey(telegramID))
}

// StateData returns the opaque payload stored alongside the dialog state.
// The front-end owns its format; this layer never inspects it.
func (c *ChatState) StateData(ctx context.Context, telegramID int64) (string, error) {
	data, _, err := c.store.Get(ctx, fsmDataKey(telegramID))
	return data, err
}

// SetStateData stores the opaque dialog payload.
func (c *ChatState) SetStateData(ctx context.Context, telegramID int64, data string) error {
	return c.store.Set(ctx, fsmDataKey(telegramID), data, fsmTTL)
}

// BufferMediaItem appends one photo of a Telegram album to its buffer and
// returns the buffered count. Items past the cap are dropped.
func (c *ChatState) BufferMediaItem(ctx context.Context, telegramID int64, groupID, fileID string) (int64, error) {
	key := mediaGroupKey(telegramID, groupID)
	n, err := c.store.Len(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("media buffer: %w", err)
	}
	if n >= maxMediaGroup {
		return n, nil
	}
	if err := c.store.PushTail(ctx, key, fileID); err != nil {
		return 0, fmt.Errorf("media buffer: %w", err)
	}
	// Every write refreshes the TTL; an abandoned album drops out on its
	// own instead of lingering.
	if err := c.store.Expire(ctx, key, mediaGroupTTL); err != nil {
		return 0, fmt.Errorf("media buffer: %w", err)
	}
	return n + 1, nil
}

// ClaimMediaFlush elects exactly one caller to process a buffered album.
// Telegram sends album photos as separate updates with no terminator, so
// every update races to claim the flush after a short settle delay.
func (c *ChatState) ClaimMediaFlush(ctx context.Context, telegramID int64, groupID string) (bool, error) {
	return c.store.SetIfAbsent(ctx, mediaGroupFlushKey(telegramID, groupID), "1", mediaGroupTTL)
}

// DrainMediaGroup returns and clears all buffered photos of an album.
func (c *ChatState) DrainMediaGroup(ctx context.Context, telegramID int64, groupID string) ([]string, error) {
	key := mediaGroupKey(telegramID, groupID)
	var fileIDs []string
	for {
		id, ok, err := c.store.PopHead(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("media drain: %w", err)
		}
		if !ok {
			return fileIDs, nil
		}
		fileIDs = append(fileIDs, id)
	}
}

// SetLastJob caches the parameters of the user's last finished job.
func (c *ChatState) SetLastJob(ctx context.Context, telegramID int64, job *domain.LastJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal last job: %w", err)
	}
	return c.store.Set(ctx, lastJobKey(telegramID), string(raw), lastJobTTL)
}

// LastJob returns the cached last job, if any.
func (c *ChatState) LastJob(ctx context.Context, telegramID int64) (*domain.LastJob, bool, error) {
	raw, ok, err := c.store.Get(ctx, lastJobKey(telegramID))
	if err != nil || !ok {
		return nil, false, err
	}
	var job domain.LastJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("corrupt last job cache: %w", err)
	}
	return &job, true, nil
}

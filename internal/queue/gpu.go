package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vetrovp/genforge/internal/repository"
)

// gpuJobTTL bounds how long a crashed worker can pin a GPU slot. The
// per-job marker expires after this and the sweeper rebuilds the counter.
const gpuJobTTL = 15 * time.Minute

// acquireScript atomically checks capacity, bumps the active counter and
// drops a per-job marker. Returns 1 on success, 0 when saturated.
var acquireScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active >= tonumber(ARGV[1]) then
	return 0
end
redis.call('INCR', KEYS[1])
redis.call('SETEX', KEYS[2], ARGV[2], '1')
return 1
`)

// releaseScript decrements only when this job's marker still exists, which
// makes release idempotent: a double release or a release after the marker
// expired does not drive the counter below the truth.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	redis.call('DEL', KEYS[2])
	local v = redis.call('DECR', KEYS[1])
	if v < 0 then
		redis.call('SET', KEYS[1], '0')
	end
	return 1
end
return 0
`)

// GPUSemaphore is a distributed counting semaphore over the shared store,
// capping how many generation jobs run on the backend at once.
type GPUSemaphore struct {
	store *repository.Store
	max   int64
}

// NewGPUSemaphore creates a semaphore with the given capacity.
func NewGPUSemaphore(store *repository.Store, max int64) *GPUSemaphore {
	return &GPUSemaphore{store: store, max: max}
}

// Acquire tries to take a GPU slot for the request. It returns false
// without blocking when all slots are busy.
func (s *GPUSemaphore) Acquire(ctx context.Context, requestID string) (bool, error) {
	res, err := s.store.EvalAtomic(ctx, acquireScript,
		[]string{gpuActiveKey, gpuJobKey(requestID)},
		s.max, int64(gpuJobTTL.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("gpu acquire: %w", err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

// Release returns the request's GPU slot. Safe to call more than once.
func (s *GPUSemaphore) Release(ctx context.Context, requestID string) error {
	_, err := s.store.EvalAtomic(ctx, releaseScript,
		[]string{gpuActiveKey, gpuJobKey(requestID)},
	)
	if err != nil {
		return fmt.Errorf("gpu release: %w", err)
	}
	return nil
}

// Active returns the current number of held slots.
func (s *GPUSemaphore) Active(ctx context.Context) (int64, error) {
	return s.store.GetInt(ctx, gpuActiveKey)
}

// Rebuild recounts live per-job markers and resets the active counter to
// match. Run periodically, it heals drift left by crashed workers whose
// markers have expired.
func (s *GPUSemaphore) Rebuild(ctx context.Context) (int64, error) {
	keys, err := s.store.ScanKeys(ctx, "gpu:job:*")
	if err != nil {
		return 0, fmt.Errorf("gpu rebuild: %w", err)
	}
	live := int64(len(keys))
	if err := s.store.Set(ctx, gpuActiveKey, fmt.Sprintf("%d", live), 0); err != nil {
		return 0, fmt.Errorf("gpu rebuild: %w", err)
	}
	return live, nil
}

// HeldRequests lists the request ids currently holding a slot.
func (s *GPUSemaphore) HeldRequests(ctx context.Context) ([]string, error) {
	keys, err := s.store.ScanKeys(ctx, "gpu:job:*")
	if err != nil {
		return nil, fmt.Errorf("gpu held requests: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, "gpu:job:"))
	}
	return ids, nil
}

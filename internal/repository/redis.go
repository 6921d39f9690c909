package repository

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/vetrovp/genforge/internal/utils"
)

// Store wraps the shared key/value store with the typed primitives the
// queueing and locking layers are built on. All coordination between
// processes goes through these operations; no in-process shared memory
// is used.
type Store struct {
	client *redis.Client
}

// StoreConfig holds connection settings for the shared store.
type StoreConfig struct {
	URL        string
	TLSEnabled bool
}

// NewStore creates a store client and verifies connectivity.
func NewStore(cfg StoreConfig) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 250 * time.Millisecond
	if cfg.TLSEnabled && opts.TLSConfig == nil {
		// Managed Redis add-ons commonly present self-signed certs.
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	utils.Info("connected to redis", "tls", cfg.TLSEnabled || opts.TLSConfig != nil)
	return &Store{client: client}, nil
}

// NewStoreFromClient wraps an existing client; used by tests with miniredis.
func NewStoreFromClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close closes the store client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping tests connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// readBackoff is the retry policy for idempotent reads: 3 attempts,
// 250 ms base, factor 2, 20% jitter. Mutating operations fail fast.
func readBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

// retryRead runs an idempotent read with the standard backoff policy.
func retryRead[T any](ctx context.Context, op func() (T, error)) (T, error) {
	var out T
	err := backoff.Retry(func() error {
		v, err := op()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		out = v
		if errors.Is(err, redis.Nil) {
			return backoff.Permanent(err)
		}
		return nil
	}, readBackoff(ctx))
	return out, err
}

// Get retrieves a string value. ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (val string, ok bool, err error) {
	val, err = retryRead(ctx, func() (string, error) {
		return s.client.Get(ctx, key).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store get %q: %w", key, err)
	}
	return val, true, nil
}

// Set writes a value with a TTL. ttl <= 0 means no expiry.
func (s *Store) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("store set %q: %w", key, err)
	}
	return nil
}

// Del removes keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("store del: %w", err)
	}
	return nil
}

// SetIfAbsent writes a value only when the key does not exist yet.
func (s *Store) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("store setnx %q: %w", key, err)
	}
	return ok, nil
}

// IncrWithTTL increments a counter and refreshes its TTL in one pipeline,
// returning the new value.
func (s *Store) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("store incr %q: %w", key, err)
	}
	return incr.Val(), nil
}

// DecrFloor decrements a counter and deletes it once it reaches zero, so
// counters self-heal instead of drifting negative.
func (s *Store) DecrFloor(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Decr(ctx, key)
	get := pipe.Get(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store decr %q: %w", key, err)
	}
	if cur, err := get.Int64(); err == nil && cur <= 0 {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("store decr cleanup %q: %w", key, err)
		}
	}
	return nil
}

// GetInt reads an integer counter, treating a missing key as zero.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	val, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
		return 0, fmt.Errorf("store counter %q holds %q: %w", key, val, err)
	}
	return n, nil
}

// Expire sets or refreshes a key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("store expire %q: %w", key, err)
	}
	return nil
}

// PushTail appends an item to the end of a list.
func (s *Store) PushTail(ctx context.Context, list, item string) error {
	if err := s.client.RPush(ctx, list, item).Err(); err != nil {
		return fmt.Errorf("store rpush %q: %w", list, err)
	}
	return nil
}

// PushHead prepends an item to the front of a list; used to park a popped
// task back without losing its place.
func (s *Store) PushHead(ctx context.Context, list, item string) error {
	if err := s.client.LPush(ctx, list, item).Err(); err != nil {
		return fmt.Errorf("store lpush %q: %w", list, err)
	}
	return nil
}

// PopHead removes and returns the first list item. ok is false when the
// list is empty.
func (s *Store) PopHead(ctx context.Context, list string) (item string, ok bool, err error) {
	item, err = s.client.LPop(ctx, list).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store lpop %q: %w", list, err)
	}
	return item, true, nil
}

// Len returns the length of a list.
func (s *Store) Len(ctx context.Context, list string) (int64, error) {
	n, err := retryRead(ctx, func() (int64, error) {
		return s.client.LLen(ctx, list).Result()
	})
	if err != nil {
		return 0, fmt.Errorf("store llen %q: %w", list, err)
	}
	return n, nil
}

// RemoveFirst deletes the first occurrence of item from the list and
// reports whether anything was removed.
func (s *Store) RemoveFirst(ctx context.Context, list, item string) (bool, error) {
	n, err := s.client.LRem(ctx, list, 1, item).Result()
	if err != nil {
		return false, fmt.Errorf("store lrem %q: %w", list, err)
	}
	return n > 0, nil
}

// EvalAtomic runs a short server-side script atomically.
func (s *Store) EvalAtomic(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("store eval: %w", err)
	}
	return res, nil
}

// ScanKeys returns all keys matching the pattern. Used only by the
// low-frequency sweeper paths.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	return retryRead(ctx, func() ([]string, error) {
		var (
			cursor uint64
			keys   []string
		)
		for {
			batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return nil, err
			}
			keys = append(keys, batch...)
			cursor = next
			if cursor == 0 {
				return keys, nil
			}
		}
	})
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend implements Backend on Redis so several gateway instances can
// share buckets. Each bucket is a hash; Update is an optimistic
// WATCH/MULTI transaction retried when another writer touched the key.
type RedisBackend struct {
	rdb        redis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxRetries int
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithRedisPrefix sets the prefix prepended to every bucket key.
func WithRedisPrefix(prefix string) RedisOption {
	return func(b *RedisBackend) {
		b.prefix = strings.Trim(prefix, ":")
	}
}

// WithRedisTTL sets the idle expiry applied to bucket hashes. A bucket
// below capacity expires no earlier than when it has refilled. Zero
// disables expiry.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(b *RedisBackend) { b.ttl = d }
}

// WithRedisMaxRetries bounds the number of optimistic transaction attempts.
func WithRedisMaxRetries(n int) RedisOption {
	return func(b *RedisBackend) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

// NewRedisBackend wraps an existing client. The caller keeps ownership of rdb
// unless Close is called.
func NewRedisBackend(rdb redis.UniversalClient, opts ...RedisOption) *RedisBackend {
	b := &RedisBackend{
		rdb:        rdb,
		prefix:     "gatekeeper",
		ttl:        24 * time.Hour,
		maxRetries: 16,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ErrTooMuchContention is returned when Update lost every optimistic retry.
var ErrTooMuchContention = errors.New("bucket update retries exhausted")

const (
	fieldCapacity   = "capacity"
	fieldTokens     = "tokens"
	fieldRefillRate = "refill_rate"
	fieldLastRefill = "last_refill"
	fieldUpdatedAt  = "updated_at"
)

func (b *RedisBackend) redisKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}

// Update atomically applies fn to the bucket stored under key.
func (b *RedisBackend) Update(ctx context.Context, key string, fn UpdateFunc) (*BucketState, error) {
	if key == "" {
		return nil, newStorageError("redis", "update", errEmptyKey)
	}

	rk := b.redisKey(key)
	var (
		result *BucketState
		fnErr  error
	)

	txf := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, rk).Result()
		if err != nil {
			return err
		}
		current, err := decodeBucket(key, fields)
		if err != nil {
			return err
		}

		next, err := fn(current)
		if err != nil {
			fnErr = err
			return nil
		}
		if next == nil {
			result = current
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, rk,
				fieldCapacity, formatFloat(next.Capacity),
				fieldTokens, formatFloat(next.Tokens),
				fieldRefillRate, formatFloat(next.RefillRate),
				fieldLastRefill, next.LastRefill.UnixNano(),
				fieldUpdatedAt, next.UpdatedAt.UnixNano(),
			)
			if ttl, ok := b.expiry(next); ok {
				pipe.Expire(ctx, rk, ttl)
			} else {
				pipe.Persist(ctx, rk)
			}
			return nil
		})
		if err != nil {
			return err
		}

		result = next.Clone()
		result.Key = key
		return nil
	}

	for attempt := 0; attempt < b.maxRetries; attempt++ {
		fnErr = nil
		err := b.rdb.Watch(ctx, txf, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, newStorageError("redis", "update", err)
		}
		if fnErr != nil {
			return nil, fnErr
		}
		return result, nil
	}

	return nil, newStorageError("redis", "update", ErrTooMuchContention)
}

// expiry returns the TTL for a bucket written as next. ok is false when the
// hash must not expire.
func (b *RedisBackend) expiry(next *BucketState) (time.Duration, bool) {
	if b.ttl <= 0 {
		return 0, false
	}
	toFull, ok := next.TimeToFull()
	if !ok {
		return 0, false
	}
	if full := next.LastRefill.Add(toFull).Sub(next.UpdatedAt) + time.Second; full > b.ttl {
		return full, true
	}
	return b.ttl, true
}

// Load retrieves the bucket for key.
func (b *RedisBackend) Load(ctx context.Context, key string) (*BucketState, error) {
	fields, err := b.rdb.HGetAll(ctx, b.redisKey(key)).Result()
	if err != nil {
		return nil, newStorageError("redis", "load", err)
	}
	state, err := decodeBucket(key, fields)
	if err != nil {
		return nil, newStorageError("redis", "load", err)
	}
	return state, nil
}

// Delete removes the bucket for key.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, b.redisKey(key)).Err(); err != nil {
		return newStorageError("redis", "delete", err)
	}
	return nil
}

// Cleanup is a no-op; Redis expires idle buckets through their TTL.
func (b *RedisBackend) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	return 0, nil
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}

// Ping reports whether Redis is reachable.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func decodeBucket(key string, fields map[string]string) (*BucketState, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	state := &BucketState{Key: key}
	var err error
	if state.Capacity, err = parseFloatField(fields, fieldCapacity); err != nil {
		return nil, err
	}
	if state.Tokens, err = parseFloatField(fields, fieldTokens); err != nil {
		return nil, err
	}
	if state.RefillRate, err = parseFloatField(fields, fieldRefillRate); err != nil {
		return nil, err
	}
	lastRefill, err := strconv.ParseInt(fields[fieldLastRefill], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt field %s: %w", fieldLastRefill, err)
	}
	updatedAt, err := strconv.ParseInt(fields[fieldUpdatedAt], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt field %s: %w", fieldUpdatedAt, err)
	}
	state.LastRefill = time.Unix(0, lastRefill)
	state.UpdatedAt = time.Unix(0, updatedAt)
	return state, nil
}

func parseFloatField(fields map[string]string, name string) (float64, error) {
	v, err := strconv.ParseFloat(fields[name], 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt field %s: %w", name, err)
	}
	return v, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

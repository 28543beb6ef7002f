package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultCacheOpTimeout = 250 * time.Millisecond
	scanBatchSize         = 200
)

// CacheObserver receives cache lookup outcomes. MetricsService satisfies it.
type CacheObserver interface {
	RecordCacheOperation(hit bool, duration time.Duration)
	RecordCacheError(op string)
}

// CacheRepository is a failure-tolerant view of Redis. Transport errors never
// escape: every method logs them and returns the zero value of its result.
type CacheRepository struct {
	client    redis.UniversalClient
	logger    *zap.Logger
	opTimeout time.Duration
	observer  CacheObserver
}

// NewCacheRepository constructs a cache repository. A nil client yields a
// repository that always misses.
func NewCacheRepository(client redis.UniversalClient, logger *zap.Logger, opTimeout time.Duration, observer CacheObserver) *CacheRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opTimeout <= 0 {
		opTimeout = defaultCacheOpTimeout
	}
	return &CacheRepository{client: client, logger: logger, opTimeout: opTimeout, observer: observer}
}

func (r *CacheRepository) enabled() bool {
	return r != nil && r.client != nil
}

func (r *CacheRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *CacheRepository) fail(op, key string, err error) {
	r.logger.Warn("cache operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
	if r.observer != nil {
		r.observer.RecordCacheError(op)
	}
}

func (r *CacheRepository) lookup(hit bool, start time.Time) {
	if r.observer != nil {
		r.observer.RecordCacheOperation(hit, time.Since(start))
	}
}

// Get returns the raw string stored at key and whether it was present.
func (r *CacheRepository) Get(ctx context.Context, key string) (string, bool) {
	if !r.enabled() {
		return "", false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.fail("get", key, err)
		}
		r.lookup(false, start)
		return "", false
	}
	r.lookup(true, start)
	return val, true
}

// Set stores value at key. A non-positive ttl stores the key without expiry.
func (r *CacheRepository) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if !r.enabled() {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.fail("set", key, err)
		return false
	}
	return true
}

// Del removes the given keys and returns how many existed.
func (r *CacheRepository) Del(ctx context.Context, keys ...string) int64 {
	if !r.enabled() || len(keys) == 0 {
		return 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Del(ctx, keys...).Result()
	if err != nil {
		r.fail("del", keys[0], err)
		return 0
	}
	return n
}

// DelByPattern scans for keys matching pattern and deletes them in pipelined
// batches. It is not atomic with respect to concurrent writers.
func (r *CacheRepository) DelByPattern(ctx context.Context, pattern string) int64 {
	if !r.enabled() {
		return 0
	}

	var (
		cursor  uint64
		deleted int64
	)
	for {
		scanCtx, cancel := r.withTimeout(ctx)
		keys, next, err := r.client.Scan(scanCtx, cursor, pattern, scanBatchSize).Result()
		cancel()
		if err != nil {
			r.fail("scan", pattern, err)
			return deleted
		}

		if len(keys) > 0 {
			delCtx, cancel := r.withTimeout(ctx)
			pipe := r.client.Pipeline()
			for _, key := range keys {
				pipe.Del(delCtx, key)
			}
			cmds, err := pipe.Exec(delCtx)
			cancel()
			if err != nil {
				r.fail("del_pattern", pattern, err)
				return deleted
			}
			for _, cmd := range cmds {
				if intCmd, ok := cmd.(*redis.IntCmd); ok {
					deleted += intCmd.Val()
				}
			}
		}

		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// Exists reports whether key is present.
func (r *CacheRepository) Exists(ctx context.Context, key string) bool {
	if !r.enabled() {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.fail("exists", key, err)
		return false
	}
	return n > 0
}

// Expire sets a ttl on key.
func (r *CacheRepository) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	if !r.enabled() {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		r.fail("expire", key, err)
		return false
	}
	return ok
}

// TTL returns the remaining lifetime of key, or zero when the key is missing,
// has no expiry, or the lookup failed.
func (r *CacheRepository) TTL(ctx context.Context, key string) time.Duration {
	if !r.enabled() {
		return 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ttl, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		r.fail("ttl", key, err)
		return 0
	}
	if ttl < 0 {
		return 0
	}
	return ttl
}

// GetJSON decodes the value at key into dest and reports whether it did.
func (r *CacheRepository) GetJSON(ctx context.Context, key string, dest interface{}) bool {
	raw, ok := r.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		r.fail("get_json", key, err)
		return false
	}
	return true
}

// SetJSON encodes value and stores it with ttl.
func (r *CacheRepository) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	if !r.enabled() {
		return false
	}
	payload, err := json.Marshal(value)
	if err != nil {
		r.fail("set_json", key, err)
		return false
	}
	return r.Set(ctx, key, payload, ttl)
}

// SAdd adds members to the set at key and returns how many were new.
func (r *CacheRepository) SAdd(ctx context.Context, key string, members ...string) int64 {
	if !r.enabled() || len(members) == 0 {
		return 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.SAdd(ctx, key, toInterfaces(members)...).Result()
	if err != nil {
		r.fail("sadd", key, err)
		return 0
	}
	return n
}

// SRem removes members from the set at key.
func (r *CacheRepository) SRem(ctx context.Context, key string, members ...string) int64 {
	if !r.enabled() || len(members) == 0 {
		return 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.SRem(ctx, key, toInterfaces(members)...).Result()
	if err != nil {
		r.fail("srem", key, err)
		return 0
	}
	return n
}

// SIsMember reports whether member belongs to the set at key.
func (r *CacheRepository) SIsMember(ctx context.Context, key, member string) bool {
	if !r.enabled() {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		r.fail("sismember", key, err)
		return false
	}
	return ok
}

// SMembers lists the set at key. The result is never nil.
func (r *CacheRepository) SMembers(ctx context.Context, key string) []string {
	if !r.enabled() {
		return []string{}
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		r.fail("smembers", key, err)
		return []string{}
	}
	return members
}

// HSet writes field/value pairs into the hash at key.
func (r *CacheRepository) HSet(ctx context.Context, key string, values map[string]string) bool {
	if !r.enabled() || len(values) == 0 {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.HSet(ctx, key, values).Err(); err != nil {
		r.fail("hset", key, err)
		return false
	}
	return true
}

// HGet reads one field of the hash at key.
func (r *CacheRepository) HGet(ctx context.Context, key, field string) (string, bool) {
	if !r.enabled() {
		return "", false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	val, err := r.client.HGet(ctx, key, field).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.fail("hget", key, err)
		}
		return "", false
	}
	return val, true
}

// HGetAll reads the whole hash at key. The result is never nil.
func (r *CacheRepository) HGetAll(ctx context.Context, key string) map[string]string {
	if !r.enabled() {
		return map[string]string{}
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	values, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		r.fail("hgetall", key, err)
		return map[string]string{}
	}
	return values
}

// HDel removes fields from the hash at key.
func (r *CacheRepository) HDel(ctx context.Context, key string, fields ...string) int64 {
	if !r.enabled() || len(fields) == 0 {
		return 0
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.client.HDel(ctx, key, fields...).Result()
	if err != nil {
		r.fail("hdel", key, err)
		return 0
	}
	return n
}

// Ping reports whether Redis answered within the operation timeout.
func (r *CacheRepository) Ping(ctx context.Context) bool {
	if !r.enabled() {
		return false
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.fail("ping", "", err)
		return false
	}
	return true
}

// Close releases the underlying Redis connection if present.
func (r *CacheRepository) Close() error {
	if !r.enabled() {
		return nil
	}
	return r.client.Close()
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Package redisstore implements the shared job store on Redis.
//
// The queue is a single list consumed with BLPOP, which is the only
// mutual-exclusion mechanism the pipeline relies on: any number of worker
// processes can pop concurrently and each payload is delivered exactly once.
// Per-job state lives in hashes keyed by job ID.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/scrapeq/internal/crawl"
)

// DefaultKeyPrefix namespaces every key this service touches.
const DefaultKeyPrefix = "scrapeq"

// Config controls connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Store implements crawl.Store on a Redis client.
type Store struct {
	rdb    *redis.Client
	prefix string
}

// New constructs a Store with its own Redis client.
func New(cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{rdb: rdb, prefix: cfg.KeyPrefix}
}

// NewWithClient wraps an existing client, mainly for tests.
func NewWithClient(rdb *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

// PushTail appends to the normal lane with RPUSH.
func (s *Store) PushTail(ctx context.Context, payload []byte) error {
	if err := s.rdb.RPush(ctx, s.queueKey(), payload).Err(); err != nil {
		return s.wrap("rpush", err)
	}
	return nil
}

// PushHead prepends to the expedited lane with LPUSH.
func (s *Store) PushHead(ctx context.Context, payload []byte) error {
	if err := s.rdb.LPush(ctx, s.queueKey(), payload).Err(); err != nil {
		return s.wrap("lpush", err)
	}
	return nil
}

// PopBlocking runs BLPOP with the given timeout. Redis resolves the timeout
// at 100ms granularity; sub-100ms values are rounded up by the server.
func (s *Store) PopBlocking(ctx context.Context, timeout time.Duration) ([]byte, error) {
	vals, err := s.rdb.BLPop(ctx, timeout, s.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, crawl.ErrNoJob
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.wrap("blpop", err)
	}
	// BLPOP returns [key, value].
	if len(vals) != 2 {
		return nil, s.wrap("blpop", fmt.Errorf("unexpected reply length %d", len(vals)))
	}
	return []byte(vals[1]), nil
}

// ListQueue snapshots the queue head-first with LRANGE.
func (s *Store) ListQueue(ctx context.Context) ([][]byte, error) {
	vals, err := s.rdb.LRange(ctx, s.queueKey(), 0, -1).Result()
	if err != nil {
		return nil, s.wrap("lrange", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// QueueLen returns LLEN of the queue.
func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, s.wrap("llen", err)
	}
	return n, nil
}

// SetField writes one hash field with HSET.
func (s *Store) SetField(ctx context.Context, bucket crawl.Bucket, jobID string, payload []byte) error {
	if err := s.rdb.HSet(ctx, s.bucketKey(bucket), jobID, payload).Err(); err != nil {
		return s.wrap("hset", err)
	}
	return nil
}

// GetField reads one hash field with HGET.
func (s *Store) GetField(ctx context.Context, bucket crawl.Bucket, jobID string) ([]byte, error) {
	val, err := s.rdb.HGet(ctx, s.bucketKey(bucket), jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, crawl.ErrFieldMissing
		}
		return nil, s.wrap("hget", err)
	}
	return []byte(val), nil
}

// DeleteField removes one hash field with HDEL.
func (s *Store) DeleteField(ctx context.Context, bucket crawl.Bucket, jobID string) error {
	if err := s.rdb.HDel(ctx, s.bucketKey(bucket), jobID).Err(); err != nil {
		return s.wrap("hdel", err)
	}
	return nil
}

// FieldCount returns HLEN of a bucket.
func (s *Store) FieldCount(ctx context.Context, bucket crawl.Bucket) (int64, error) {
	n, err := s.rdb.HLen(ctx, s.bucketKey(bucket)).Result()
	if err != nil {
		return 0, s.wrap("hlen", err)
	}
	return n, nil
}

// IncrStat adds delta to a stats counter with HINCRBY.
func (s *Store) IncrStat(ctx context.Context, name string, delta int64) error {
	if err := s.rdb.HIncrBy(ctx, s.statsKey(), name, delta).Err(); err != nil {
		return s.wrap("hincrby", err)
	}
	return nil
}

// Stats reads every accumulated counter with HGETALL. Fields that fail to
// parse as integers are skipped rather than failing the whole read.
func (s *Store) Stats(ctx context.Context) (map[string]int64, error) {
	raw, err := s.rdb.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, s.wrap("hgetall", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, parseErr := strconv.ParseInt(v, 10, 64)
		if parseErr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

func (s *Store) queueKey() string {
	return s.prefix + ":jobs"
}

func (s *Store) statsKey() string {
	return s.prefix + ":stats"
}

func (s *Store) bucketKey(bucket crawl.Bucket) string {
	return s.prefix + ":" + string(bucket)
}

func (s *Store) wrap(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, crawl.ErrStoreUnavailable, err)
}

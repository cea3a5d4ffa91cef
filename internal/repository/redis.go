package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/models"
	"ledgerbridge/internal/syncerr"

	"github.com/redis/go-redis/v9"
)

// NewRedisClient builds a Redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// RedisQueue keeps one sorted set per priority, scored by the due time
// in unix millis.
type RedisQueue struct {
	client *redis.Client
	prefix string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix}
}

func (q *RedisQueue) key(p models.Priority) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, p)
}

func (q *RedisQueue) Push(ctx context.Context, id string, priority models.Priority, at time.Time) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if !priority.Valid() {
		priority = models.PriorityNormal
	}

	pipe := q.client.TxPipeline()
	for _, p := range models.Priorities {
		if p != priority {
			pipe.ZRem(ctx, q.key(p), id)
		}
	}
	pipe.ZAdd(ctx, q.key(priority), redis.Z{Score: float64(at.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push job %s: %w", id, err)
	}
	return nil
}

// PopDue removes and returns up to limit ids due at now, high priority
// first. An id is returned only to the caller whose ZREM removed it.
func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if q.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}

	var out []string
	maxScore := fmt.Sprintf("%d", now.UnixMilli())
	for _, p := range models.Priorities {
		remaining := limit - len(out)
		if remaining <= 0 {
			break
		}
		ids, err := q.client.ZRangeByScore(ctx, q.key(p), &redis.ZRangeBy{
			Min:   "-inf",
			Max:   maxScore,
			Count: int64(remaining),
		}).Result()
		if err != nil {
			return out, fmt.Errorf("failed to read due jobs: %w", err)
		}
		for _, id := range ids {
			n, err := q.client.ZRem(ctx, q.key(p), id).Result()
			if err != nil {
				return out, fmt.Errorf("failed to pop job %s: %w", id, err)
			}
			if n == 1 {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (q *RedisQueue) Remove(ctx context.Context, id string) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	pipe := q.client.TxPipeline()
	for _, p := range models.Priorities {
		pipe.ZRem(ctx, q.key(p), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job %s: %w", id, err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	if q.client == nil {
		return 0, fmt.Errorf("redis client is nil")
	}
	var total int64
	for _, p := range models.Priorities {
		n, err := q.client.ZCard(ctx, q.key(p)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to count jobs: %w", err)
		}
		total += n
	}
	return total, nil
}

// RedisRateLimitStore shares governor state between processes. Records
// expire an hour after their window resets.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) key(k models.RateLimitKey) string {
	return fmt.Sprintf("%s:ratelimit:%s", s.prefix, k)
}

func (s *RedisRateLimitStore) GetRateLimit(ctx context.Context, key models.RateLimitKey) (*models.RateLimitRecord, error) {
	if s.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, syncerr.Newf(syncerr.ErrNotFound, "get rate limit", "%s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rate limit from redis: %w", err)
	}

	var rec models.RateLimitRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rate limit: %w", err)
	}
	return &rec, nil
}

func (s *RedisRateLimitStore) SaveRateLimit(ctx context.Context, rec *models.RateLimitRecord) error {
	if s.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	stored := *rec
	if stored.Remaining < 0 {
		stored.Remaining = 0
	}
	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit: %w", err)
	}

	ttl := time.Until(stored.ResetAt) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	if err := s.client.Set(ctx, s.key(stored.Key()), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set rate limit in redis: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}

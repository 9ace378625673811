package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"opgate/pkg/requestcontext"
)

const windowKeyPrefix = "rl:win:"

// RedisStore implements WindowStore on a Redis sorted set per key: members
// are request markers scored by timestamp, trimmed to the window on every
// check. The pipeline keeps trim+count+add close enough together for rate
// limiting purposes; strict atomicity is not required here, only no lost
// ceiling enforcement under typical contention.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := requestcontext.Now(ctx)
	redisKey := windowKeyPrefix + key
	cutoff := now.Add(-window)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", cutoff.UnixNano()))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit window check: %w", err)
	}

	count := int(countCmd.Val())
	if count >= limit {
		oldest, err := s.client.ZRangeWithScores(ctx, redisKey, 0, 0).Result()
		resetAt := now.Add(window)
		if err == nil && len(oldest) == 1 {
			resetAt = time.Unix(0, int64(oldest[0].Score)).Add(window)
		}
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: resetAt}, nil
	}

	member := uuid.NewString()
	addPipe := s.client.TxPipeline()
	addPipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	addPipe.Expire(ctx, redisKey, window)
	if _, err := addPipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limit window record: %w", err)
	}

	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - count - 1,
		ResetAt:   now.Add(window),
	}, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, windowKeyPrefix+key).Err()
}

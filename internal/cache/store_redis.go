package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"opgate/pkg/sentinel"
)

const (
	entryKeyPrefix = "oc:entry:"
	tagKeyPrefix   = "oc:tag:"
)

// RedisStore is the production Store for distributed deployments where
// multiple instances share cache state. Each entry is a single SET with TTL,
// so writes are atomic per key; tag membership lives in Redis sets.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.client.Get(ctx, entryKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sentinel.ErrUnavailable, err)
	}
	return blob, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, blob []byte, ttl time.Duration) error {
	return s.client.Set(ctx, entryKeyPrefix+key, blob, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, entryKeyPrefix+key).Err()
}

func (s *RedisStore) AddTag(ctx context.Context, tag string, key string) error {
	return s.client.SAdd(ctx, tagKeyPrefix+tag, key).Err()
}

func (s *RedisStore) KeysByTag(ctx context.Context, tag string) ([]string, error) {
	keys, err := s.client.SMembers(ctx, tagKeyPrefix+tag).Result()
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *RedisStore) DropTag(ctx context.Context, tag string) error {
	return s.client.Del(ctx, tagKeyPrefix+tag).Err()
}

//go:build integration

package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"opgate/internal/audit"
	"opgate/internal/cache"
	"opgate/internal/operation"
	"opgate/pkg/testutil/containers"
)

type redisSink struct {
	records []audit.Record
}

func (r *redisSink) Append(ctx context.Context, rec audit.Record) {
	r.records = append(r.records, rec)
}

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	sink  *redisSink
	cache *cache.IntegrityCache
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.sink = &redisSink{}
	c, err := cache.New(cache.NewRedisStore(s.redis.Client), []byte("integration-secret"),
		cache.WithAuditSink(s.sink))
	s.Require().NoError(err)
	s.cache = c
}

type payload struct {
	Name string `json:"name"`
}

func (s *RedisCacheSuite) TestRoundTrip() {
	ctx := context.Background()

	s.Require().NoError(s.cache.Put(ctx, "p:1", payload{Name: "a"}, time.Minute))

	var got payload
	hit, err := s.cache.Get(ctx, "p:1", &got)
	s.Require().NoError(err)
	s.True(hit)
	s.Equal("a", got.Name)
}

func (s *RedisCacheSuite) TestServerSideExpiry() {
	ctx := context.Background()

	s.Require().NoError(s.cache.Put(ctx, "p:1", payload{Name: "a"}, time.Second))
	time.Sleep(1100 * time.Millisecond)

	hit, err := s.cache.Get(ctx, "p:1", nil)
	s.Require().NoError(err)
	s.False(hit, "redis expired the key server-side")
	s.Empty(s.sink.records, "expiry is not tampering")
}

func (s *RedisCacheSuite) TestTamperedEntryEvictedAndAudited() {
	ctx := context.Background()

	s.Require().NoError(s.cache.Put(ctx, "p:1", payload{Name: "a"}, time.Minute))

	// Overwrite the stored blob behind the cache's back.
	s.Require().NoError(s.redis.Client.Set(ctx, "oc:entry:p:1",
		`{"v":{"name":"evil"},"h":"deadbeef","w":0,"t":0}`, time.Minute).Err())

	hit, err := s.cache.Get(ctx, "p:1", nil)
	s.Require().NoError(err)
	s.False(hit)

	s.Require().Len(s.sink.records, 1)
	s.Equal(operation.OutcomeIntegrityFailure, s.sink.records[0].Outcome)

	exists, err := s.redis.Client.Exists(ctx, "oc:entry:p:1").Result()
	s.Require().NoError(err)
	s.Zero(exists, "tampered entry evicted from redis")
}

func (s *RedisCacheSuite) TestTagInvalidation() {
	ctx := context.Background()

	s.Require().NoError(s.cache.Put(ctx, "p:1", payload{Name: "a"}, 0, "players"))
	s.Require().NoError(s.cache.Put(ctx, "p:2", payload{Name: "b"}, 0, "players"))
	s.Require().NoError(s.cache.Put(ctx, "t:1", payload{Name: "c"}, 0, "teams"))

	s.Require().NoError(s.cache.InvalidateTag(ctx, "players"))

	for _, key := range []string{"p:1", "p:2"} {
		hit, err := s.cache.Get(ctx, key, nil)
		s.Require().NoError(err)
		s.False(hit)
	}
	hit, err := s.cache.Get(ctx, "t:1", nil)
	s.Require().NoError(err)
	s.True(hit)
}

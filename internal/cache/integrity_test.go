package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgate/internal/audit"
	"opgate/internal/operation"
	"opgate/pkg/requestcontext"
)

type recordingSink struct {
	records []audit.Record
}

func (r *recordingSink) Append(ctx context.Context, rec audit.Record) {
	r.records = append(r.records, rec)
}

type cachedValue struct {
	ID    string `json:"id"`
	Score int    `json:"score"`
}

func newTestCache(t *testing.T) (*IntegrityCache, *MemoryStore, *recordingSink) {
	t.Helper()
	store := NewMemoryStore()
	sink := &recordingSink{}
	c, err := New(store, []byte("test-secret"), WithAuditSink(sink))
	require.NoError(t, err)
	return c, store, sink
}

func TestNew(t *testing.T) {
	t.Run("nil store returns error", func(t *testing.T) {
		_, err := New(nil, []byte("secret"))
		assert.Error(t, err)
	})

	t.Run("empty secret returns error", func(t *testing.T) {
		_, err := New(NewMemoryStore(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "secret is required")
	})
}

func TestIntegrityCache_RoundTrip(t *testing.T) {
	c, _, sink := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "scores:a", cachedValue{ID: "a", Score: 42}, time.Minute))

	var got cachedValue
	hit, err := c.Get(ctx, "scores:a", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, cachedValue{ID: "a", Score: 42}, got)
	assert.Empty(t, sink.records)
}

func TestIntegrityCache_MissOnAbsentKey(t *testing.T) {
	c, _, _ := newTestCache(t)

	hit, err := c.Get(context.Background(), "scores:missing", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIntegrityCache_TamperedEntryIsEvictedAndAudited(t *testing.T) {
	c, store, sink := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "scores:a", cachedValue{ID: "a", Score: 42}, time.Minute))

	t.Run("hash mismatch", func(t *testing.T) {
		// A well-formed entry whose value no longer matches its hash.
		store.Corrupt("scores:a", []byte(`{"v":{"id":"a","score":999},"h":"deadbeef","w":0,"t":0}`))

		hit, err := c.Get(ctx, "scores:a", nil)
		require.NoError(t, err)
		assert.False(t, hit, "tampered entry must read as a miss")

		// Evicted: the next read is a plain miss, no second audit record.
		hit, err = c.Get(ctx, "scores:a", nil)
		require.NoError(t, err)
		assert.False(t, hit)

		require.Len(t, sink.records, 1)
		rec := sink.records[0]
		assert.Equal(t, operation.OutcomeIntegrityFailure, rec.Outcome)
		assert.Equal(t, audit.SeverityCritical, rec.Severity)
		assert.Equal(t, operation.Kind("cache.integrity"), rec.OperationKind)
		assert.Contains(t, rec.ErrorDetail, "scores:a")
	})

	t.Run("undecodable blob", func(t *testing.T) {
		require.NoError(t, c.Put(ctx, "scores:b", cachedValue{ID: "b", Score: 7}, time.Minute))
		store.Corrupt("scores:b", []byte("not json at all"))

		hit, err := c.Get(ctx, "scores:b", nil)
		require.NoError(t, err)
		assert.False(t, hit)
		require.Len(t, sink.records, 2)
		assert.Equal(t, operation.OutcomeIntegrityFailure, sink.records[1].Outcome)
	})
}

func TestIntegrityCache_ExpiryIsNotTampering(t *testing.T) {
	c, _, sink := newTestCache(t)

	t0 := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	writeCtx := requestcontext.WithTime(context.Background(), t0)
	require.NoError(t, c.Put(writeCtx, "scores:a", cachedValue{ID: "a"}, time.Hour))

	t.Run("fresh entry hits", func(t *testing.T) {
		readCtx := requestcontext.WithTime(context.Background(), t0.Add(30*time.Minute))
		hit, err := c.Get(readCtx, "scores:a", nil)
		require.NoError(t, err)
		assert.True(t, hit)
	})

	t.Run("expired entry is a plain miss", func(t *testing.T) {
		readCtx := requestcontext.WithTime(context.Background(), t0.Add(2*time.Hour))
		hit, err := c.Get(readCtx, "scores:a", nil)
		require.NoError(t, err)
		assert.False(t, hit)
		assert.Empty(t, sink.records, "expiry must not escalate to an integrity audit")
	})
}

func TestIntegrityCache_Invalidate(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "scores:a", cachedValue{ID: "a"}, 0))
	require.NoError(t, c.Invalidate(ctx, "scores:a"))

	hit, err := c.Get(ctx, "scores:a", nil)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestIntegrityCache_InvalidateTag(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "scores:a", cachedValue{ID: "a"}, 0, "scores"))
	require.NoError(t, c.Put(ctx, "scores:b", cachedValue{ID: "b"}, 0, "scores"))
	require.NoError(t, c.Put(ctx, "profile:a", cachedValue{ID: "p"}, 0, "profiles"))

	require.NoError(t, c.InvalidateTag(ctx, "scores"))

	for _, key := range []string{"scores:a", "scores:b"} {
		hit, err := c.Get(ctx, key, nil)
		require.NoError(t, err)
		assert.False(t, hit, "key %s must be gone", key)
	}
	hit, err := c.Get(ctx, "profile:a", nil)
	require.NoError(t, err)
	assert.True(t, hit, "entries under other tags stay")
}

func TestIntegrityCache_DifferentSecretsDisagree(t *testing.T) {
	store := NewMemoryStore()
	sink := &recordingSink{}
	writer, err := New(store, []byte("secret-one"))
	require.NoError(t, err)
	reader, err := New(store, []byte("secret-two"), WithAuditSink(sink))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, writer.Put(ctx, "scores:a", cachedValue{ID: "a"}, 0))

	hit, err := reader.Get(ctx, "scores:a", nil)
	require.NoError(t, err)
	assert.False(t, hit)
	require.Len(t, sink.records, 1)
	assert.Equal(t, operation.OutcomeIntegrityFailure, sink.records[0].Outcome)
}

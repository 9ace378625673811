// Package cache provides a tamper-evident key/value cache. Every entry binds
// its key and serialized value with an HMAC; reads recompute the hash and
// treat any mismatch as hostile, never as a benign miss.
package cache

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opgate/internal/audit"
	"opgate/internal/operation"
	"opgate/pkg/requestcontext"
	"opgate/pkg/sentinel"
)

// kindCacheIntegrity tags audit records emitted by the cache itself.
const kindCacheIntegrity operation.Kind = "cache.integrity"

// entry is the encoded blob written to the store as one atomic value.
type entry struct {
	Value     json.RawMessage `json:"v"`
	Hash      string          `json:"h"`
	WrittenAt int64           `json:"w"`
	TTL       int64           `json:"t"`
}

// AuditSink receives the security-relevant record produced when a read fails
// hash verification. The integrity Trail satisfies this.
type AuditSink interface {
	Append(ctx context.Context, rec audit.Record)
}

// IntegrityCache wraps a Store with HMAC verification, lazy TTL expiry, and
// tag-based invalidation.
type IntegrityCache struct {
	store  Store
	secret []byte
	sink   AuditSink
	logger *slog.Logger
}

// CacheOption configures an IntegrityCache.
type CacheOption func(*IntegrityCache)

// WithAuditSink routes integrity failures into the audit trail.
func WithAuditSink(sink AuditSink) CacheOption {
	return func(c *IntegrityCache) {
		c.sink = sink
	}
}

// WithLogger sets a logger for eviction reporting.
func WithLogger(logger *slog.Logger) CacheOption {
	return func(c *IntegrityCache) {
		c.logger = logger
	}
}

// New creates an integrity cache. The secret is process-wide and must be
// non-empty; a guessable hash defeats tamper evidence.
func New(store Store, secret []byte, opts ...CacheOption) (*IntegrityCache, error) {
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("cache integrity secret is required")
	}
	c := &IntegrityCache{store: store, secret: secret}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Put serializes the value, computes HMAC(secret, key || serialized), and
// writes the whole entry as one blob. Tags are registered after the entry
// write; a tag association without an entry is harmless.
func (c *IntegrityCache) Put(ctx context.Context, key string, value any, ttl time.Duration, tags ...string) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("serialize cache value: %w", err)
	}

	e := entry{
		Value:     serialized,
		Hash:      c.mac(key, serialized),
		WrittenAt: requestcontext.Now(ctx).Unix(),
		TTL:       int64(ttl / time.Second),
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	if err := c.store.Put(ctx, key, blob, ttl); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	for _, tag := range tags {
		if err := c.store.AddTag(ctx, tag, key); err != nil {
			return fmt.Errorf("register cache tag %q: %w", tag, err)
		}
	}
	return nil
}

// Get loads the entry for key into dest. The second return is false on any
// miss: absent key, expired entry, or failed hash verification. Verification
// failure additionally evicts the entry and emits an integrity_failure audit
// record; the caller-visible behavior stays "miss".
func (c *IntegrityCache) Get(ctx context.Context, key string, dest any) (bool, error) {
	blob, err := c.store.Get(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read cache entry: %w", err)
	}

	var e entry
	if err := json.Unmarshal(blob, &e); err != nil {
		// Undecodable blob is corruption, same treatment as a bad hash.
		c.evictTampered(ctx, key, "entry blob undecodable")
		return false, nil
	}

	if !hmac.Equal([]byte(e.Hash), []byte(c.mac(key, e.Value))) {
		c.evictTampered(ctx, key, "integrity hash mismatch")
		return false, nil
	}

	// Lazy expiry. Expiry is not tampering: plain miss, no audit escalation.
	if e.TTL > 0 {
		expiresAt := time.Unix(e.WrittenAt, 0).Add(time.Duration(e.TTL) * time.Second)
		if requestcontext.Now(ctx).After(expiresAt) {
			_ = c.store.Delete(ctx, key)
			return false, nil
		}
	}

	if dest != nil {
		if err := json.Unmarshal(e.Value, dest); err != nil {
			return false, fmt.Errorf("decode cache value: %w", err)
		}
	}
	return true, nil
}

// Invalidate removes a single entry.
func (c *IntegrityCache) Invalidate(ctx context.Context, key string) error {
	return c.store.Delete(ctx, key)
}

// InvalidateTag removes every entry registered under the tag, then the tag
// set itself.
func (c *IntegrityCache) InvalidateTag(ctx context.Context, tag string) error {
	keys, err := c.store.KeysByTag(ctx, tag)
	if err != nil {
		return fmt.Errorf("resolve tag %q: %w", tag, err)
	}
	for _, key := range keys {
		if err := c.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("invalidate key %q: %w", key, err)
		}
	}
	return c.store.DropTag(ctx, tag)
}

func (c *IntegrityCache) mac(key string, serialized []byte) string {
	h := hmac.New(sha256.New, c.secret)
	h.Write([]byte(key))
	h.Write(serialized)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *IntegrityCache) evictTampered(ctx context.Context, key, detail string) {
	_ = c.store.Delete(ctx, key)
	c.logger.WarnContext(ctx, "cache entry failed integrity verification, evicted",
		"key", key,
		"detail", detail,
	)
	if c.sink != nil {
		c.sink.Append(ctx, audit.Record{
			OperationKind: kindCacheIntegrity,
			Outcome:       operation.OutcomeIntegrityFailure,
			Severity:      audit.SeverityCritical,
			Timestamp:     requestcontext.Now(ctx),
			ErrorDetail:   fmt.Sprintf("key %q: %s", key, detail),
		})
	}
}

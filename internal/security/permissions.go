package security

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// PermissionSource resolves a caller identity to its granted permission set.
// Implementations may be remote; wrap them in CachedPermissionSource so the
// validator never becomes a serialization bottleneck.
type PermissionSource interface {
	Resolve(ctx context.Context, callerID string) ([]string, error)
}

// PermissionSourceFunc adapts a function to the PermissionSource interface.
type PermissionSourceFunc func(ctx context.Context, callerID string) ([]string, error)

func (f PermissionSourceFunc) Resolve(ctx context.Context, callerID string) ([]string, error) {
	return f(ctx, callerID)
}

// CachedPermissionSource memoizes grants per caller in a read-mostly
// sync.Map. Concurrent misses for the same caller collapse into one upstream
// call via singleflight.
type CachedPermissionSource struct {
	upstream PermissionSource
	ttl      time.Duration

	entries sync.Map // callerID -> cachedGrants
	group   singleflight.Group
}

type cachedGrants struct {
	permissions []string
	fetchedAt   time.Time
}

// NewCachedPermissionSource wraps upstream with a per-caller TTL cache.
func NewCachedPermissionSource(upstream PermissionSource, ttl time.Duration) *CachedPermissionSource {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedPermissionSource{upstream: upstream, ttl: ttl}
}

func (c *CachedPermissionSource) Resolve(ctx context.Context, callerID string) ([]string, error) {
	if v, ok := c.entries.Load(callerID); ok {
		cached := v.(cachedGrants)
		if time.Since(cached.fetchedAt) < c.ttl {
			return cached.permissions, nil
		}
	}

	v, err, _ := c.group.Do(callerID, func() (any, error) {
		permissions, err := c.upstream.Resolve(ctx, callerID)
		if err != nil {
			return nil, err
		}
		grants := cachedGrants{
			permissions: append([]string(nil), permissions...),
			fetchedAt:   time.Now(),
		}
		c.entries.Store(callerID, grants)
		return grants, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(cachedGrants).permissions, nil
}

// Forget drops the cached grants for a caller, forcing the next resolve to
// hit upstream. Used after permission changes.
func (c *CachedPermissionSource) Forget(callerID string) {
	c.entries.Delete(callerID)
}

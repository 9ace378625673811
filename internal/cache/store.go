package cache

import (
	"context"
	"time"
)

// Store is the raw key/value layer underneath the integrity cache. The value
// is one opaque encoded blob per key; Put must write it atomically so a
// concurrent Get observes either the whole entry or nothing.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, blob []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Tag associations are write-time bookkeeping for bulk invalidation;
	// they are not part of the entry blob.
	AddTag(ctx context.Context, tag string, key string) error
	KeysByTag(ctx context.Context, tag string) ([]string, error)
	DropTag(ctx context.Context, tag string) error
}

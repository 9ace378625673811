// Package ratelimit provides sliding-window request counting for the
// security validator. The window algorithm counts individual request
// timestamps, so bursts straddling a fixed-window boundary cannot double the
// effective ceiling.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one window check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before retrying,
// relative to now. Zero when the request was allowed.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed {
		return 0
	}
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return time.Second
}

// WindowStore checks and increments a sliding-window counter atomically.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
	Reset(ctx context.Context, key string) error
}

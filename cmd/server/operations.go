package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"opgate/internal/cache"
	"opgate/internal/operation"
	"opgate/pkg/requestcontext"
	"opgate/pkg/sentinel"
	txcontext "opgate/pkg/tx"
)

// Cache layout for content entries. Reads memoize under contentTag so a
// publish or retract can invalidate the whole family at once.
const (
	contentTag      = "content"
	contentCacheTTL = 5 * time.Minute
)

func contentKey(id string) string { return "content:" + id }

type publishPayload struct {
	ContentID string `json:"content_id" validate:"required,uuid4"`
	Title     string `json:"title" validate:"required,max=200"`
	Body      string `json:"body" validate:"required"`
}

type publishResult struct {
	ContentID   string    `json:"content_id"`
	Published   bool      `json:"published"`
	PublishedAt time.Time `json:"published_at"`
}

type readPayload struct {
	ContentID string `json:"content_id" validate:"required,uuid4"`
}

type contentRecord struct {
	ContentID   string    `json:"content_id"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"published_at"`
}

type retractPayload struct {
	ContentID string `json:"content_id" validate:"required,uuid4"`
	Reason    string `json:"reason" validate:"required,max=500"`
}

type retractResult struct {
	ContentID string `json:"content_id"`
	Retracted bool   `json:"retracted"`
}

// registerOperations binds the content operations the server ships with.
// Actions run inside the executor's transactional scope and pick the scope's
// transaction out of ctx; with no database configured they degrade to
// cache-only behavior.
func registerOperations(registry *operation.Registry, contentCache *cache.IntegrityCache, db *sql.DB) error {
	specs := []operation.Spec{
		{
			Kind:                "content.publish",
			RequiredPermissions: []string{"content.publish"},
			Payload:             publishPayload{},
			Action: func(ctx context.Context, op operation.Operation) (any, error) {
				p := op.Payload.(*publishPayload)
				now := requestcontext.Now(ctx)
				if err := upsertContent(ctx, db, p, now); err != nil {
					return nil, err
				}
				// Stale reads of this family are acceptable to lose; the
				// transaction is not.
				if err := contentCache.InvalidateTag(ctx, contentTag); err != nil {
					return nil, fmt.Errorf("invalidate content cache: %w", err)
				}
				return publishResult{ContentID: p.ContentID, Published: true, PublishedAt: now}, nil
			},
			PostCondition: func(data any) error {
				res, ok := data.(publishResult)
				if !ok || !res.Published {
					return fmt.Errorf("publish reported success without a published result")
				}
				return nil
			},
		},
		{
			Kind:                "content.read",
			RequiredPermissions: []string{"content.read"},
			Payload:             readPayload{},
			Action: func(ctx context.Context, op operation.Operation) (any, error) {
				p := op.Payload.(*readPayload)

				var rec contentRecord
				hit, err := contentCache.Get(ctx, contentKey(p.ContentID), &rec)
				if err != nil {
					return nil, err
				}
				if hit {
					return rec, nil
				}

				rec, err = loadContent(ctx, db, p.ContentID)
				if err != nil {
					return nil, err
				}
				if err := contentCache.Put(ctx, contentKey(p.ContentID), rec, contentCacheTTL, contentTag); err != nil {
					return nil, fmt.Errorf("memoize content: %w", err)
				}
				return rec, nil
			},
		},
		{
			Kind:                "content.retract",
			RequiredPermissions: []string{"content.retract"},
			Payload:             retractPayload{},
			// Retractions are rare and destructive; failures here get checked
			// against thresholds immediately.
			AlertWorthy: true,
			Action: func(ctx context.Context, op operation.Operation) (any, error) {
				p := op.Payload.(*retractPayload)
				if err := deleteContent(ctx, db, p.ContentID); err != nil {
					return nil, err
				}
				if err := contentCache.Invalidate(ctx, contentKey(p.ContentID)); err != nil {
					return nil, fmt.Errorf("invalidate content entry: %w", err)
				}
				return retractResult{ContentID: p.ContentID, Retracted: true}, nil
			},
			PostCondition: func(data any) error {
				res, ok := data.(retractResult)
				if !ok || !res.Retracted {
					return fmt.Errorf("retract reported success without a retracted result")
				}
				return nil
			},
		},
	}

	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			return err
		}
	}
	return nil
}

// execer resolves the statement target: the scope's transaction when present,
// the pool otherwise.
func execer(ctx context.Context, db *sql.DB) interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
} {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return db
}

func upsertContent(ctx context.Context, db *sql.DB, p *publishPayload, now time.Time) error {
	if db == nil {
		return nil
	}
	_, err := execer(ctx, db).ExecContext(ctx, `
		INSERT INTO content (id, title, body, published_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET title = $2, body = $3, published_at = $4`,
		p.ContentID, p.Title, p.Body, now,
	)
	if err != nil {
		return fmt.Errorf("upsert content %s: %w", p.ContentID, err)
	}
	return nil
}

func loadContent(ctx context.Context, db *sql.DB, id string) (contentRecord, error) {
	if db == nil {
		return contentRecord{}, fmt.Errorf("content %s: %w", id, sentinel.ErrNotFound)
	}
	var rec contentRecord
	err := execer(ctx, db).QueryRowContext(ctx, `
		SELECT id, title, body, published_at FROM content WHERE id = $1`,
		id,
	).Scan(&rec.ContentID, &rec.Title, &rec.Body, &rec.PublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return contentRecord{}, fmt.Errorf("content %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return contentRecord{}, fmt.Errorf("load content %s: %w", id, err)
	}
	return rec, nil
}

func deleteContent(ctx context.Context, db *sql.DB, id string) error {
	if db == nil {
		return nil
	}
	if _, err := execer(ctx, db).ExecContext(ctx, `DELETE FROM content WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete content %s: %w", id, err)
	}
	return nil
}

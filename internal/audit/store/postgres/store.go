// Package postgres persists audit records in PostgreSQL. Appends run on the
// base connection by default and only join a transaction when the caller
// explicitly carries one in context; terminal-state records must survive the
// rollback they describe.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"opgate/internal/audit"
	"opgate/internal/operation"
	txcontext "opgate/pkg/tx"
)

// Store implements audit.Store over database/sql with the pq driver.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Append inserts one immutable record. There is no update or delete path.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	query := `
		INSERT INTO audit_records (
			id, operation_kind, caller_id, origin_address, request_fingerprint,
			request_id, outcome, severity, occurred_at, duration_ms, error_detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		rec.ID, string(rec.OperationKind),
		rec.Context.CallerID, rec.Context.OriginAddress, rec.Context.RequestFingerprint,
		rec.Context.RequestID,
		string(rec.Outcome), string(rec.Severity),
		rec.Timestamp, rec.DurationMs, rec.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// ListByKind returns records for one kind in chronological order.
func (s *Store) ListByKind(ctx context.Context, kind operation.Kind) ([]audit.Record, error) {
	query := `
		SELECT id, operation_kind, caller_id, origin_address, request_fingerprint,
		       request_id, outcome, severity, occurred_at, duration_ms, error_detail
		FROM audit_records
		WHERE operation_kind = $1
		ORDER BY occurred_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(kind))
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec        audit.Record
			id         uuid.UUID
			kindStr    string
			outcome    string
			severity   string
			occurredAt time.Time
		)
		if err := rows.Scan(
			&id, &kindStr,
			&rec.Context.CallerID, &rec.Context.OriginAddress, &rec.Context.RequestFingerprint,
			&rec.Context.RequestID,
			&outcome, &severity, &occurredAt, &rec.DurationMs, &rec.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.ID = id
		rec.OperationKind = operation.Kind(kindStr)
		rec.Outcome = operation.Outcome(outcome)
		rec.Severity = audit.Severity(severity)
		rec.Timestamp = occurredAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

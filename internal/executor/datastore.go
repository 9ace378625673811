package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"opgate/pkg/sentinel"
	txcontext "opgate/pkg/tx"
)

// Tx is one open transactional scope. Exactly one of Commit or Rollback is
// called on every scope the executor opens.
type Tx interface {
	Commit() error
	Rollback() error
	// Context attaches the scope to ctx so nested store calls reuse it
	// instead of opening a second transaction.
	Context(ctx context.Context) context.Context
}

// DataStore is the external store collaborator. It must report commit
// failures distinctly from success, and it owns the judgement of which of
// its errors are transient.
type DataStore interface {
	Begin(ctx context.Context) (Tx, error)
	// ShouldRetry classifies an execution error as transient. The executor
	// re-enters at the transaction step for transient errors only;
	// validation is never repeated.
	ShouldRetry(err error) bool
}

// PostgresStore implements DataStore over database/sql with the pq driver.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// DB exposes the underlying handle for store wiring.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &postgresTx{tx: sqlTx}, nil
}

// ShouldRetry reports true for serialization failures and deadlocks, the two
// transient classes Postgres resolves by retrying the whole transaction.
func (s *PostgresStore) ShouldRetry(err error) bool {
	if errors.Is(err, sentinel.ErrTransient) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) Commit() error   { return t.tx.Commit() }
func (t *postgresTx) Rollback() error { return t.tx.Rollback() }

func (t *postgresTx) Context(ctx context.Context) context.Context {
	return txcontext.WithTx(ctx, t.tx)
}

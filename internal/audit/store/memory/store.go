// Package memory provides an in-memory audit store for tests and for
// deployments without a durable store configured.
package memory

import (
	"context"
	"sync"

	"opgate/internal/audit"
	"opgate/internal/operation"
)

// Store keeps records in insertion order per kind.
type Store struct {
	mu      sync.RWMutex
	records []audit.Record
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *Store) ListByKind(ctx context.Context, kind operation.Kind) ([]audit.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Record
	for _, rec := range s.records {
		if rec.OperationKind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

// All returns every record in insertion order. Test helper.
func (s *Store) All() []audit.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Record(nil), s.records...)
}

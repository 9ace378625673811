package audit_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opgate/internal/audit"
	auditmemory "opgate/internal/audit/store/memory"
	"opgate/internal/operation"
)

type failingStore struct {
	err error
}

func (s *failingStore) Append(ctx context.Context, rec audit.Record) error { return s.err }

func (s *failingStore) ListByKind(ctx context.Context, kind operation.Kind) ([]audit.Record, error) {
	return nil, s.err
}

func TestTrail_Append(t *testing.T) {
	t.Run("fills id, timestamp, and severity", func(t *testing.T) {
		store := auditmemory.NewStore()
		trail := audit.NewTrail(store)

		trail.Append(context.Background(), audit.Record{
			OperationKind: "orders.create",
			Outcome:       operation.OutcomeIntegrityFailure,
		})

		records := store.All()
		require.Len(t, records, 1)
		rec := records[0]
		assert.NotEqual(t, uuid.Nil, rec.ID)
		assert.False(t, rec.Timestamp.IsZero())
		assert.Equal(t, audit.SeverityCritical, rec.Severity)
	})

	t.Run("explicit severity is preserved", func(t *testing.T) {
		store := auditmemory.NewStore()
		trail := audit.NewTrail(store)

		trail.Append(context.Background(), audit.Record{
			OperationKind: "orders.create",
			Outcome:       operation.OutcomeSuccess,
			Severity:      audit.SeverityWarning,
		})

		records := store.All()
		require.Len(t, records, 1)
		assert.Equal(t, audit.SeverityWarning, records[0].Severity)
	})

	t.Run("primary failure diverts the record to the log sink", func(t *testing.T) {
		var buf bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&buf, nil))
		trail := audit.NewTrail(&failingStore{err: fmt.Errorf("connection refused")},
			audit.WithLogger(logger))

		// Append must not surface the store failure to the caller.
		trail.Append(context.Background(), audit.Record{
			OperationKind: "orders.create",
			Outcome:       operation.OutcomeSystemFailure,
			Context:       audit.ContextSnapshot{CallerID: "caller-1"},
			DurationMs:    42,
			ErrorDetail:   "disk on fire",
		})

		out := buf.String()
		assert.Contains(t, out, "audit primary store failed")
		assert.Contains(t, out, "orders.create")
		assert.Contains(t, out, "system_failure")
		assert.Contains(t, out, "caller-1")
		assert.Contains(t, out, "disk on fire")
	})
}

func TestSeverityFor(t *testing.T) {
	cases := map[operation.Outcome]audit.Severity{
		operation.OutcomeSuccess:           audit.SeverityInfo,
		operation.OutcomeValidationFailure: audit.SeverityInfo,
		operation.OutcomeSecurityFailure:   audit.SeverityWarning,
		operation.OutcomeIntegrityFailure:  audit.SeverityCritical,
		operation.OutcomeSystemFailure:     audit.SeverityCritical,
		operation.Outcome("mystery"):       audit.SeverityWarning,
	}
	for outcome, want := range cases {
		assert.Equal(t, want, audit.SeverityFor(outcome), "outcome %s", outcome)
	}
}

func TestMemoryStore_ListByKind(t *testing.T) {
	store := auditmemory.NewStore()
	ctx := context.Background()

	for i, kind := range []operation.Kind{"a", "b", "a"} {
		err := store.Append(ctx, audit.Record{
			ID:            uuid.New(),
			OperationKind: kind,
			Timestamp:     time.Date(2026, 3, 1, 0, 0, i, 0, time.UTC),
		})
		require.NoError(t, err)
	}

	records, err := store.ListByKind(ctx, "a")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.True(t, records[0].Timestamp.Before(records[1].Timestamp), "insertion order preserved")
}

package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"opgate/internal/operation"
)

// Severity levels route records to the right alerting/retention treatment.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ContextSnapshot is the caller identity captured into a record. It is a
// copy; the live SecurityContext is never retained past the invocation.
type ContextSnapshot struct {
	CallerID           string
	OriginAddress      string
	RequestFingerprint string
	RequestID          string
}

// Record is one immutable audit entry. Exactly one is produced per pipeline
// invocation; records are append-only and never updated or deleted. Ordering
// by timestamp within a kind is the only required guarantee.
type Record struct {
	ID            uuid.UUID
	OperationKind operation.Kind
	Context       ContextSnapshot
	Outcome       operation.Outcome
	Severity      Severity
	Timestamp     time.Time
	DurationMs    int64
	ErrorDetail   string
}

// outcomeSeverities maps each outcome category to its severity. Security and
// integrity failures are audited at elevated severity; plain validation
// rejections are routine.
var outcomeSeverities = map[operation.Outcome]Severity{
	operation.OutcomeSuccess:           SeverityInfo,
	operation.OutcomeValidationFailure: SeverityInfo,
	operation.OutcomeSecurityFailure:   SeverityWarning,
	operation.OutcomeIntegrityFailure:  SeverityCritical,
	operation.OutcomeSystemFailure:     SeverityCritical,
}

// SeverityFor returns the severity for an outcome. Unknown outcomes default
// to warning so misclassified records are never under-reported.
func SeverityFor(o operation.Outcome) Severity {
	if s, ok := outcomeSeverities[o]; ok {
		return s
	}
	return SeverityWarning
}

// Store persists audit records. Implementations must be append-only.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ListByKind(ctx context.Context, kind operation.Kind) ([]Record, error)
}

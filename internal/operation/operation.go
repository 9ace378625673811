// Package operation defines the core vocabulary of the pipeline: operations,
// security contexts, results, and the outcome taxonomy shared by the audit
// trail, the metrics sink, and alerting. Everything here is a value type;
// instances are immutable once constructed.
package operation

import "time"

// Kind tags an operation with its registered action, e.g. "content.publish".
type Kind string

// Outcome is the terminal classification of one pipeline invocation. The
// categories are mutually exclusive and used consistently across audit
// records, metric samples, and alerts.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeValidationFailure Outcome = "validation_failure"
	OutcomeSecurityFailure   Outcome = "security_failure"
	OutcomeIntegrityFailure  Outcome = "integrity_failure"
	OutcomeSystemFailure     Outcome = "system_failure"
)

// IsFailure reports whether the outcome is any of the failure categories.
func (o Outcome) IsFailure() bool { return o != OutcomeSuccess }

// Operation is one invocation request: a typed action plus its decoded
// payload. Construct via Registry.NewOperation so the payload is bound to the
// kind's registered prototype.
type Operation struct {
	Kind                Kind
	Payload             any
	RequiredPermissions []string
	SubmittedAt         time.Time
}

// SecurityContext identifies the caller of one operation. Created per inbound
// request, never mutated, and not persisted beyond the invocation except
// inside audit records.
type SecurityContext struct {
	CallerID           string
	OriginAddress      string
	GrantedPermissions []string
	RequestFingerprint string
}

// HasPermissions reports whether the granted set covers every required
// permission.
func (c SecurityContext) HasPermissions(required []string) bool {
	if len(required) == 0 {
		return true
	}
	granted := make(map[string]struct{}, len(c.GrantedPermissions))
	for _, p := range c.GrantedPermissions {
		granted[p] = struct{}{}
	}
	for _, p := range required {
		if _, ok := granted[p]; !ok {
			return false
		}
	}
	return true
}

// Result is the single product of one pipeline invocation, returned to the
// caller and forwarded to audit and metrics.
type Result struct {
	Outcome          Outcome
	Data             any
	ValidationErrors map[string]string
	// RetryAfter is populated for rate-limit rejections.
	RetryAfter time.Duration
	// ErrorDetail carries the failure description for non-validation outcomes.
	ErrorDetail string
}

// Success reports whether the invocation committed.
func (r Result) Success() bool { return r.Outcome == OutcomeSuccess }

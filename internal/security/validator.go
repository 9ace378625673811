// Package security gates operations before they reach the executor: payload
// shape, caller permissions, and per-origin rate ceilings. The validator has
// no side effects beyond the rate-limit counter store; a rejection here
// guarantees the data store was never touched.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"opgate/internal/operation"
	"opgate/internal/security/ratelimit"
	"opgate/pkg/requestcontext"
)

// Failure classifies why an operation was rejected.
type Failure string

const (
	FailureNone          Failure = ""
	FailureValidation    Failure = "validation"
	FailureAuthorization Failure = "authorization"
	FailureRateLimit     Failure = "rate_limit"
)

// Outcome is the validator's verdict. Rejections are values, not errors;
// only infrastructure faults travel as errors.
type Outcome struct {
	Failure            Failure
	FieldErrors        map[string]string
	MissingPermissions []string
	RetryAfter         time.Duration
	Detail             string
}

// OK reports whether the operation may proceed to execution.
func (o Outcome) OK() bool { return o.Failure == FailureNone }

// ToResult converts a rejection into the caller-facing result. Panics if
// called on a passing outcome; that is a pipeline bug.
func (o Outcome) ToResult() operation.Result {
	switch o.Failure {
	case FailureValidation:
		return operation.Result{
			Outcome:          operation.OutcomeValidationFailure,
			ValidationErrors: o.FieldErrors,
			ErrorDetail:      o.Detail,
		}
	case FailureAuthorization, FailureRateLimit:
		return operation.Result{
			Outcome:     operation.OutcomeSecurityFailure,
			RetryAfter:  o.RetryAfter,
			ErrorDetail: o.Detail,
		}
	}
	panic("security: ToResult called on passing outcome")
}

// Limits holds the rate ceilings, keyed by operation kind with a default.
type Limits struct {
	Default Limit
	PerKind map[operation.Kind]Limit
}

// Limit is one ceiling over one window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// For returns the ceiling for a kind.
func (l Limits) For(kind operation.Kind) Limit {
	if limit, ok := l.PerKind[kind]; ok {
		return limit
	}
	return l.Default
}

// Validator runs the three gates in order: input shape, permissions, rate
// limit. All failing payload fields are collected, not fail-fast.
type Validator struct {
	schema  *validator.Validate
	source  PermissionSource
	windows ratelimit.WindowStore
	limits  Limits
	logger  *slog.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithPermissionSource resolves grants from an external source in addition
// to the ones carried on the security context.
func WithPermissionSource(source PermissionSource) ValidatorOption {
	return func(v *Validator) {
		v.source = source
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ValidatorOption {
	return func(v *Validator) {
		v.logger = logger
	}
}

// NewValidator creates a validator over the given rate-limit store.
func NewValidator(windows ratelimit.WindowStore, limits Limits, opts ...ValidatorOption) (*Validator, error) {
	if windows == nil {
		return nil, fmt.Errorf("rate limit window store is required")
	}
	if limits.Default.Requests <= 0 || limits.Default.Window <= 0 {
		return nil, fmt.Errorf("a default rate limit is required")
	}
	schema := validator.New(validator.WithRequiredStructEnabled())
	// Report wire names in field errors, not Go field names.
	schema.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v := &Validator{
		schema:  schema,
		windows: windows,
		limits:  limits,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v, nil
}

// Validate runs all gates. An infrastructure error from the window store is
// returned as an error; everything else is a typed outcome.
func (v *Validator) Validate(ctx context.Context, op operation.Operation, sctx operation.SecurityContext) (Outcome, error) {
	if fieldErrors := v.checkShape(op); len(fieldErrors) > 0 {
		return Outcome{
			Failure:     FailureValidation,
			FieldErrors: fieldErrors,
			Detail:      fmt.Sprintf("payload failed %d field constraint(s)", len(fieldErrors)),
		}, nil
	}

	if missing := v.checkPermissions(ctx, op, sctx); len(missing) > 0 {
		v.logger.WarnContext(ctx, "operation rejected: missing permissions",
			"kind", string(op.Kind),
			"caller_id", sctx.CallerID,
			"missing", missing,
		)
		return Outcome{
			Failure:            FailureAuthorization,
			MissingPermissions: missing,
			Detail:             "missing permissions: " + strings.Join(missing, ", "),
		}, nil
	}

	limit := v.limits.For(op.Kind)
	key := sctx.OriginAddress + ":" + string(op.Kind)
	result, err := v.windows.Allow(ctx, key, limit.Requests, limit.Window)
	if err != nil {
		return Outcome{}, fmt.Errorf("rate limit check: %w", err)
	}
	if !result.Allowed {
		retryAfter := result.RetryAfter(requestcontext.Now(ctx))
		v.logger.WarnContext(ctx, "operation rejected: rate ceiling exceeded",
			"kind", string(op.Kind),
			"origin", sctx.OriginAddress,
			"retry_after", retryAfter,
		)
		return Outcome{
			Failure:    FailureRateLimit,
			RetryAfter: retryAfter,
			Detail:     fmt.Sprintf("rate ceiling %d/%s exceeded", limit.Requests, limit.Window),
		}, nil
	}

	return Outcome{}, nil
}

// checkShape validates the payload against its registered schema tags and
// collects every failing field.
func (v *Validator) checkShape(op operation.Operation) map[string]string {
	if op.Payload == nil {
		return nil
	}
	err := v.schema.Struct(op.Payload)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return map[string]string{"_payload": err.Error()}
	}

	fieldErrors := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		reason := fe.Tag()
		if fe.Param() != "" {
			reason += "=" + fe.Param()
		}
		fieldErrors[fieldName(fe)] = reason
	}
	return fieldErrors
}

// checkPermissions returns the required permissions not covered by the
// context's grants plus, when configured, the external source's grants.
// Source failures fail closed: an unresolvable caller keeps only its
// context-carried grants.
func (v *Validator) checkPermissions(ctx context.Context, op operation.Operation, sctx operation.SecurityContext) []string {
	if len(op.RequiredPermissions) == 0 {
		return nil
	}

	granted := make(map[string]struct{}, len(sctx.GrantedPermissions))
	for _, p := range sctx.GrantedPermissions {
		granted[p] = struct{}{}
	}
	if v.source != nil && sctx.CallerID != "" {
		resolved, err := v.source.Resolve(ctx, sctx.CallerID)
		if err != nil {
			v.logger.WarnContext(ctx, "permission source unavailable, falling back to context grants",
				"caller_id", sctx.CallerID,
				"error", err,
			)
		}
		for _, p := range resolved {
			granted[p] = struct{}{}
		}
	}

	var missing []string
	for _, p := range op.RequiredPermissions {
		if _, ok := granted[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// fieldName prefers the json namespace so error keys match the wire names
// callers submitted.
func fieldName(fe validator.FieldError) string {
	name := fe.Field()
	if ns := fe.Namespace(); ns != "" {
		if i := strings.Index(ns, "."); i >= 0 {
			return ns[i+1:]
		}
	}
	return name
}

// Package executor is the pipeline core. One Execute call walks a strict
// state machine:
//
//	PENDING -> VALIDATING -> (REJECTED | EXECUTING) -> (COMMITTED | ROLLED_BACK) -> AUDITED
//
// A rejected operation never opens a transaction; every opened scope sees
// exactly one Commit or Rollback; every invocation produces exactly one
// audit record and one metric sample, after the commit state is known.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"time"

	retry "github.com/avast/retry-go/v5"

	"opgate/internal/audit"
	"opgate/internal/metrics"
	"opgate/internal/operation"
	"opgate/internal/security"
	"opgate/pkg/domerr"
	"opgate/pkg/requestcontext"
	"opgate/pkg/sentinel"
	txcontext "opgate/pkg/tx"
)

// Executor coordinates validation, transactional execution, auditing,
// metrics, and alerting for registered operations.
type Executor struct {
	registry  *operation.Registry
	validator *security.Validator
	store     DataStore
	trail     *audit.Trail
	sink      *metrics.Sink

	monitor       *metrics.Monitor
	alertOutcomes map[operation.Outcome]bool
	retryAttempts uint
	retryBase     time.Duration
	logger        *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithMonitor enables synchronous threshold evaluation after alert-worthy
// failures.
func WithMonitor(m *metrics.Monitor) Option {
	return func(e *Executor) {
		e.monitor = m
	}
}

// WithAlertOutcomes overrides which failure categories trigger a synchronous
// monitor check. Default: integrity_failure and system_failure.
func WithAlertOutcomes(outcomes ...operation.Outcome) Option {
	return func(e *Executor) {
		e.alertOutcomes = make(map[operation.Outcome]bool, len(outcomes))
		for _, o := range outcomes {
			e.alertOutcomes[o] = true
		}
	}
}

// WithRetry sets the transient-failure attempt ceiling and backoff base.
func WithRetry(attempts uint, base time.Duration) Option {
	return func(e *Executor) {
		if attempts > 0 {
			e.retryAttempts = attempts
		}
		if base > 0 {
			e.retryBase = base
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = logger
	}
}

// New creates an executor. Registry, validator, store, trail, and sink are
// all required; alerting is optional.
func New(
	registry *operation.Registry,
	validator *security.Validator,
	store DataStore,
	trail *audit.Trail,
	sink *metrics.Sink,
	opts ...Option,
) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("operation registry is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("security validator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("data store is required")
	}
	if trail == nil {
		return nil, fmt.Errorf("audit trail is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("metrics sink is required")
	}

	e := &Executor{
		registry:  registry,
		validator: validator,
		store:     store,
		trail:     trail,
		sink:      sink,
		alertOutcomes: map[operation.Outcome]bool{
			operation.OutcomeIntegrityFailure: true,
			operation.OutcomeSystemFailure:    true,
		},
		retryAttempts: 3,
		retryBase:     50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// Execute runs one operation through the full pipeline. The caller's ctx
// deadline bounds execution; a timed-out operation is rolled back and
// reported as a system failure, never left hanging.
//
// Rejections and integrity failures come back as typed results with a nil
// error. Only system failures additionally surface an error value, after
// rollback and audit have completed.
func (e *Executor) Execute(ctx context.Context, op operation.Operation, sctx operation.SecurityContext) (operation.Result, error) {
	start := time.Now()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	spec, ok := e.registry.Lookup(op.Kind)
	if !ok {
		res := operation.Result{
			Outcome:          operation.OutcomeValidationFailure,
			ValidationErrors: map[string]string{"kind": "unknown operation kind"},
			ErrorDetail:      fmt.Sprintf("unknown operation kind %q", op.Kind),
		}
		e.finalize(ctx, op, sctx, operation.Spec{}, res, start, &memBefore)
		return res, nil
	}

	// VALIDATING. A failing gate rejects before any transaction opens.
	outcome, err := e.validator.Validate(ctx, op, sctx)
	if err != nil {
		res := operation.Result{
			Outcome:     operation.OutcomeSystemFailure,
			ErrorDetail: fmt.Sprintf("validation infrastructure: %v", err),
		}
		e.finalize(ctx, op, sctx, spec, res, start, &memBefore)
		return res, domerr.Wrap(err, domerr.CodeInternal, "security validation could not run")
	}
	if !outcome.OK() {
		res := outcome.ToResult()
		e.finalize(ctx, op, sctx, spec, res, start, &memBefore)
		return res, nil
	}

	// EXECUTING.
	res, execErr := e.runWithRetry(ctx, spec, op)
	e.finalize(ctx, op, sctx, spec, res, start, &memBefore)
	if res.Outcome == operation.OutcomeSystemFailure {
		code := domerr.CodeInternal
		if errors.Is(execErr, sentinel.ErrTimeout) || errors.Is(execErr, context.DeadlineExceeded) {
			code = domerr.CodeTimeout
		}
		return res, domerr.Wrap(execErr, code, "operation execution failed")
	}
	return res, nil
}

// runWithRetry executes the action inside a transactional scope, retrying
// transient failures up to the attempt ceiling with exponential backoff plus
// jitter. Validation is never repeated; re-entry happens at the transaction
// step.
func (e *Executor) runWithRetry(ctx context.Context, spec operation.Spec, op operation.Operation) (operation.Result, error) {
	// Nested invocation: the caller already owns a scope. Run inside it and
	// leave commit/rollback to the owner; opening a second transaction here
	// would break all-or-nothing semantics.
	if _, nested := txcontext.From(ctx); nested {
		data, err := e.invoke(ctx, spec, op)
		if err != nil {
			return e.classify(err), err
		}
		if spec.PostCondition != nil {
			if pcErr := spec.PostCondition(data); pcErr != nil {
				err := fmt.Errorf("%w: post-condition: %v", sentinel.ErrIntegrity, pcErr)
				return e.classify(err), err
			}
		}
		return operation.Result{Outcome: operation.OutcomeSuccess, Data: data}, nil
	}

	var data any
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(e.retryAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if errors.Is(err, sentinel.ErrIntegrity) || errors.Is(err, sentinel.ErrTimeout) {
				return false
			}
			return e.store.ShouldRetry(err)
		}),
		// Exponential backoff from the configured base, plus jitter so
		// concurrent retries of a shared contention point spread out.
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			backoff := e.retryBase << n
			jitter := time.Duration(rand.Int64N(int64(e.retryBase)))
			return backoff + jitter
		}),
	).Do(func() error {
		var attemptErr error
		data, attemptErr = e.attempt(ctx, spec, op)
		return attemptErr
	})
	if err != nil {
		return e.classify(err), err
	}
	return operation.Result{Outcome: operation.OutcomeSuccess, Data: data}, nil
}

// attempt opens one scope and resolves it to exactly one commit or rollback.
func (e *Executor) attempt(ctx context.Context, spec operation.Spec, op operation.Operation) (any, error) {
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("open transactional scope: %w", err)
	}

	execCtx := tx.Context(ctx)

	data, err := e.invoke(execCtx, spec, op)
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			e.logger.ErrorContext(ctx, "rollback failed after action error",
				"kind", string(op.Kind), "error", rbErr)
		}
		return nil, err
	}

	// Result validation: guards against actions that partially fabricate
	// success. A failing post-condition rolls back even though the action
	// reported success.
	if spec.PostCondition != nil {
		if pcErr := spec.PostCondition(data); pcErr != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				e.logger.ErrorContext(ctx, "rollback failed after post-condition violation",
					"kind", string(op.Kind), "error", rbErr)
			}
			return nil, fmt.Errorf("%w: post-condition: %v", sentinel.ErrIntegrity, pcErr)
		}
	}

	// Commit failure is a system failure, not a partial success; the store
	// guarantees no partial writes remain visible.
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rejected: %w", err)
	}
	return data, nil
}

// invoke runs the action under watch: a deadline elapsing mid-action yields
// control back immediately so the scope can be rolled back. The action's
// goroutine sees ctx cancelled and is expected to unwind; its eventual
// result is discarded.
func (e *Executor) invoke(ctx context.Context, spec operation.Spec, op operation.Operation) (any, error) {
	type actionResult struct {
		data any
		err  error
	}
	done := make(chan actionResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- actionResult{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		data, err := spec.Action(ctx, op)
		done <- actionResult{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: action cancelled: %v", sentinel.ErrTimeout, ctx.Err())
	case res := <-done:
		return res.data, res.err
	}
}

// classify maps an execution error to its failure outcome.
func (e *Executor) classify(err error) operation.Result {
	switch {
	case errors.Is(err, sentinel.ErrIntegrity) || domerr.Is(err, domerr.CodeIntegrity):
		return operation.Result{
			Outcome:     operation.OutcomeIntegrityFailure,
			ErrorDetail: err.Error(),
		}
	case errors.Is(err, sentinel.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		return operation.Result{
			Outcome:     operation.OutcomeSystemFailure,
			ErrorDetail: "deadline exceeded during execution: " + err.Error(),
		}
	default:
		return operation.Result{
			Outcome:     operation.OutcomeSystemFailure,
			ErrorDetail: err.Error(),
		}
	}
}

// finalize writes the single audit record and metric sample for a terminal
// state, then runs the synchronous threshold check for alert-worthy
// failures. Order is fixed: commit (already done) -> audit -> metrics ->
// alert, so the audit trail always reflects a durable outcome.
func (e *Executor) finalize(
	ctx context.Context,
	op operation.Operation,
	sctx operation.SecurityContext,
	spec operation.Spec,
	res operation.Result,
	start time.Time,
	memBefore *runtime.MemStats,
) {
	duration := time.Since(start)

	// Finalization outlives the caller's deadline: a timed-out operation
	// still gets its durable audit record and metric sample. Context values
	// (request ID, an owning scope) survive the detach.
	ctx = context.WithoutCancel(ctx)

	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	var memPeak uint64
	if memAfter.HeapAlloc > memBefore.HeapAlloc {
		memPeak = memAfter.HeapAlloc - memBefore.HeapAlloc
	}

	e.trail.Append(ctx, audit.Record{
		OperationKind: op.Kind,
		Context: audit.ContextSnapshot{
			CallerID:           sctx.CallerID,
			OriginAddress:      sctx.OriginAddress,
			RequestFingerprint: sctx.RequestFingerprint,
			RequestID:          requestcontext.RequestID(ctx),
		},
		Outcome:     res.Outcome,
		Timestamp:   time.Now(),
		DurationMs:  duration.Milliseconds(),
		ErrorDetail: res.ErrorDetail,
	})

	e.sink.Observe(metrics.Sample{
		Kind:       op.Kind,
		Outcome:    res.Outcome,
		Duration:   duration,
		MemoryPeak: memPeak,
		At:         time.Now(),
	})

	if e.monitor != nil && res.Outcome.IsFailure() && (e.alertOutcomes[res.Outcome] || spec.AlertWorthy) {
		e.monitor.Check(ctx, time.Now())
	}
}

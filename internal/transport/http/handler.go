// Package http exposes the pipeline to HTTP callers. It is a thin consumer
// of the core: decode the envelope, build the operation, execute, map the
// outcome to a status line. No pipeline semantics live here.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"opgate/internal/executor"
	"opgate/internal/operation"
	"opgate/internal/platform/middleware"
	"opgate/pkg/domerr"
	"opgate/pkg/requestcontext"
)

// Handler serves operation execution requests.
type Handler struct {
	exec     *executor.Executor
	registry *operation.Registry
	logger   *slog.Logger
	timeout  time.Duration
}

// NewHandler creates the transport handler. The timeout bounds each
// invocation's execution deadline.
func NewHandler(exec *executor.Executor, registry *operation.Registry, logger *slog.Logger, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{exec: exec, registry: registry, logger: logger, timeout: timeout}
}

type executeRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type executeResponse struct {
	Outcome          string            `json:"outcome"`
	Data             any               `json:"data,omitempty"`
	ValidationErrors map[string]string `json:"validation_errors,omitempty"`
	Error            string            `json:"error,omitempty"`
	RequestID        string            `json:"request_id,omitempty"`
}

// Execute handles POST /v1/operations.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sctx, ok := middleware.SecurityContextFrom(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, executeResponse{Error: "missing security context"})
		return
	}

	var req executeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, executeResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if req.Kind == "" {
		writeJSON(w, http.StatusBadRequest, executeResponse{Error: "kind is required"})
		return
	}

	op, err := h.registry.NewOperation(operation.Kind(req.Kind), req.Payload, requestcontext.Now(ctx))
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, executeResponse{
			Outcome: string(operation.OutcomeValidationFailure),
			Error:   err.Error(),
		})
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	result, execErr := h.exec.Execute(execCtx, op, sctx)
	if execErr != nil {
		h.logger.ErrorContext(ctx, "operation failed",
			"kind", req.Kind,
			"outcome", string(result.Outcome),
			"error", execErr,
			"request_id", requestcontext.RequestID(ctx),
		)
	}

	status := statusFor(result, execErr)
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(result.RetryAfter.Seconds()+0.5)))
	}
	writeJSON(w, status, executeResponse{
		Outcome:          string(result.Outcome),
		Data:             result.Data,
		ValidationErrors: result.ValidationErrors,
		Error:            result.ErrorDetail,
		RequestID:        requestcontext.RequestID(ctx),
	})
}

func statusFor(result operation.Result, execErr error) int {
	switch result.Outcome {
	case operation.OutcomeSuccess:
		return http.StatusOK
	case operation.OutcomeValidationFailure:
		return http.StatusUnprocessableEntity
	case operation.OutcomeSecurityFailure:
		if result.RetryAfter > 0 {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case operation.OutcomeIntegrityFailure:
		return http.StatusInternalServerError
	default:
		var de *domerr.Error
		if errors.As(execErr, &de) && de.Code == domerr.CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

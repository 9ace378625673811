package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opgate/internal/jwt_token"
	"opgate/internal/platform/middleware"
)

// RouterDeps carries everything the router needs. Health is an optional
// probe over configured backends.
type RouterDeps struct {
	Handler *Handler
	Tokens  *jwttoken.Service
	Logger  *slog.Logger
	Health  func(r *http.Request) error
}

// NewRouter wires the public endpoints: the execute entry point behind
// auth, plus unauthenticated health and metrics probes.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(req); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAuth(deps.Tokens, logger))
		r.Post("/v1/operations", deps.Handler.Execute)
	})

	return r
}

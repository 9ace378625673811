// main wires high-level dependencies and keeps the server lifecycle small.
// Pipeline logic lives in the internal packages; everything here is
// construction order and graceful shutdown.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"opgate/internal/alert"
	alertkafka "opgate/internal/alert/kafka"
	"opgate/internal/audit"
	auditmemory "opgate/internal/audit/store/memory"
	auditpostgres "opgate/internal/audit/store/postgres"
	"opgate/internal/cache"
	"opgate/internal/executor"
	"opgate/internal/jwt_token"
	"opgate/internal/metrics"
	"opgate/internal/operation"
	"opgate/internal/platform/config"
	"opgate/internal/platform/httpserver"
	platformpg "opgate/internal/platform/postgres"
	platformredis "opgate/internal/platform/redis"
	"opgate/internal/security"
	"opgate/internal/security/ratelimit"
	transport "opgate/internal/transport/http"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backends: Postgres and Redis when configured, in-memory fallbacks
	// otherwise so development needs no infrastructure.
	db, err := platformpg.Open(cfg.PostgresDSN)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Audit trail.
	var auditStore audit.Store
	if db != nil {
		auditStore = auditpostgres.New(db)
	} else {
		logger.Warn("no postgres configured, audit records are not durable")
		auditStore = auditmemory.NewStore()
	}
	trail := audit.NewTrail(auditStore,
		audit.WithLogger(logger.With("component", "audit")),
		audit.WithMetrics(audit.NewMetrics()),
	)

	// Integrity cache.
	var cacheStore cache.Store
	if redisClient != nil {
		cacheStore = cache.NewRedisStore(redisClient.Client)
	} else {
		cacheStore = cache.NewMemoryStore()
	}
	integrityCache, err := cache.New(cacheStore, []byte(cfg.CacheSecret),
		cache.WithAuditSink(trail),
		cache.WithLogger(logger.With("component", "cache")),
	)
	if err != nil {
		return err
	}

	// Security validator.
	var windows ratelimit.WindowStore
	if redisClient != nil {
		windows = ratelimit.NewRedisStore(redisClient.Client)
	} else {
		windows = ratelimit.NewMemoryStore()
	}
	validator, err := security.NewValidator(windows, security.Limits{
		Default: security.Limit{Requests: cfg.RateLimitRequests, Window: cfg.RateLimitWindow},
	}, security.WithLogger(logger.With("component", "security")))
	if err != nil {
		return err
	}

	// Metrics and alerting.
	sink := metrics.NewSink(metrics.WithPromExporter(metrics.NewPromExporter()))
	dispatcher, closeDispatcher, err := buildDispatcher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDispatcher()
	monitor, err := metrics.NewMonitor(sink, cfg.ThresholdRules, dispatcher,
		metrics.WithCooldown(cfg.AlertCooldown),
		metrics.WithMonitorLogger(logger.With("component", "monitor")),
	)
	if err != nil {
		return err
	}

	// Executor over the data store.
	var store executor.DataStore
	if db != nil {
		store = executor.NewPostgresStore(db)
	} else {
		store = noopStore{}
	}
	registry := operation.NewRegistry()
	if err := registerOperations(registry, integrityCache, db); err != nil {
		return err
	}
	exec, err := executor.New(registry, validator, store, trail, sink,
		executor.WithMonitor(monitor),
		executor.WithRetry(cfg.RetryAttempts, cfg.RetryBackoff),
		executor.WithLogger(logger.With("component", "executor")),
	)
	if err != nil {
		return err
	}

	// Transport.
	tokens := jwttoken.NewService(cfg.JWTSigningKey, "opgate", "opgate")
	handler := transport.NewHandler(exec, registry, logger.With("component", "http"), 30*time.Second)
	router := transport.NewRouter(transport.RouterDeps{
		Handler: handler,
		Tokens:  tokens,
		Logger:  logger,
		Health: func(r *http.Request) error {
			if redisClient != nil {
				if err := redisClient.Health(r.Context()); err != nil {
					return err
				}
			}
			if db != nil {
				return db.PingContext(r.Context())
			}
			return nil
		},
	})

	srv := httpserver.New(cfg.Addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting opgate", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		// Periodic sweep catches threshold drift between failures.
		return monitor.Run(gctx, time.Minute)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func buildDispatcher(cfg config.Config, logger *slog.Logger) (metrics.Dispatcher, func(), error) {
	logDispatcher := alert.NewLogDispatcher(logger.With("component", "alerts"))
	if len(cfg.KafkaBrokers) == 0 {
		return logDispatcher, func() {}, nil
	}

	client, err := alertkafka.NewClient(cfg.KafkaBrokers)
	if err != nil {
		return nil, nil, err
	}
	kafkaDispatcher, err := alertkafka.New(client, cfg.KafkaTopic)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return alert.Fanout{kafkaDispatcher, logDispatcher}, func() { client.Close() }, nil
}

// noopStore satisfies executor.DataStore when no durable store is
// configured. Scopes commit trivially; actions in this mode must be pure or
// idempotent.
type noopStore struct{}

func (noopStore) Begin(ctx context.Context) (executor.Tx, error) { return noopTx{}, nil }
func (noopStore) ShouldRetry(err error) bool                     { return false }

type noopTx struct{}

func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }
func (noopTx) Context(ctx context.Context) context.Context {
	return ctx
}

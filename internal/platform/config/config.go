// Package config loads the process configuration from the environment once
// at startup. The resulting struct is immutable; components receive the
// slices they need at construction and never re-read the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"opgate/internal/metrics"
)

// Config is the full process configuration.
type Config struct {
	Addr string

	// PostgresDSN enables the durable data store and audit store when set;
	// empty falls back to in-memory stores (development only).
	PostgresDSN string

	// RedisURL enables shared cache and rate-limit state when set.
	Redis RedisConfig

	// CacheSecret keys the cache integrity HMAC. Required in production.
	CacheSecret string

	// JWTSigningKey verifies inbound bearer tokens.
	JWTSigningKey string

	// Rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Retry policy for transient execution failures.
	RetryAttempts uint
	RetryBackoff  time.Duration

	// Alerting.
	ThresholdRules []metrics.Rule
	AlertCooldown  time.Duration
	KafkaBrokers   []string
	KafkaTopic     string
}

// RedisConfig captures Redis connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg := Config{
		Addr:              envOr("OPGATE_ADDR", ":8080"),
		PostgresDSN:       os.Getenv("OPGATE_POSTGRES_DSN"),
		CacheSecret:       envOr("OPGATE_CACHE_SECRET", "dev-secret-change-in-production"),
		JWTSigningKey:     envOr("OPGATE_JWT_SIGNING_KEY", "dev-secret-change-in-production"),
		RateLimitRequests: envIntOr("OPGATE_RATE_LIMIT_REQUESTS", 100),
		RateLimitWindow:   envDurationOr("OPGATE_RATE_LIMIT_WINDOW", time.Minute),
		RetryAttempts:     uint(envIntOr("OPGATE_RETRY_ATTEMPTS", 3)),
		RetryBackoff:      envDurationOr("OPGATE_RETRY_BACKOFF", 50*time.Millisecond),
		AlertCooldown:     envDurationOr("OPGATE_ALERT_COOLDOWN", 5*time.Minute),
		KafkaTopic:        envOr("OPGATE_ALERT_TOPIC", "opgate.alerts"),
		Redis: RedisConfig{
			URL:          os.Getenv("OPGATE_REDIS_URL"),
			PoolSize:     envIntOr("OPGATE_REDIS_POOL_SIZE", 10),
			MinIdleConns: envIntOr("OPGATE_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDurationOr("OPGATE_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDurationOr("OPGATE_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDurationOr("OPGATE_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
	}

	if brokers := os.Getenv("OPGATE_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	if rules := os.Getenv("OPGATE_THRESHOLD_RULES"); rules != "" {
		if err := json.Unmarshal([]byte(rules), &cfg.ThresholdRules); err != nil {
			return Config{}, fmt.Errorf("parse OPGATE_THRESHOLD_RULES: %w", err)
		}
		for _, r := range cfg.ThresholdRules {
			if !r.Op.Valid() {
				return Config{}, fmt.Errorf("threshold rule %q: unknown operator %q", r.Metric, r.Op)
			}
		}
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

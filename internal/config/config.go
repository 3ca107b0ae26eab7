// Package config loads the Harrier configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Load reads configuration from environment variables on top of the
// deployment preset. A .env file in the working directory is loaded if
// present; variables already set in the environment win.
func Load() (*domain.Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds the configuration from the current environment only.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Deployment(os.Getenv("HARRIER_DEPLOYMENT")) == domain.DeploymentCluster {
		cfg = domain.ClusterConfig()
	}

	p := &parser{}

	// Server
	cfg.Server.Host = getEnv("HARRIER_HOST", cfg.Server.Host)
	cfg.Server.Port = p.int("HARRIER_PORT", cfg.Server.Port)
	cfg.Server.MaxBodyBytes = p.int("HARRIER_MAX_BODY_BYTES", cfg.Server.MaxBodyBytes)
	if raw := os.Getenv("HARRIER_CORS_ORIGINS"); raw != "" {
		cfg.Server.AllowedOrigins = splitList(raw, strings.TrimSpace)
	}

	// Logging and tracing
	cfg.Logging.Level = getEnv("HARRIER_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("HARRIER_LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = p.bool("HARRIER_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("HARRIER_OTLP_ENDPOINT", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint))
	cfg.Tracing.Insecure = p.bool("HARRIER_OTLP_INSECURE", cfg.Tracing.Insecure)
	cfg.Tracing.SampleRatio = p.float("HARRIER_TRACE_SAMPLE_RATIO", cfg.Tracing.SampleRatio)

	// Repository
	cfg.Repository.Driver = getEnv("HARRIER_REPOSITORY", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("HARRIER_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("HARRIER_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = p.int("HARRIER_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("HARRIER_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("HARRIER_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("HARRIER_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("HARRIER_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)

	// Cache
	cfg.Cache.Type = getEnv("HARRIER_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisAddr = getEnv("HARRIER_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("HARRIER_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.EnableTwoPhase = p.bool("HARRIER_TWO_PHASE_CACHE", cfg.Cache.EnableTwoPhase)

	// Event bus
	cfg.EventBus.Type = getEnv("HARRIER_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = getEnv("HARRIER_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("HARRIER_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.QueueGroup = getEnv("HARRIER_NATS_QUEUE_GROUP", cfg.EventBus.QueueGroup)

	// Scoring
	if raw := os.Getenv("HARRIER_HIGH_RISK_COUNTRIES"); raw != "" {
		cfg.Rules.HighRiskCountries = splitList(raw, func(c string) string {
			return strings.ToUpper(strings.TrimSpace(c))
		})
	}
	cfg.Rules.MaxAmount = p.decimal("HARRIER_MAX_AMOUNT", cfg.Rules.MaxAmount)
	cfg.Model.Path = getEnv("HARRIER_MODEL_PATH", cfg.Model.Path)
	cfg.Detector.Endpoint = getEnv("HARRIER_DETECTOR_ENDPOINT", cfg.Detector.Endpoint)
	cfg.Detector.APIKey = getEnv("HARRIER_DETECTOR_KEY", cfg.Detector.APIKey)
	if ms := p.int("HARRIER_DETECTOR_TIMEOUT_MS", 0); ms > 0 {
		cfg.Detector.Timeout = time.Duration(ms) * time.Millisecond
	}

	// Hub
	cfg.Hub.HeartbeatInterval = p.duration("HARRIER_HEARTBEAT_INTERVAL", cfg.Hub.HeartbeatInterval)
	cfg.Hub.HeartbeatMultiple = p.int("HARRIER_HEARTBEAT_MULTIPLE", cfg.Hub.HeartbeatMultiple)

	// Worker
	cfg.Worker.Enabled = p.bool("HARRIER_ASYNC_WORKER", cfg.Worker.Enabled)

	if p.err != nil {
		return nil, p.err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option values that would otherwise fail late.
func Validate(cfg *domain.Config) error {
	switch cfg.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		return fmt.Errorf("HARRIER_REPOSITORY must be sqlite, postgres or none, got %q", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("HARRIER_CACHE must be memory or redis, got %q", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("HARRIER_BUS must be channel or nats, got %q", cfg.EventBus.Type)
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("HARRIER_PORT out of range: %d", cfg.Server.Port)
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("HARRIER_MAX_BODY_BYTES must be positive, got %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Hub.HeartbeatInterval <= 0 || cfg.Hub.HeartbeatMultiple < 1 {
		return fmt.Errorf("heartbeat interval and multiple must be positive")
	}
	if !cfg.Rules.MaxAmount.IsPositive() || cfg.Rules.MaxAmount.GreaterThan(maxRepresentableAmount) {
		return fmt.Errorf("HARRIER_MAX_AMOUNT must be in (0, %s], got %s", maxRepresentableAmount, cfg.Rules.MaxAmount)
	}
	return nil
}

// maxRepresentableAmount keeps amounts far inside float64 range once
// features square and sum them.
var maxRepresentableAmount = decimal.New(1, 15)

// parser records the first malformed value.
type parser struct {
	err error
}

func (p *parser) int(key string, def int) int {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return i
}

func (p *parser) bool(key string, def bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return b
}

func (p *parser) float(key string, def float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return f
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		p.fail(key, value, err)
		return def
	}
	return d
}

func (p *parser) fail(key, value string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// splitList splits a comma separated value, normalizing each item and
// dropping empty ones.
func splitList(raw string, normalize func(string) string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = normalize(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

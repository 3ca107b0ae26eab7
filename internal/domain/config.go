package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Harrier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Deployment determines the default backing services
	Deployment Deployment `json:"deployment"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Scoring configuration
	Rules    RulesConfig    `json:"rules"`
	Profile  ProfileConfig  `json:"profile"`
	Model    ModelConfig    `json:"model"`
	Detector DetectorConfig `json:"detector"`

	// Real-time distribution
	Hub HubConfig `json:"hub"`

	// Async ingestion
	Worker WorkerConfig `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// Deployment selects a preset of backing services.
type Deployment string

const (
	// DeploymentStandalone runs on SQLite + in-process channels + LRU.
	DeploymentStandalone Deployment = "standalone"

	// DeploymentCluster runs on PostgreSQL + NATS + Redis.
	DeploymentCluster Deployment = "cluster"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// AllowedOrigins lists browser origins admitted by CORS; "*" admits any.
	AllowedOrigins []string `json:"allowedOrigins"`

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int `json:"maxBodyBytes"`
}

// DefaultMaxBodyBytes is the request body cap when none is configured.
const DefaultMaxBodyBytes = 1 << 20

// RulesConfig holds rule engine settings.
type RulesConfig struct {
	// HighRiskCountries is the blacklist consulted by blacklist_check (ISO alpha-2).
	HighRiskCountries []string `json:"highRiskCountries"`

	// MaxAmount rejects larger transactions at validation.
	MaxAmount decimal.Decimal `json:"maxAmount"`
}

// ProfileConfig holds user profile settings.
type ProfileConfig struct {
	TTL            time.Duration `json:"ttl"`
	MaxRecent      int           `json:"maxRecent"`
	VelocityWindow time.Duration `json:"velocityWindow"`
	HistoryWindow  time.Duration `json:"historyWindow"` // used to rebuild evicted profiles
}

// ModelConfig holds anomaly model settings.
type ModelConfig struct {
	// Path to a JSON model artifact. Empty uses the frozen baseline model.
	Path       string `json:"path"`
	Trees      int    `json:"trees"`
	SampleSize int    `json:"sampleSize"`
	Seed       uint64 `json:"seed"`
}

// DetectorConfig holds external anomaly detector settings.
type DetectorConfig struct {
	// Endpoint of the managed anomaly detection service. Empty disables remote calls.
	Endpoint    string        `json:"endpoint"`
	APIKey      string        `json:"-"`
	Timeout     time.Duration `json:"timeout"`
	Granularity string        `json:"granularity"`
	Sensitivity int           `json:"sensitivity"`
}

// HubConfig holds broadcast hub settings.
type HubConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeatInterval"`
	HeartbeatMultiple int           `json:"heartbeatMultiple"`
	SendBuffer        int           `json:"sendBuffer"`
	StatsInterval     time.Duration `json:"statsInterval"`
	ReconnectDelay    time.Duration `json:"reconnectDelay"`
	MaxConnections    int           `json:"maxConnections"`
}

// WorkerConfig holds async ingestion worker settings.
type WorkerConfig struct {
	Enabled bool `json:"enabled"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`

	// Endpoint is the OTLP/gRPC collector address (host:port).
	Endpoint string `json:"endpoint"`
	Insecure bool   `json:"insecure"`

	// SampleRatio outside (0,1) samples every root span.
	SampleRatio float64 `json:"sampleRatio"`
}

// DefaultConfig returns a default configuration for a standalone node.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    30,
			WriteTimeout:   30,
			AllowedOrigins: []string{"*"},
			MaxBodyBytes:   DefaultMaxBodyBytes,
		},
		Deployment: DeploymentStandalone,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./harrier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 100000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Rules: RulesConfig{
			HighRiskCountries: []string{"KP", "IR", "SY", "CU", "RU", "NG"},
			MaxAmount:         DefaultMaxAmount,
		},
		Profile: ProfileConfig{
			TTL:            30 * 24 * time.Hour,
			MaxRecent:      50,
			VelocityWindow: 5 * time.Minute,
			HistoryWindow:  30 * 24 * time.Hour,
		},
		Model: ModelConfig{
			Trees:      100,
			SampleSize: 256,
			Seed:       42,
		},
		Detector: DetectorConfig{
			Timeout:     40 * time.Millisecond,
			Granularity: "minutely",
			Sensitivity: 95,
		},
		Hub: HubConfig{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMultiple: 2,
			SendBuffer:        256,
			StatsInterval:     10 * time.Second,
			ReconnectDelay:    3 * time.Second,
			MaxConnections:    10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "harrier",
			Insecure:    true,
			SampleRatio: 1,
		},
	}
}

// ClusterConfig returns a configuration for a multi-node deployment.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Deployment = DeploymentCluster
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "harrier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   10000,
		LocalTTL:       30 * time.Second,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		QueueGroup:        "harrier-workers",
	}
	cfg.Worker.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}

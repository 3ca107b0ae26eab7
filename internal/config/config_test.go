package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("HARRIER_DEPLOYMENT", "")

	cfg, err := FromEnv()
	require.NoError(t, err)

	def := domain.DefaultConfig()
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Repository.Driver)
	assert.Equal(t, "memory", cfg.Cache.Type)
	assert.Equal(t, "channel", cfg.EventBus.Type)
	assert.Equal(t, 40*time.Millisecond, cfg.Detector.Timeout)
	assert.Equal(t, def.Rules.HighRiskCountries, cfg.Rules.HighRiskCountries)
	assert.True(t, domain.DefaultMaxAmount.Equal(cfg.Rules.MaxAmount))
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("HARRIER_PORT", "9090")
	t.Setenv("HARRIER_LOG_LEVEL", "debug")
	t.Setenv("HARRIER_REPOSITORY", "none")
	t.Setenv("HARRIER_HIGH_RISK_COUNTRIES", " kp, ir ,,ve")
	t.Setenv("HARRIER_DETECTOR_ENDPOINT", "https://detector.example.com")
	t.Setenv("HARRIER_DETECTOR_KEY", "secret")
	t.Setenv("HARRIER_DETECTOR_TIMEOUT_MS", "25")
	t.Setenv("HARRIER_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("HARRIER_HEARTBEAT_MULTIPLE", "3")
	t.Setenv("HARRIER_ASYNC_WORKER", "true")
	t.Setenv("HARRIER_CORS_ORIGINS", "https://ops.example.com, https://risk.example.com")
	t.Setenv("HARRIER_TRACING", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("HARRIER_TRACE_SAMPLE_RATIO", "0.25")
	t.Setenv("HARRIER_MAX_AMOUNT", "250000.50")
	t.Setenv("HARRIER_MAX_BODY_BYTES", "65536")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "none", cfg.Repository.Driver)
	assert.Equal(t, []string{"KP", "IR", "VE"}, cfg.Rules.HighRiskCountries)
	assert.Equal(t, "https://detector.example.com", cfg.Detector.Endpoint)
	assert.Equal(t, "secret", cfg.Detector.APIKey)
	assert.Equal(t, 25*time.Millisecond, cfg.Detector.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Hub.HeartbeatMultiple)
	assert.True(t, cfg.Worker.Enabled)
	assert.Equal(t, []string{"https://ops.example.com", "https://risk.example.com"}, cfg.Server.AllowedOrigins)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4317", cfg.Tracing.Endpoint)
	assert.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
	assert.Equal(t, "250000.5", cfg.Rules.MaxAmount.String())
	assert.Equal(t, 65536, cfg.Server.MaxBodyBytes)
}

func TestFromEnv_ClusterPreset(t *testing.T) {
	t.Setenv("HARRIER_DEPLOYMENT", "cluster")
	t.Setenv("HARRIER_NATS_URL", "nats://bus:4222")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, domain.DeploymentCluster, cfg.Deployment)
	assert.Equal(t, "postgres", cfg.Repository.Driver)
	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "nats://bus:4222", cfg.EventBus.NATSUrl)
	assert.Equal(t, "harrier-workers", cfg.EventBus.QueueGroup)
	assert.True(t, cfg.Worker.Enabled)
}

func TestFromEnv_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"port not a number", "HARRIER_PORT", "eighty", "HARRIER_PORT"},
		{"port out of range", "HARRIER_PORT", "70000", "out of range"},
		{"bad bool", "HARRIER_ASYNC_WORKER", "maybe", "HARRIER_ASYNC_WORKER"},
		{"bad duration", "HARRIER_HEARTBEAT_INTERVAL", "often", "HARRIER_HEARTBEAT_INTERVAL"},
		{"bad sample ratio", "HARRIER_TRACE_SAMPLE_RATIO", "half", "HARRIER_TRACE_SAMPLE_RATIO"},
		{"bad max amount", "HARRIER_MAX_AMOUNT", "lots", "HARRIER_MAX_AMOUNT"},
		{"max amount too large", "HARRIER_MAX_AMOUNT", "1e400", "HARRIER_MAX_AMOUNT"},
		{"max amount not positive", "HARRIER_MAX_AMOUNT", "0", "HARRIER_MAX_AMOUNT"},
		{"body cap not positive", "HARRIER_MAX_BODY_BYTES", "0", "HARRIER_MAX_BODY_BYTES"},
		{"unknown repository", "HARRIER_REPOSITORY", "mongo", "HARRIER_REPOSITORY"},
		{"unknown cache", "HARRIER_CACHE", "memcached", "HARRIER_CACHE"},
		{"unknown bus", "HARRIER_BUS", "kafka", "HARRIER_BUS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			_, err := FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HARRIER_PORT=7070\nHARRIER_LOG_FORMAT=text\n"), 0o600))
	t.Chdir(dir)

	// Registered so the values loaded from .env are cleared afterwards.
	t.Setenv("HARRIER_PORT", "")
	t.Setenv("HARRIER_LOG_FORMAT", "")
	os.Unsetenv("HARRIER_PORT")
	os.Unsetenv("HARRIER_LOG_FORMAT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "text", cfg.Logging.Format)
}

package observability

import (
	"testing"
	"time"

	"github.com/smallbiznis/marketledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFallsBackToAppConfig(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "HTTP")
	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "750ms")
	t.Setenv("OTEL_SAMPLING_RATIO", "4")

	cfg, err := LoadConfig(config.Config{
		AppName:      "marketledger",
		AppVersion:   "1.2.3",
		Environment:  "staging",
		OTLPEndpoint: "collector:4317",
	})
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "1.2.3", cfg.Version)
	assert.Equal(t, "collector:4317", cfg.OtelExporterEndpoint)
	assert.Equal(t, "http", cfg.OtelExporterProtocol)
	assert.Equal(t, 750*time.Millisecond, cfg.SlowQueryThreshold)
	assert.Equal(t, 0.1, cfg.OtelSamplingRatio)
	assert.False(t, cfg.Debug())
}

func TestLoadConfigRejectsMalformedValues(t *testing.T) {
	t.Setenv("DB_SLOW_QUERY_THRESHOLD", "soon")

	_, err := LoadConfig(config.Config{})
	assert.Error(t, err)
}

func TestDebugInDevelopment(t *testing.T) {
	assert.True(t, Config{Environment: "local"}.Debug())
	assert.True(t, Config{LogLevel: "debug", Environment: "production"}.Debug())
}

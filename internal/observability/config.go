package observability

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/smallbiznis/marketledger/internal/config"
)

// Config holds observability configuration derived from environment variables.
type Config struct {
	ServiceName string
	Environment string
	Version     string

	LogLevel  string
	LogFormat string

	SQLLogLevel        string
	SlowQueryThreshold time.Duration

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string
	OtelSamplingRatio    float64
}

type envConfig struct {
	DeploymentEnv  string `env:"DEPLOYMENT_ENV"`
	ServiceVersion string `env:"SERVICE_VERSION"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	SQLLogLevel        string        `env:"LOG_SQL" envDefault:"warn"`
	SlowQueryThreshold time.Duration `env:"DB_SLOW_QUERY_THRESHOLD" envDefault:"200ms"`

	OtelEnabled        bool    `env:"OTEL_ENABLED" envDefault:"true"`
	OtelEndpoint       string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OtelProtocol       string  `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	OtelTracesProtocol string  `env:"OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"`
	OtelSamplingRatio  float64 `env:"OTEL_SAMPLING_RATIO" envDefault:"0.1"`
}

// LoadConfig reads the observability environment on top of the app config.
// Unset variables fall back to the app-level values.
func LoadConfig(cfg config.Config) (Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse observability env: %w", err)
	}
	return fromEnv(cfg, raw), nil
}

func fromEnv(cfg config.Config, raw envConfig) Config {
	serviceName := strings.TrimSpace(cfg.AppName)
	if serviceName == "" {
		serviceName = "marketledger"
	}

	protocol := raw.OtelProtocol
	if traces := strings.TrimSpace(raw.OtelTracesProtocol); traces != "" {
		protocol = traces
	}

	ratio := raw.OtelSamplingRatio
	if ratio < 0 || ratio > 1 {
		ratio = 0.1
	}

	return Config{
		ServiceName:          serviceName,
		Environment:          firstNonEmpty(raw.DeploymentEnv, cfg.Environment),
		Version:              firstNonEmpty(raw.ServiceVersion, cfg.AppVersion),
		LogLevel:             normalize(raw.LogLevel),
		LogFormat:            normalize(raw.LogFormat),
		SQLLogLevel:          normalize(raw.SQLLogLevel),
		SlowQueryThreshold:   raw.SlowQueryThreshold,
		OtelEnabled:          raw.OtelEnabled,
		OtelExporterEndpoint: firstNonEmpty(raw.OtelEndpoint, cfg.OTLPEndpoint),
		OtelExporterProtocol: normalize(protocol),
		OtelSamplingRatio:    ratio,
	}
}

func (c Config) Debug() bool {
	if c.LogLevel == "debug" {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

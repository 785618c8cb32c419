// Package config loads AEX daemon configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the AEX daemon.
type Config struct {
	Port    int    `env:"AEX_PORT" envDefault:"8780"`
	Version string `env:"AEX_VERSION" envDefault:"1.0.0"`

	// Exactly one store engine is used: PGDSN when set, else the embedded
	// SQLite database at DBPath.
	DBPath string `env:"AEX_DB_PATH" envDefault:"aex.db"`
	PGDSN  string `env:"AEX_PG_DSN"`

	// ConfigDir holds models.yaml, providers.yaml, tools.yaml and the
	// policies/ plugin directory.
	ConfigDir string `env:"AEX_CONFIG_DIR" envDefault:"./config"`
	LogDir    string `env:"AEX_LOG_DIR"`

	AdminControlKey string `env:"AEX_ADMIN_CONTROL_KEY"`

	ReserveTTL        time.Duration `env:"AEX_RESERVE_TTL" envDefault:"60s"`
	UnaryTimeout      time.Duration `env:"AEX_UNARY_TIMEOUT" envDefault:"120s"`
	StreamIdleTimeout time.Duration `env:"AEX_STREAM_IDLE_TIMEOUT" envDefault:"60s"`
	InFlightWait      time.Duration `env:"AEX_INFLIGHT_WAIT" envDefault:"5s"`

	// OverrunPolicy records how actual cost above the reserve is settled.
	// "clamp" (default) commits at most the reserved amount.
	OverrunPolicy string `env:"AEX_OVERRUN_POLICY" envDefault:"clamp"`

	Telemetry TelemetryConfig
}

type TelemetryConfig struct {
	Enabled      bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:"localhost:4317"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"aexd"`
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	if cfg.OverrunPolicy != "clamp" && cfg.OverrunPolicy != "warn" {
		return nil, fmt.Errorf("invalid AEX_OVERRUN_POLICY %q (want clamp or warn)", cfg.OverrunPolicy)
	}
	return cfg, nil
}

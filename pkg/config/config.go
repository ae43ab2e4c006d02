package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration.
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"fredloan.db"`

	// HTTP Server
	HTTPPort            string        `env:"HTTP_PORT"             envDefault:"8080"`
	HTTPReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT"     envDefault:"30s"`
	HTTPWriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT"    envDefault:"30s"`
	HTTPIdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT"     envDefault:"60s"`
	HTTPShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Balance recompute. The cron spec has a seconds field.
	RecomputeCron    string `env:"RECOMPUTE_CRON"    envDefault:"0 30 2 * * *"`
	RecomputeWorkers int    `env:"RECOMPUTE_WORKERS" envDefault:"8"`

	// Payments
	OverpaymentOption string `env:"OVERPAYMENT_OPTION" envDefault:"credit"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	err := env.Parse(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RecomputeWorkers < 1 {
		return nil, fmt.Errorf("RECOMPUTE_WORKERS must be at least 1, got %d", cfg.RecomputeWorkers)
	}
	switch cfg.OverpaymentOption {
	case "credit", "reduce_principal":
	default:
		return nil, fmt.Errorf("OVERPAYMENT_OPTION must be credit or reduce_principal, got %q", cfg.OverpaymentOption)
	}

	return cfg, nil
}

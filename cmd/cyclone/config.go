package main

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Config holds all cyclone CLI configuration, read from environment
// variables.
type Config struct {
	// DBPath is the libSQL database file. Empty means in-memory state
	// only, which is fine for one-shot runs but loses history on exit.
	DBPath   string `env:"CYCLONE_DB_PATH"`
	LogLevel string `env:"CYCLONE_LOG_LEVEL" envDefault:"info"`
	PoolSize int    `env:"CYCLONE_POOL_SIZE" envDefault:"10"`

	// MetricsAddr serves Prometheus metrics in serve mode. Empty
	// disables the endpoint.
	MetricsAddr string `env:"CYCLONE_METRICS_ADDR" envDefault:":9464"`

	// AnalyzerThreshold is the health score below which the cycle
	// analyzer emits warnings.
	AnalyzerThreshold float64 `env:"CYCLONE_ANALYZER_THRESHOLD" envDefault:"0.5"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", c.PoolSize)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q (must be debug, info, warn, or error)", c.LogLevel)
	}
	if c.AnalyzerThreshold < 0 || c.AnalyzerThreshold > 1 {
		return fmt.Errorf("analyzer threshold must be in [0,1], got %g", c.AnalyzerThreshold)
	}
	return nil
}

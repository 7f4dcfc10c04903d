package app

import (
	"io"
	"time"

	"kernelbridge/internal/config"
)

// Config holds the application configuration
type Config struct {
	// Explicit config file applied on top of the layered configuration
	ConfigPath string

	// Debug settings
	Debug     bool
	LogFormat string
	LogOutput io.Writer

	// Command line overrides; zero values keep the configured setting
	MetricsAddr      string
	HandshakeTimeout time.Duration

	// Loaded configuration
	KernelbridgeConfig *config.KernelbridgeConfig
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug bool) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
	}
}

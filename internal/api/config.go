package api

import (
	"fmt"
	"time"
)

// Config defines the status HTTP server
type Config struct {
	// Listen address, e.g. ":8080". Empty disables the server.
	Addr string `toml:"addr"`

	// Per-request read and write timeouts
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`

	// Grace period for in-flight requests on shutdown
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// DefaultConfig returns API server defaults
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// validateConfig validates server configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.ReadTimeout <= 0 {
		return fmt.Errorf("ReadTimeout must be positive, got %v", config.ReadTimeout)
	}

	if config.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", config.WriteTimeout)
	}

	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("ShutdownTimeout must be positive, got %v", config.ShutdownTimeout)
	}

	return nil
}

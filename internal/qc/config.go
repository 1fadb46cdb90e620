package qc

import (
	"fmt"
	"time"
)

// Config defines the QC worker pool
type Config struct {
	// Number of QC workers
	Workers int `toml:"workers"`

	// Directory of per-variable battery YAML files
	BatteryDir string `toml:"battery_dir"`

	// Upper bound on one QC run before it is abandoned and retried
	JobTimeout time.Duration `toml:"job_timeout"`
}

// DefaultConfig returns QC defaults
func DefaultConfig() Config {
	return Config{
		Workers:    4,
		BatteryDir: "./config/qc",
		JobTimeout: 2 * time.Minute,
	}
}

// validateConfig validates QC configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", config.Workers)
	}

	if config.JobTimeout <= 0 {
		return fmt.Errorf("JobTimeout must be positive, got %v", config.JobTimeout)
	}

	return nil
}

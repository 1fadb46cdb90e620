package aggregator

import (
	"fmt"
	"time"
)

// Config defines where aggregated datasets live and how they are versioned
type Config struct {
	// Root directory holding one subdirectory per deployment
	DatasetRoot string `toml:"dataset_root"`

	// Profile identity resolution; timestamps within one granule are the same profile
	KeyGranularity time.Duration `toml:"key_granularity"`

	// Committed versions retained per deployment, including the current one
	KeepVersions int `toml:"keep_versions"`

	// Rebuilds attempted after losing a commit race before giving up
	MaxConflictRetries int `toml:"max_conflict_retries"`
}

// DefaultConfig returns aggregator defaults
func DefaultConfig() Config {
	return Config{
		DatasetRoot:        "./data/datasets",
		KeyGranularity:     time.Second,
		KeepVersions:       3,
		MaxConflictRetries: 3,
	}
}

// validateConfig validates aggregator configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.DatasetRoot == "" {
		return fmt.Errorf("DatasetRoot must be set")
	}

	if config.KeyGranularity < time.Second {
		return fmt.Errorf("KeyGranularity must be at least 1s, got %v", config.KeyGranularity)
	}

	if config.KeepVersions <= 0 {
		return fmt.Errorf("KeepVersions must be positive, got %d", config.KeepVersions)
	}

	if config.MaxConflictRetries < 0 {
		return fmt.Errorf("MaxConflictRetries must not be negative, got %d", config.MaxConflictRetries)
	}

	return nil
}

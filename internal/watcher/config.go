package watcher

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

// Config defines the watched roots and the stabilization policy
type Config struct {
	// Directories laid out as <root>/<operator>/<deployment>/<file>
	Roots []string `toml:"roots"`

	// A file is stable once its size and mtime are unchanged for this long
	Debounce time.Duration `toml:"debounce"`

	// Files not stable after this long are reported stuck and dropped
	MaxWait time.Duration `toml:"max_wait"`

	// How often pending files are re-examined
	PollInterval time.Duration `toml:"poll_interval"`

	// Full directory walk interval, recovering events lost by the kernel
	RescanInterval time.Duration `toml:"rescan_interval"`

	// Backoff between failed stat calls on one path
	StatRetry retry.Policy `toml:"stat_retry"`
}

// DefaultConfig returns watcher defaults
func DefaultConfig() Config {
	return Config{
		Debounce:       3 * time.Second,
		MaxWait:        10 * time.Minute,
		PollInterval:   250 * time.Millisecond,
		RescanInterval: 5 * time.Minute,
		StatRetry: retry.Policy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
		},
	}
}

// validateConfig validates watcher configuration and returns error if invalid
func validateConfig(config Config) error {
	if len(config.Roots) == 0 {
		return fmt.Errorf("Roots must not be empty")
	}

	if config.Debounce <= 0 {
		return fmt.Errorf("Debounce must be positive, got %v", config.Debounce)
	}

	if config.MaxWait <= config.Debounce {
		return fmt.Errorf("MaxWait must exceed Debounce, got %v <= %v", config.MaxWait, config.Debounce)
	}

	if config.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", config.PollInterval)
	}

	if config.RescanInterval <= 0 {
		return fmt.Errorf("RescanInterval must be positive, got %v", config.RescanInterval)
	}

	if err := config.StatRetry.Validate(); err != nil {
		return fmt.Errorf("StatRetry: %w", err)
	}

	return nil
}

package syncer

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

// Config defines buffering of processing status writes to the record store
type Config struct {
	// Buffered updates beyond this drop the oldest
	MaxBufferedUpdates int `toml:"max_buffered_updates"`

	// Channel buffer size between the buffer and the writer goroutine
	ChannelSize int `toml:"channel_size"`

	// Flushing - dual mechanism (size OR time triggers flush)
	FlushThreshold int           `toml:"flush_threshold"`
	FlushInterval  time.Duration `toml:"flush_interval"`

	// Per-write deadline and retry for record store writes
	WriteTimeout  time.Duration `toml:"write_timeout"`
	WriteAttempts int           `toml:"write_attempts"`
	WriteRetry    retry.Policy  `toml:"write_retry"`
}

// DefaultConfig returns syncer defaults
func DefaultConfig() Config {
	return Config{
		MaxBufferedUpdates: 10000,
		ChannelSize:        200,
		FlushThreshold:     100,
		FlushInterval:      1 * time.Second,
		WriteTimeout:       5 * time.Second,
		WriteAttempts:      3,
		WriteRetry: retry.Policy{
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
			Multiplier:     2,
		},
	}
}

// validateConfig validates syncer configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.MaxBufferedUpdates <= 0 {
		return fmt.Errorf("MaxBufferedUpdates must be positive, got %d", config.MaxBufferedUpdates)
	}

	if config.ChannelSize <= 0 {
		return fmt.Errorf("ChannelSize must be positive, got %d", config.ChannelSize)
	}

	if config.FlushThreshold <= 0 {
		return fmt.Errorf("FlushThreshold must be positive, got %d", config.FlushThreshold)
	}

	if config.FlushInterval <= 0 {
		return fmt.Errorf("FlushInterval must be positive, got %v", config.FlushInterval)
	}

	if config.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", config.WriteTimeout)
	}

	if config.WriteAttempts <= 0 {
		return fmt.Errorf("WriteAttempts must be positive, got %d", config.WriteAttempts)
	}

	if err := config.WriteRetry.Validate(); err != nil {
		return fmt.Errorf("WriteRetry: %w", err)
	}

	return nil
}

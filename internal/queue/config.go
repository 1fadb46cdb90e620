package queue

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

// Config defines lease and retry behavior for the job queue
type Config struct {
	// How long a claim is held before the job is considered abandoned
	LeaseTTL time.Duration `toml:"lease_ttl"`

	// Attempts before a failing job is dead-lettered
	MaxAttempts int `toml:"max_attempts"`

	// Delay before a nacked job becomes claimable again
	Backoff retry.Policy `toml:"backoff"`

	// Dequeue polls at this interval when no enqueue notification arrives
	PollInterval time.Duration `toml:"poll_interval"`

	// Per-call database deadline
	OperationTimeout time.Duration `toml:"operation_timeout"`
}

// DefaultConfig returns queue defaults
func DefaultConfig() Config {
	return Config{
		LeaseTTL:         5 * time.Minute,
		MaxAttempts:      5,
		Backoff:          retry.DefaultPolicy(),
		PollInterval:     500 * time.Millisecond,
		OperationTimeout: 10 * time.Second,
	}
}

// validateConfig validates queue configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.LeaseTTL <= 0 {
		return fmt.Errorf("LeaseTTL must be positive, got %v", config.LeaseTTL)
	}

	if config.MaxAttempts <= 0 {
		return fmt.Errorf("MaxAttempts must be positive, got %d", config.MaxAttempts)
	}

	if err := config.Backoff.Validate(); err != nil {
		return fmt.Errorf("Backoff: %w", err)
	}

	if config.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be positive, got %v", config.PollInterval)
	}

	if config.OperationTimeout <= 0 {
		return fmt.Errorf("OperationTimeout must be positive, got %v", config.OperationTimeout)
	}

	return nil
}

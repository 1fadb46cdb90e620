package publish

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

// Standard target names
const (
	TargetERDDAP       = "erddap"
	TargetTHREDDS      = "thredds"
	TargetERDDAPPublic = "erddap_public"
)

// Target is one serving system polling a flags directory
type Target struct {
	Name string `toml:"name"`

	// Directory the serving system polls for <deployment> flag files
	FlagsDir string `toml:"flags_dir"`

	// Base URL polled at <confirm_url>/tabledap/<deployment>.das after a
	// signal; empty disables confirmation
	ConfirmURL string `toml:"confirm_url"`

	// Skip delayed-mode deployments
	RealtimeOnly bool `toml:"realtime_only"`
}

// Config defines the publish targets and rescan confirmation
type Config struct {
	Targets []Target `toml:"targets"`

	// Confirmation requests per signal before confirmation is given up
	ConfirmAttempts int `toml:"confirm_attempts"`

	// Minimum spacing between confirmation requests across all targets
	ConfirmInterval time.Duration `toml:"confirm_interval"`

	// Deadline for one confirmation request
	ConfirmTimeout time.Duration `toml:"confirm_timeout"`

	// Wait between failed confirmation requests of one signal
	ConfirmBackoff retry.Policy `toml:"confirm_backoff"`
}

// DefaultConfig returns publish defaults
func DefaultConfig() Config {
	return Config{
		Targets: []Target{
			{Name: TargetERDDAP, FlagsDir: "./data/flags/erddap"},
			{Name: TargetTHREDDS, FlagsDir: "./data/flags/thredds"},
		},
		ConfirmAttempts: 5,
		ConfirmInterval: time.Second,
		ConfirmTimeout:  10 * time.Second,
		ConfirmBackoff: retry.Policy{
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     time.Minute,
			Multiplier:     2,
		},
	}
}

// validateConfig validates publish configuration and returns error if invalid
func validateConfig(config Config) error {
	if len(config.Targets) == 0 {
		return fmt.Errorf("Targets must not be empty")
	}

	seen := make(map[string]bool, len(config.Targets))
	for _, t := range config.Targets {
		if t.Name == "" {
			return fmt.Errorf("target name must be set")
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate target %q", t.Name)
		}
		seen[t.Name] = true
		if t.FlagsDir == "" {
			return fmt.Errorf("target %q must set flags_dir", t.Name)
		}
	}

	if config.ConfirmAttempts <= 0 {
		return fmt.Errorf("ConfirmAttempts must be positive, got %d", config.ConfirmAttempts)
	}

	if config.ConfirmInterval <= 0 {
		return fmt.Errorf("ConfirmInterval must be positive, got %v", config.ConfirmInterval)
	}

	if config.ConfirmTimeout <= 0 {
		return fmt.Errorf("ConfirmTimeout must be positive, got %v", config.ConfirmTimeout)
	}

	if err := config.ConfirmBackoff.Validate(); err != nil {
		return fmt.Errorf("ConfirmBackoff: %w", err)
	}

	return nil
}

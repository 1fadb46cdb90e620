package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/api"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/pipeline"
	"github.com/livinlefevreloca/gliderdac/internal/publish"
	"github.com/livinlefevreloca/gliderdac/internal/qc"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/syncer"
	"github.com/livinlefevreloca/gliderdac/internal/watcher"
)

// Environment variables overriding deployment-specific paths
const (
	EnvDatabaseDSN = "GLIDERDAC_DATABASE_DSN"
	EnvWatchRoots  = "GLIDERDAC_WATCH_ROOTS"
	EnvDatasetRoot = "GLIDERDAC_DATASET_ROOT"
	EnvLogLevel    = "GLIDERDAC_LOG_LEVEL"
)

// Config represents the application configuration
type Config struct {
	Database   db.Config         `toml:"database"`
	Queue      queue.Config      `toml:"queue"`
	Watcher    watcher.Config    `toml:"watcher"`
	Validator  ValidatorConfig   `toml:"validator"`
	Aggregator aggregator.Config `toml:"aggregator"`
	QC         qc.Config         `toml:"qc"`
	Publish    publish.Config    `toml:"publish"`
	Pipeline   pipeline.Config   `toml:"pipeline"`
	Syncer     syncer.Config     `toml:"syncer"`
	API        api.Config        `toml:"api" validate:"-"`
	Logging    LoggingConfig     `toml:"logging"`
}

// ValidatorConfig holds the NetCDF validator settings
type ValidatorConfig struct {
	// YAML vocabulary of accepted standard and variable names; empty uses
	// the built-in vocabulary
	VocabularyPath string `toml:"vocabulary_path"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=json text"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	watch := watcher.DefaultConfig()
	watch.Roots = []string{"./data/upload"}

	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "file:gliderdac.db?_busy_timeout=5000&_journal_mode=WAL",
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: 0,
			ConnMaxIdleTime: 0,
			SkipMigrations:  false,
		},
		Queue:      queue.DefaultConfig(),
		Watcher:    watch,
		Aggregator: aggregator.DefaultConfig(),
		QC:         qc.DefaultConfig(),
		Publish:    publish.DefaultConfig(),
		Pipeline:   pipeline.DefaultConfig(),
		Syncer:     syncer.DefaultConfig(),
		API:        api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file
func LoadFromFile(path string) (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	// Parse TOML file
	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown config keys: %v", undecoded)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. GLIDERDAC_* environment variables
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	config.applyEnv(os.LookupEnv)
	return config, nil
}

// applyEnv overrides deployment-specific paths from the environment
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabaseDSN); ok && v != "" {
		c.Database.DSN = v
	}
	if v, ok := lookup(EnvWatchRoots); ok && v != "" {
		var roots []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roots = append(roots, r)
			}
		}
		c.Watcher.Roots = roots
	}
	if v, ok := lookup(EnvDatasetRoot); ok && v != "" {
		c.Aggregator.DatasetRoot = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

// Validate checks cross-component settings. Each component validates its
// own section again when it is constructed.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if len(c.Watcher.Roots) == 0 {
		return fmt.Errorf("watcher roots must not be empty")
	}
	if c.Aggregator.DatasetRoot == "" {
		return fmt.Errorf("aggregator dataset_root must be specified")
	}
	if len(c.Publish.Targets) == 0 {
		return fmt.Errorf("at least one publish target must be configured")
	}
	if c.API.Addr != "" {
		if err := v.Var(c.API.Addr, "hostname_port"); err != nil {
			return fmt.Errorf("api addr %q must be host:port", c.API.Addr)
		}
	}

	// A lease shorter than a job could run lets two workers hold one job
	longest := max(c.Pipeline.JobTimeout, c.QC.JobTimeout)
	if c.Queue.LeaseTTL <= longest {
		return fmt.Errorf("queue lease_ttl (%v) must exceed the longest job timeout (%v)", c.Queue.LeaseTTL, longest)
	}
	if c.Watcher.Debounce >= c.Watcher.MaxWait {
		return fmt.Errorf("watcher debounce (%v) must be shorter than max_wait (%v)", c.Watcher.Debounce, c.Watcher.MaxWait)
	}
	if c.Syncer.FlushInterval > time.Minute {
		return fmt.Errorf("syncer flush_interval must be at most 1m, got %v", c.Syncer.FlushInterval)
	}

	return nil
}

// Package cmd implements the gliderdac command line: the long-running
// pipeline service and the operator commands that inspect and repair it.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/gliderdac/internal/config"
	"github.com/livinlefevreloca/gliderdac/internal/db"
)

var (
	cfgFile      string
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "gliderdac",
	Short: "Glider data assembly pipeline",
	Long: `gliderdac watches operator upload directories for glider NetCDF profiles,
validates and aggregates them into per-deployment datasets, runs quality
control and signals the downstream data servers.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (TOML)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// loadConfig loads and validates configuration from --config and the environment
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds the structured logger described by the logging section
func newLogger(cfg config.LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// openDatabase opens the state database and applies pending migrations
func openDatabase(ctx context.Context, cfg db.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Driver)
	database, err := db.OpenWithConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.SkipMigrations {
		logger.Info("skipping migrations", "reason", "configured to skip")
		return database, nil
	}

	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	version, err := database.SchemaVersion(ctx)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to get schema version: %w", err)
	}
	logger.Info("database schema ready", "version", version)
	return database, nil
}

// adminEnv opens the pieces operator commands share. Logs go to stderr so
// command output stays parseable.
func adminEnv(cmd *cobra.Command) (*config.Config, *db.DB, *slog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logging := cfg.Logging
	if logging.Level == "info" || logging.Level == "debug" {
		logging.Level = "warn"
	}
	logger := newLogger(logging, cmd.ErrOrStderr())

	database, err := openDatabase(cmd.Context(), cfg.Database, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, database, logger, nil
}

// isJSONOutput returns true if JSON output is requested
func isJSONOutput() bool {
	return outputFormat == "json"
}

func printJSON(w io.Writer, v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(output))
	return nil
}

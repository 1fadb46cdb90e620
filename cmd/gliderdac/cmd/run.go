package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/api"
	"github.com/livinlefevreloca/gliderdac/internal/inbox"
	"github.com/livinlefevreloca/gliderdac/internal/pipeline"
	"github.com/livinlefevreloca/gliderdac/internal/publish"
	"github.com/livinlefevreloca/gliderdac/internal/qc"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/syncer"
	"github.com/livinlefevreloca/gliderdac/internal/validator"
	"github.com/livinlefevreloca/gliderdac/internal/watcher"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline service",
	Long: `Open the state database, start the upload watcher, the ingest, QC and
publish workers and the status API, and run until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	logger.Info("starting gliderdac",
		"config_file", cfgFile,
		"watch_roots", cfg.Watcher.Roots,
		"dataset_root", cfg.Aggregator.DatasetRoot)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer database.Close()

	store := records.NewSQLStore(database)

	q, err := queue.New(database, cfg.Queue, logger)
	if err != nil {
		return err
	}

	vocab := validator.DefaultVocabulary()
	if cfg.Validator.VocabularyPath != "" {
		if vocab, err = validator.LoadVocabulary(cfg.Validator.VocabularyPath); err != nil {
			return err
		}
		logger.Info("loaded vocabulary", "path", cfg.Validator.VocabularyPath)
	}

	agg, err := aggregator.New(cfg.Aggregator, database, logger)
	if err != nil {
		return err
	}

	battery, err := qc.LoadBattery(cfg.QC.BatteryDir)
	if err != nil {
		return err
	}

	signaler, err := publish.New(cfg.Publish, database, logger)
	if err != nil {
		return err
	}

	status, err := syncer.New(cfg.Syncer, store, logger)
	if err != nil {
		return err
	}
	status.Start()
	defer func() {
		if err := status.Shutdown(); err != nil {
			logger.Error("syncer shutdown failed", "error", err)
		}
	}()

	events := inbox.New[watcher.Event]("watcher", cfg.Pipeline.EventBufferSize, cfg.Pipeline.EventSendTimeout, logger)

	coord, err := pipeline.New(cfg.Pipeline, pipeline.Deps{
		DB:         database,
		Queue:      q,
		Records:    store,
		Validator:  validator.New(vocab),
		Aggregator: agg,
		Signaler:   signaler,
		Status:     status,
		Events:     events,
		QC:         cfg.QC,
		Battery:    battery,
	}, logger)
	if err != nil {
		return err
	}

	server, err := api.New(cfg.API, database, q, logger)
	if err != nil {
		return err
	}

	w, err := watcher.New(cfg.Watcher, events, logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer w.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	logger.Info("gliderdac is running")
	err = g.Wait()

	logger.Info("shutting down gracefully")
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("service stopped with error", "error", err)
		return err
	}
	return nil
}

// Package publish asks serving systems to rescan a deployment's dataset by
// writing flag files into the directories they poll. Every emitted signal
// is recorded in a ledger so re-signaling a generation has no effect.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/retry"
)

var (
	// ErrUnknownTarget is returned when a signal names an unconfigured target
	ErrUnknownTarget = errors.New("publish: unknown target")

	errNotConfirmed = errors.New("publish: dataset not visible yet")
)

// Result describes what Signal did for one target
type Result struct {
	Target   string
	FlagPath string
	// Emitted is false when the ledger already held the signal or the
	// target does not serve the deployment
	Emitted   bool
	Confirmed bool
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Option configures a Signaler
type Option func(*Signaler)

// WithClock replaces the emission timestamp source
func WithClock(c Clock) Option {
	return func(s *Signaler) { s.clock = c }
}

// WithHTTPClient replaces the client used for confirmation requests
func WithHTTPClient(c *http.Client) Option {
	return func(s *Signaler) { s.client = c }
}

// Signaler is the only writer of the serving-system flag directories
type Signaler struct {
	config  Config
	targets map[string]Target
	db      *db.DB
	limiter *rate.Limiter
	client  *http.Client
	clock   Clock
	logger  *slog.Logger
}

// New creates a signaler, creating every target's flags directory
func New(config Config, database *db.DB, logger *slog.Logger, opts ...Option) (*Signaler, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid publish config: %w", err)
	}

	s := &Signaler{
		config:  config,
		targets: make(map[string]Target, len(config.Targets)),
		db:      database,
		limiter: rate.NewLimiter(rate.Every(config.ConfirmInterval), 1),
		client:  &http.Client{Timeout: config.ConfirmTimeout},
		clock:   realClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, t := range config.Targets {
		if err := os.MkdirAll(t.FlagsDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create flags directory for %s: %w", t.Name, err)
		}
		s.targets[t.Name] = t
	}

	return s, nil
}

// Targets returns the configured target names in configuration order
func (s *Signaler) Targets() []string {
	names := make([]string, 0, len(s.config.Targets))
	for _, t := range s.config.Targets {
		names = append(names, t.Name)
	}
	return names
}

// SignalAll signals every configured target for a generation. It attempts
// every target and returns the first error.
func (s *Signaler) SignalAll(ctx context.Context, deploymentID string, generation int64) ([]Result, error) {
	var firstErr error
	results := make([]Result, 0, len(s.config.Targets))
	for _, t := range s.config.Targets {
		res, err := s.Signal(ctx, deploymentID, generation, t.Name)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, res)
	}
	return results, firstErr
}

// Signal writes the flag file requesting target to rescan a deployment at a
// generation. A signal already in the ledger is a no-op.
func (s *Signaler) Signal(ctx context.Context, deploymentID string, generation int64, target string) (Result, error) {
	t, ok := s.targets[target]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	flagPath := filepath.Join(t.FlagsDir, deploymentID)
	res := Result{Target: target, FlagPath: flagPath}

	if t.RealtimeOnly && records.IsDelayedMode(deploymentID) {
		signals.WithLabelValues(target, "skipped").Inc()
		return res, nil
	}

	_, err := s.db.GetPublishSignal(ctx, deploymentID, generation, target)
	if err == nil {
		signals.WithLabelValues(target, "duplicate").Inc()
		s.logger.Debug("publish signal already emitted",
			"deployment_id", deploymentID,
			"generation", generation,
			"target", target)
		return res, nil
	}
	if !db.IsNotFound(err) {
		signals.WithLabelValues(target, "failed").Inc()
		return res, fmt.Errorf("failed to read publish ledger: %w", err)
	}

	now := s.clock.Now()
	if err := writeFlag(flagPath, generation, now); err != nil {
		signals.WithLabelValues(target, "failed").Inc()
		return res, fmt.Errorf("failed to write %s flag: %w", target, err)
	}

	err = s.db.InsertPublishSignal(ctx, &db.PublishSignal{
		DeploymentID: deploymentID,
		Generation:   generation,
		Target:       target,
		FlagPath:     flagPath,
		EmittedAt:    now,
	})
	if errors.Is(err, db.ErrDuplicate) {
		signals.WithLabelValues(target, "duplicate").Inc()
		return res, nil
	}
	if err != nil {
		signals.WithLabelValues(target, "failed").Inc()
		return res, fmt.Errorf("failed to record publish signal: %w", err)
	}

	res.Emitted = true
	signals.WithLabelValues(target, "emitted").Inc()
	signaledGeneration.WithLabelValues(deploymentID, target).Set(float64(generation))
	s.logger.Info("publish signal emitted",
		"deployment_id", deploymentID,
		"generation", generation,
		"target", target,
		"flag_path", flagPath)

	if t.ConfirmURL != "" {
		res.Confirmed = s.confirm(ctx, t, deploymentID, generation)
	}
	return res, nil
}

// writeFlag replaces the flag file atomically so a polling reader never
// sees a partial write
func writeFlag(path string, generation int64, at time.Time) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = fmt.Fprintf(tmp, "generation=%d\nemitted_at=%s\n", generation, at.Format(time.RFC3339Nano))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// confirm polls the serving system until the dataset answers. The outcome
// is recorded but never fails the signal.
func (s *Signaler) confirm(ctx context.Context, t Target, deploymentID string, generation int64) bool {
	dasURL := fmt.Sprintf("%s/tabledap/%s.das", t.ConfirmURL, url.PathEscape(deploymentID))

	err := retry.Do(ctx, s.config.ConfirmBackoff, s.config.ConfirmAttempts, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, dasURL, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: %s returned %d", errNotConfirmed, dasURL, resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		confirmations.WithLabelValues(t.Name, "unconfirmed").Inc()
		s.logger.Warn("rescan not confirmed",
			"deployment_id", deploymentID,
			"generation", generation,
			"target", t.Name,
			"error", err)
		return false
	}

	if err := s.db.MarkSignalConfirmed(ctx, deploymentID, generation, t.Name, s.clock.Now()); err != nil {
		s.logger.Warn("failed to record rescan confirmation",
			"deployment_id", deploymentID,
			"target", t.Name,
			"error", err)
	}
	confirmations.WithLabelValues(t.Name, "confirmed").Inc()
	return true
}

// Refresh asks every target to rescan a generation again after the
// deployment's metadata changed. Targets that never saw the generation are
// signaled normally; the others get their flag file rewritten without a
// new ledger entry.
func (s *Signaler) Refresh(ctx context.Context, deploymentID string, generation int64) ([]Result, error) {
	var firstErr error
	results := make([]Result, 0, len(s.config.Targets))
	for _, t := range s.config.Targets {
		res, err := s.refresh(ctx, t, deploymentID, generation)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		results = append(results, res)
	}
	return results, firstErr
}

func (s *Signaler) refresh(ctx context.Context, t Target, deploymentID string, generation int64) (Result, error) {
	_, err := s.db.GetPublishSignal(ctx, deploymentID, generation, t.Name)
	if db.IsNotFound(err) {
		return s.Signal(ctx, deploymentID, generation, t.Name)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to read publish ledger: %w", err)
	}

	flagPath := filepath.Join(t.FlagsDir, deploymentID)
	res := Result{Target: t.Name, FlagPath: flagPath}
	if t.RealtimeOnly && records.IsDelayedMode(deploymentID) {
		return res, nil
	}

	if err := writeFlag(flagPath, generation, s.clock.Now()); err != nil {
		signals.WithLabelValues(t.Name, "failed").Inc()
		return res, fmt.Errorf("failed to write %s flag: %w", t.Name, err)
	}
	res.Emitted = true
	signals.WithLabelValues(t.Name, "refreshed").Inc()
	s.logger.Info("publish signal refreshed",
		"deployment_id", deploymentID,
		"generation", generation,
		"target", t.Name)
	return res, nil
}

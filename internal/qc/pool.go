// Package qc runs the configured QARTOD test battery over aggregated
// datasets and commits the resulting flag variables as a new dataset
// version of the same generation.
package qc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

var (
	// ErrSkip is returned by Reporter.AdmitQC to acknowledge a job without running it
	ErrSkip = errors.New("qc: job skipped")

	// errStale marks a job whose generation is no longer current
	errStale = errors.New("qc: dataset generation moved on")
)

// Summary describes one committed QC run
type Summary struct {
	Generation int64
	Version    string
	Profiles   int
	Flags      Counts
	// Redelivered is set when the generation had already been flagged
	Redelivered bool
}

// Reporter is told about QC outcomes and decides whether a job may run
type Reporter interface {
	// AdmitQC is consulted before a job runs. ErrSkip acknowledges the job
	// without running it; any other error dead-letters it with that reason.
	AdmitQC(ctx context.Context, job queue.Job) error

	// QCCompleted is called after flags for a generation are committed
	QCCompleted(ctx context.Context, deploymentID string, generation int64, summary Summary) error

	// QCFailed is called when a job will not be retried
	QCFailed(ctx context.Context, deploymentID string, generation int64, err error)
}

// Pool is a fixed-size set of QC workers fed by the job queue
type Pool struct {
	config   Config
	battery  *Battery
	queue    *queue.Queue
	layout   *aggregator.Layout
	reporter Reporter
	logger   *slog.Logger
	instance string
}

// NewPool creates a QC pool committing into layout
func NewPool(config Config, battery *Battery, q *queue.Queue, layout *aggregator.Layout, reporter Reporter, logger *slog.Logger) (*Pool, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid qc config: %w", err)
	}
	if battery == nil || len(battery.Variables) == 0 {
		logger.Warn("qc battery is empty, flags will not be written")
		battery = &Battery{}
	}

	return &Pool{
		config:   config,
		battery:  battery,
		queue:    q,
		layout:   layout,
		reporter: reporter,
		logger:   logger,
		instance: uuid.NewString()[:8],
	}, nil
}

// Run starts the workers and blocks until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("qc pool starting",
		"workers", p.config.Workers,
		"tests", p.battery.TestNames())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.config.Workers; i++ {
		owner := fmt.Sprintf("qc-%s-%d", p.instance, i)
		g.Go(func() error {
			p.work(ctx, owner)
			return nil
		})
	}
	err := g.Wait()

	p.logger.Info("qc pool stopped")
	return err
}

func (p *Pool) work(ctx context.Context, owner string) {
	for {
		job, err := p.queue.Dequeue(ctx, queue.KindQC, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("failed to dequeue qc job", "owner", owner, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.queue.Config().PollInterval):
			}
			continue
		}
		p.Process(ctx, job)
	}
}

// Process runs one claimed QC job to completion: ack, retry, or dead-letter
func (p *Pool) Process(ctx context.Context, job queue.Job) {
	busyWorkers.Inc()
	defer busyWorkers.Dec()

	gen := job.Generation()
	logger := p.logger.With("job_id", job.ID, "deployment_id", job.DeploymentID, "generation", gen)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("qc job panicked", "panic", r)
			runs.WithLabelValues("failed").Inc()
			p.nack(ctx, job, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	if superseded, err := p.queue.IsSuperseded(ctx, job.ID); err == nil && superseded {
		logger.Debug("qc job superseded before start")
		runs.WithLabelValues("superseded").Inc()
		return
	}

	if err := p.reporter.AdmitQC(ctx, job); err != nil {
		if errors.Is(err, ErrSkip) {
			runs.WithLabelValues("skipped").Inc()
			p.ack(ctx, job, logger)
			return
		}
		runs.WithLabelValues("failed").Inc()
		if _, dlErr := p.queue.DeadLetter(ctx, job, err.Error()); dlErr != nil {
			logger.Warn("failed to dead-letter qc job", "error", dlErr)
		}
		return
	}

	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, p.config.JobTimeout)
	summary, err := p.run(jobCtx, job)
	cancel()

	switch {
	case err == nil:
		runs.WithLabelValues("committed").Inc()
		runDuration.Observe(time.Since(start).Seconds())
		if !p.ack(ctx, job, logger) {
			return
		}
		if err := p.reporter.QCCompleted(ctx, job.DeploymentID, gen, summary); err != nil {
			logger.Error("failed to report qc completion", "error", err)
		}

	case errors.Is(err, errStale):
		logger.Debug("discarding stale qc job", "reason", err)
		runs.WithLabelValues("stale").Inc()
		p.ack(ctx, job, logger)

	case errors.Is(err, queue.ErrSuperseded):
		logger.Debug("qc job superseded during run")
		runs.WithLabelValues("superseded").Inc()

	case errors.Is(err, aggregator.ErrLayoutCorrupt):
		runs.WithLabelValues("failed").Inc()
		if _, dlErr := p.queue.DeadLetter(ctx, job, err.Error()); dlErr != nil {
			logger.Warn("failed to dead-letter qc job", "error", dlErr)
		}
		p.reporter.QCFailed(ctx, job.DeploymentID, gen, err)

	default:
		runs.WithLabelValues("failed").Inc()
		p.nack(ctx, job, err, logger)
	}
}

func (p *Pool) ack(ctx context.Context, job queue.Job, logger *slog.Logger) bool {
	if err := p.queue.Ack(ctx, job); err != nil {
		if errors.Is(err, queue.ErrSuperseded) {
			logger.Debug("qc job superseded before ack")
		} else {
			logger.Warn("failed to ack qc job", "error", err)
		}
		return false
	}
	return true
}

func (p *Pool) nack(ctx context.Context, job queue.Job, cause error, logger *slog.Logger) {
	final := job.Attempt >= p.queue.Config().MaxAttempts
	if err := p.queue.Nack(ctx, job, cause); err != nil {
		logger.Warn("failed to nack qc job", "error", err)
		return
	}
	if final {
		p.reporter.QCFailed(ctx, job.DeploymentID, job.Generation(), cause)
	}
}

// run flags every profile of the job's generation and commits the result
func (p *Pool) run(ctx context.Context, job queue.Job) (Summary, error) {
	dep := job.DeploymentID
	gen := job.Generation()

	ds, manifest, err := p.layout.Load(ctx, dep)
	if err != nil {
		return Summary{}, err
	}
	if ds == nil || ds.Generation != gen {
		current := int64(0)
		if ds != nil {
			current = ds.Generation
		}
		return Summary{}, fmt.Errorf("%w: job %d, dataset %d", errStale, gen, current)
	}
	if ds.QCGeneration >= gen {
		return Summary{Generation: gen, Version: ds.CurrentVersion, Profiles: ds.ProfileCount, Redelivered: true}, nil
	}

	counts := Counts{}
	flagged := make(map[string][]byte, len(manifest.Profiles))
	for _, prof := range manifest.Profiles {
		if err := ctx.Err(); err != nil {
			return Summary{}, err
		}
		data, err := p.layout.ReadProfile(dep, ds.CurrentVersion, prof)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to read profile %s: %w", prof.Key, err)
		}
		out, c, err := p.battery.Apply(data)
		if err != nil {
			return Summary{}, fmt.Errorf("failed to flag profile %s: %w", prof.Key, err)
		}
		counts.merge(c)
		flagged[prof.Key] = out
	}

	if superseded, err := p.queue.IsSuperseded(ctx, job.ID); err == nil && superseded {
		return Summary{}, queue.ErrSuperseded
	}

	now := time.Now().UTC()
	next := &aggregator.Manifest{
		DeploymentID: dep,
		Version:      aggregator.NewVersion(gen),
		Generation:   gen,
		QCGeneration: gen,
		CreatedAt:    now,
		Profiles:     manifest.Profiles,
	}
	err = p.layout.Stage(next, func(dir string) error {
		for _, prof := range next.Profiles {
			if err := p.layout.Put(dir, prof.File, flagged[prof.Key]); err != nil {
				return fmt.Errorf("failed to write flagged profile %s: %w", prof.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}

	committed := &db.Dataset{
		DeploymentID:   dep,
		Generation:     gen,
		CurrentVersion: next.Version,
		QCGeneration:   gen,
		ProfileCount:   ds.ProfileCount,
		AggregatedAt:   ds.AggregatedAt,
		UpdatedAt:      now,
	}
	if err := p.layout.Commit(ctx, committed, ds.CurrentVersion); err != nil {
		if errors.Is(err, aggregator.ErrConflict) {
			return Summary{}, fmt.Errorf("%w: commit lost to a newer version", errStale)
		}
		return Summary{}, err
	}

	for variable, byFlag := range counts {
		for flag, n := range byFlag {
			flagsWritten.WithLabelValues(variable, flag.String()).Add(float64(n))
		}
	}
	p.logger.Info("qc flags committed",
		"deployment_id", dep,
		"generation", gen,
		"version", next.Version,
		"profiles", len(next.Profiles))

	return Summary{Generation: gen, Version: next.Version, Profiles: len(next.Profiles), Flags: counts}, nil
}

// Package aggregator merges validated profile files into per-deployment
// datasets. Each mutation builds a complete new version beside the current
// one and swaps it in atomically, so serving systems never read a partial
// dataset.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
)

// Outcome describes what an aggregation did to the dataset
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeUnchanged Outcome = "unchanged"
)

// Input is one validated source file revision
type Input struct {
	DeploymentID string
	Path         string
	SourceFileID string
	ModTime      time.Time

	// Computed from Data when empty
	ContentHash string

	// Read from Path when nil
	Data []byte

	// Consulted before staging and again before the commit. An error
	// abandons the revision and is returned unchanged.
	Guard func(ctx context.Context) error
}

func (in Input) guard(ctx context.Context) error {
	if in.Guard == nil {
		return nil
	}
	return in.Guard(ctx)
}

// Result is the outcome of an aggregation
type Result struct {
	// Committed index row; nil only when nothing was ever committed
	Dataset    *db.Dataset
	ProfileKey string
	Outcome    Outcome
}

// Changed reports whether a new generation was committed
func (r Result) Changed() bool {
	return r.Outcome == OutcomeInserted || r.Outcome == OutcomeReplaced
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Option configures an Aggregator
type Option func(*Aggregator)

// WithStorage replaces the filesystem the layout writes through
func WithStorage(s Storage) Option {
	return func(a *Aggregator) { a.storage = s }
}

// WithKeyFunc replaces the profile identity function
func WithKeyFunc(k KeyFunc) Option {
	return func(a *Aggregator) { a.keyFunc = k }
}

// WithClock replaces the aggregation timestamp source
func WithClock(c Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// Aggregator applies validated revisions to deployment datasets. It is safe
// for concurrent use; commits for one deployment are serialized by the
// compare-and-swap on the dataset index.
type Aggregator struct {
	config  Config
	layout  *Layout
	storage Storage
	keyFunc KeyFunc
	clock   Clock
	logger  *slog.Logger
}

// New creates an aggregator writing under config.DatasetRoot
func New(config Config, database *db.DB, logger *slog.Logger, opts ...Option) (*Aggregator, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid aggregator config: %w", err)
	}

	a := &Aggregator{
		config:  config,
		storage: OSStorage{},
		keyFunc: TimeKey(config.KeyGranularity),
		clock:   realClock{},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}

	root, err := filepath.Abs(config.DatasetRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid dataset root: %w", err)
	}
	if err := a.storage.MkdirAll(root); err != nil {
		return nil, fmt.Errorf("failed to create dataset root: %w", err)
	}
	a.layout = NewLayout(root, config.KeepVersions, database, a.storage, logger)

	return a, nil
}

// Layout returns the dataset tree the aggregator commits to
func (a *Aggregator) Layout() *Layout {
	return a.layout
}

// ContentHash returns the hex SHA-256 of a file's content
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ProfileKey derives the profile identity of file content
func (a *Aggregator) ProfileKey(deploymentID string, data []byte) (string, error) {
	f, err := netcdf.Parse(data)
	if err != nil {
		return "", err
	}
	return a.keyFunc(deploymentID, f)
}

// Aggregate inserts or replaces the revision's profile in its deployment's
// dataset and commits a new generation. A revision that loses to the one
// already present is a no-op. Losing a commit race rebuilds from the new
// base up to MaxConflictRetries times.
func (a *Aggregator) Aggregate(ctx context.Context, in Input) (Result, error) {
	start := time.Now()

	if in.Data == nil {
		data, err := a.storage.ReadFile(in.Path)
		if err != nil {
			aggregations.WithLabelValues("failed").Inc()
			return Result{}, fmt.Errorf("failed to read source file: %w", err)
		}
		in.Data = data
	}
	if in.ContentHash == "" {
		in.ContentHash = ContentHash(in.Data)
	}

	key, err := a.ProfileKey(in.DeploymentID, in.Data)
	if err != nil {
		aggregations.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("failed to derive profile key: %w", err)
	}

	for attempt := 0; ; attempt++ {
		res, err := a.aggregateOnce(ctx, in, key)
		if !errors.Is(err, ErrConflict) {
			if err != nil {
				aggregations.WithLabelValues("failed").Inc()
				return res, err
			}
			aggregations.WithLabelValues(string(res.Outcome)).Inc()
			if res.Changed() {
				aggregateDuration.Observe(time.Since(start).Seconds())
			}
			return res, nil
		}

		commitConflicts.Inc()
		if attempt >= a.config.MaxConflictRetries {
			aggregations.WithLabelValues("failed").Inc()
			return Result{}, fmt.Errorf("%s: gave up after %d commit attempts: %w", in.DeploymentID, attempt+1, ErrConflict)
		}
		a.logger.Debug("rebuilding after commit conflict",
			"deployment_id", in.DeploymentID,
			"profile_key", key,
			"attempt", attempt+1)
	}
}

func (a *Aggregator) aggregateOnce(ctx context.Context, in Input, key string) (Result, error) {
	dep := in.DeploymentID

	base, manifest, err := a.layout.Load(ctx, dep)
	if err != nil {
		return Result{}, err
	}

	incoming := Profile{
		Key:          key,
		File:         profileFileName(key),
		SourcePath:   in.Path,
		SourceFileID: in.SourceFileID,
		ContentHash:  in.ContentHash,
		ModTime:      in.ModTime.UTC(),
	}

	existing, found := manifest.Find(key)
	if found && !incoming.Supersedes(existing) {
		a.logger.Info("revision superseded by dataset content",
			"deployment_id", dep,
			"profile_key", key,
			"path", in.Path)
		return Result{Dataset: base, ProfileKey: key, Outcome: OutcomeUnchanged}, nil
	}

	if err := in.guard(ctx); err != nil {
		return Result{}, err
	}

	generation := int64(1)
	baseVersion := ""
	if base != nil {
		generation = base.Generation + 1
		baseVersion = base.CurrentVersion
	}

	now := a.clock.Now().UTC()
	next := &Manifest{
		DeploymentID: dep,
		Version:      NewVersion(generation),
		Generation:   generation,
		CreatedAt:    now,
		Profiles:     append([]Profile(nil), manifest.Profiles...),
	}
	next.put(incoming)

	err = a.layout.Stage(next, func(dir string) error {
		for _, p := range next.Profiles {
			if p.Key == key {
				if err := a.layout.Put(dir, p.File, in.Data); err != nil {
					return fmt.Errorf("failed to write profile %s: %w", p.Key, err)
				}
				continue
			}
			if err := a.layout.Carry(dep, baseVersion, p, dir); err != nil {
				return fmt.Errorf("failed to carry profile %s: %w", p.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if err := in.guard(ctx); err != nil {
		a.layout.Discard(dep, next.Version)
		return Result{}, err
	}

	ds := &db.Dataset{
		DeploymentID:   dep,
		Generation:     generation,
		CurrentVersion: next.Version,
		ProfileCount:   len(next.Profiles),
		AggregatedAt:   now,
		UpdatedAt:      now,
	}
	if err := a.layout.Commit(ctx, ds, baseVersion); err != nil {
		return Result{}, err
	}

	datasetGeneration.WithLabelValues(dep).Set(float64(generation))

	outcome := OutcomeInserted
	if found {
		outcome = OutcomeReplaced
	}
	a.logger.Info("dataset committed",
		"deployment_id", dep,
		"generation", generation,
		"version", next.Version,
		"profile_key", key,
		"outcome", outcome,
		"profiles", len(next.Profiles))

	return Result{Dataset: ds, ProfileKey: key, Outcome: outcome}, nil
}

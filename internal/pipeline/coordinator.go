// Package pipeline drives each deployment from uploaded profile file to
// published dataset. It consumes watcher events, runs the ingest and publish
// workers, receives QC outcomes, and owns the per-deployment state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/inbox"
	"github.com/livinlefevreloca/gliderdac/internal/publish"
	"github.com/livinlefevreloca/gliderdac/internal/qc"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/records"
	"github.com/livinlefevreloca/gliderdac/internal/validator"
	"github.com/livinlefevreloca/gliderdac/internal/watcher"
)

// Publish job reasons
const (
	ReasonQC       = "qc"
	ReasonMetadata = "metadata"
)

var (
	// errStale marks a job whose input no longer exists or was replaced
	errStale = errors.New("pipeline: job input is stale")

	// errDropped marks a job for a deployment that is no longer watched
	errDropped = errors.New("pipeline: deployment not watched")
)

// StatusSink receives operator-visible status after every state change
type StatusSink interface {
	Record(deploymentID, state string, generation int64, errText string, at time.Time) error
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Deps are the components the coordinator wires together
type Deps struct {
	DB         *db.DB
	Queue      *queue.Queue
	Records    records.Store
	Validator  *validator.Validator
	Aggregator *aggregator.Aggregator
	Signaler   *publish.Signaler
	Status     StatusSink
	Events     *inbox.Inbox[watcher.Event]

	QC      qc.Config
	Battery *qc.Battery
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

// WithRecorder records every state the coordinator persists
func WithRecorder(r *StateRecorder) Option {
	return func(co *Coordinator) { co.recorder = r }
}

// Coordinator owns deployment state and the ingest and publish workers
type Coordinator struct {
	config     Config
	db         *db.DB
	queue      *queue.Queue
	records    records.Store
	validator  *validator.Validator
	aggregator *aggregator.Aggregator
	signaler   *publish.Signaler
	status     StatusSink
	events     *inbox.Inbox[watcher.Event]
	qc         *qc.Pool
	clock      Clock
	logger     *slog.Logger
	instance   string

	recorderMu sync.Mutex
	recorder   *StateRecorder
}

// New creates a coordinator. The QC pool is built here so it reports back
// to the coordinator.
func New(config Config, deps Deps, logger *slog.Logger, opts ...Option) (*Coordinator, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.DB == nil || deps.Queue == nil || deps.Records == nil || deps.Validator == nil ||
		deps.Aggregator == nil || deps.Signaler == nil {
		return nil, fmt.Errorf("pipeline: missing dependency")
	}

	c := &Coordinator{
		config:     config,
		db:         deps.DB,
		queue:      deps.Queue,
		records:    deps.Records,
		validator:  deps.Validator,
		aggregator: deps.Aggregator,
		signaler:   deps.Signaler,
		status:     deps.Status,
		events:     deps.Events,
		clock:      realClock{},
		logger:     logger,
		instance:   uuid.NewString()[:8],
	}
	for _, opt := range opts {
		opt(c)
	}

	pool, err := qc.NewPool(deps.QC, deps.Battery, deps.Queue, deps.Aggregator.Layout(), c, logger)
	if err != nil {
		return nil, err
	}
	c.qc = pool

	return c, nil
}

// QC returns the coordinator's QC pool
func (c *Coordinator) QC() *qc.Pool {
	return c.qc
}

// Run starts the event loop, the worker pools, and maintenance, and blocks
// until ctx is cancelled
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("pipeline starting",
		"ingest_workers", c.config.IngestWorkers,
		"publish_workers", c.config.PublishWorkers,
		"auto_register", c.config.AutoRegister)

	g, ctx := errgroup.WithContext(ctx)

	if c.events != nil {
		g.Go(func() error {
			c.runEvents(ctx)
			return nil
		})
	}
	for i := 0; i < c.config.IngestWorkers; i++ {
		owner := fmt.Sprintf("ingest-%s-%d", c.instance, i)
		g.Go(func() error {
			c.work(ctx, queue.KindIngest, owner, c.ProcessIngest)
			return nil
		})
	}
	for i := 0; i < c.config.PublishWorkers; i++ {
		owner := fmt.Sprintf("publish-%s-%d", c.instance, i)
		g.Go(func() error {
			c.work(ctx, queue.KindPublish, owner, c.ProcessPublish)
			return nil
		})
	}
	g.Go(func() error {
		return c.qc.Run(ctx)
	})
	g.Go(func() error {
		c.maintain(ctx)
		return nil
	})

	err := g.Wait()
	c.logger.Info("pipeline stopped")
	return err
}

func (c *Coordinator) runEvents(ctx context.Context) {
	for {
		ev, ok := c.events.Receive(ctx)
		if !ok {
			return
		}
		if err := c.HandleEvent(ctx, ev); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to handle event",
				"kind", ev.Kind.String(),
				"path", ev.Path,
				"deployment_id", ev.DeploymentID,
				"error", err)
		}
	}
}

func (c *Coordinator) work(ctx context.Context, kind queue.Kind, owner string, process func(context.Context, queue.Job)) {
	for {
		job, err := c.queue.Dequeue(ctx, kind, owner)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to dequeue job", "kind", string(kind), "owner", owner, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.queue.Config().PollInterval):
			}
			continue
		}
		process(ctx, job)
	}
}

func (c *Coordinator) maintain(ctx context.Context) {
	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Maintain(ctx)
		}
	}
}

// Maintain reaps expired leases and refreshes queue depth gauges
func (c *Coordinator) Maintain(ctx context.Context) {
	if n, err := c.queue.ReapExpired(ctx); err != nil {
		c.logger.Warn("failed to reap expired leases", "error", err)
	} else if n > 0 {
		c.logger.Info("requeued jobs with expired leases", "count", n)
	}

	counts, err := c.queue.Depths(ctx)
	if err != nil {
		c.logger.Warn("failed to count jobs", "error", err)
		return
	}
	queueDepth.Reset()
	for _, jc := range counts {
		queueDepth.WithLabelValues(jc.Kind, jc.State).Set(float64(jc.Count))
	}
}

// HandleEvent turns one watcher event into jobs and record updates
func (c *Coordinator) HandleEvent(ctx context.Context, ev watcher.Event) error {
	events.WithLabelValues(ev.Kind.String()).Inc()
	logger := c.logger.With("deployment_id", ev.DeploymentID, "path", ev.Path)

	switch ev.Kind {
	case watcher.EventProfile:
		return c.onProfile(ctx, ev, logger)

	case watcher.EventWMOID:
		data, err := os.ReadFile(ev.Path)
		if err != nil {
			return fmt.Errorf("failed to read wmo id: %w", err)
		}
		if err := c.records.SetWMOID(ctx, ev.DeploymentID, string(data)); err != nil {
			if errors.Is(err, records.ErrNotFound) {
				logger.Debug("wmo id for unknown deployment ignored")
				return nil
			}
			return err
		}
		logger.Info("wmo id updated")
		return nil

	case watcher.EventExtraAttrs:
		return c.onExtraAttrs(ctx, ev, logger)

	case watcher.EventDeploymentCreated:
		if !c.config.AutoRegister {
			return nil
		}
		return c.register(ctx, ev, logger)

	case watcher.EventDeploymentRemoved:
		return c.Retire(ctx, ev.DeploymentID)

	case watcher.EventStuckFile:
		logger.Warn("file never stabilized", "size", ev.Size, "mod_time", ev.ModTime)
		return nil

	default:
		logger.Warn("unknown event kind", "kind", int(ev.Kind))
		return nil
	}
}

func (c *Coordinator) register(ctx context.Context, ev watcher.Event, logger *slog.Logger) error {
	err := c.records.EnsureDeployment(ctx, ev.DeploymentID, ev.Operator)
	if errors.Is(err, records.ErrUnknownOperator) {
		logger.Warn("deployment directory for unknown operator", "operator", ev.Operator)
		return nil
	}
	return err
}

func (c *Coordinator) onProfile(ctx context.Context, ev watcher.Event, logger *slog.Logger) error {
	if c.config.AutoRegister {
		if err := c.register(ctx, ev, logger); err != nil {
			return err
		}
	}

	watched, err := c.records.IsWatched(ctx, ev.DeploymentID)
	if err != nil {
		return err
	}
	if !watched {
		logger.Debug("profile for unwatched deployment dropped")
		return nil
	}

	job, inserted, err := c.queue.Enqueue(ctx, queue.NewIngestJob(ev.DeploymentID, queue.IngestPayload{
		Path:    ev.Path,
		ModTime: ev.ModTime,
		Size:    ev.Size,
	}))
	if err != nil {
		return fmt.Errorf("failed to enqueue ingest: %w", err)
	}
	if !inserted {
		logger.Debug("profile revision already queued", "job_id", job.ID)
		return nil
	}

	_, err = c.transit(ctx, ev.DeploymentID, func(cur State, st *db.DeploymentState) State {
		switch s := cur.(type) {
		case *ErrorState:
			logger.Warn("profile queued for deployment in error state")
			return nil
		case *PendingState:
			return s
		case pendingCapable:
			return s.ToPending()
		}
		return nil
	})
	return err
}

func (c *Coordinator) onExtraAttrs(ctx context.Context, ev watcher.Event, logger *slog.Logger) error {
	ds, err := c.db.GetDataset(ctx, ev.DeploymentID)
	if db.IsNotFound(err) {
		logger.Debug("metadata changed before first aggregation")
		return nil
	}
	if err != nil {
		return err
	}

	_, inserted, err := c.queue.Enqueue(ctx, queue.NewPublishJob(ev.DeploymentID, ds.Generation, ReasonMetadata))
	if err != nil {
		return fmt.Errorf("failed to enqueue metadata refresh: %w", err)
	}
	if inserted {
		logger.Info("metadata refresh queued", "generation", ds.Generation)
	}
	return nil
}

// admit gates a job on the deployment's state and watch status
func (c *Coordinator) admit(ctx context.Context, job queue.Job) error {
	st, err := c.db.GetDeploymentState(ctx, job.DeploymentID)
	switch {
	case err == nil && st.State == StateError:
		return ErrDeploymentInError
	case err != nil && !db.IsNotFound(err):
		return err
	}

	watched, err := c.records.IsWatched(ctx, job.DeploymentID)
	if err != nil {
		return err
	}
	if !watched {
		return errDropped
	}
	return nil
}

// checkSuperseded fails with queue.ErrSuperseded once the job's deployment
// has been removed underneath it
func (c *Coordinator) checkSuperseded(ctx context.Context, job queue.Job) error {
	superseded, err := c.queue.IsSuperseded(ctx, job.ID)
	if err != nil {
		return err
	}
	if superseded {
		return fmt.Errorf("job %s: %w", job.ID, queue.ErrSuperseded)
	}
	return nil
}

// settle acks, retries, or dead-letters a job according to how it ended
func (c *Coordinator) settle(ctx context.Context, job queue.Job, err error, logger *slog.Logger) {
	kind := string(job.Kind)

	switch {
	case err == nil:
		jobResults.WithLabelValues(kind, "done").Inc()
		c.ack(ctx, job, logger)

	case errors.Is(err, errStale):
		logger.Debug("discarding stale job", "reason", err)
		jobResults.WithLabelValues(kind, "stale").Inc()
		c.ack(ctx, job, logger)

	case errors.Is(err, errDropped):
		logger.Debug("dropping job for unwatched deployment")
		jobResults.WithLabelValues(kind, "dropped").Inc()
		c.ack(ctx, job, logger)

	case errors.Is(err, ErrDeploymentInError):
		jobResults.WithLabelValues(kind, "dead_lettered").Inc()
		c.deadLetter(ctx, job, err, logger)

	default:
		switch Classify(err) {
		case ClassConsistency:
			logger.Debug("job abandoned", "reason", err)
			jobResults.WithLabelValues(kind, "superseded").Inc()

		case ClassInput:
			logger.Warn("job input rejected", "error", err)
			jobResults.WithLabelValues(kind, "dead_lettered").Inc()
			c.deadLetter(ctx, job, err, logger)
			c.noteError(ctx, job.DeploymentID, err, logger)

		case ClassFatal:
			logger.Error("job failed permanently", "error", err)
			jobResults.WithLabelValues(kind, "dead_lettered").Inc()
			c.deadLetter(ctx, job, err, logger)
			c.fail(ctx, job.DeploymentID, err, logger)

		default:
			final := job.Attempt >= c.queue.Config().MaxAttempts
			logger.Warn("job failed", "attempt", job.Attempt, "final", final, "error", err)
			if nackErr := c.queue.Nack(ctx, job, err); nackErr != nil {
				logger.Warn("failed to nack job", "error", nackErr)
				return
			}
			if final {
				jobResults.WithLabelValues(kind, "dead_lettered").Inc()
				c.noteError(ctx, job.DeploymentID, err, logger)
			} else {
				jobResults.WithLabelValues(kind, "retried").Inc()
			}
		}
	}
}

func (c *Coordinator) ack(ctx context.Context, job queue.Job, logger *slog.Logger) {
	if err := c.queue.Ack(ctx, job); err != nil {
		if Classify(err) == ClassConsistency {
			logger.Debug("job superseded before ack")
			return
		}
		logger.Warn("failed to ack job", "error", err)
	}
}

func (c *Coordinator) deadLetter(ctx context.Context, job queue.Job, cause error, logger *slog.Logger) {
	if _, err := c.queue.DeadLetter(ctx, job, cause.Error()); err != nil {
		logger.Warn("failed to dead-letter job", "error", err)
	}
}

// fail moves a deployment to ERROR
func (c *Coordinator) fail(ctx context.Context, deploymentID string, cause error, logger *slog.Logger) {
	_, err := c.transit(ctx, deploymentID, func(cur State, st *db.DeploymentState) State {
		s, ok := cur.(errorCapable)
		if !ok {
			return nil
		}
		st.LastError = cause.Error()
		return s.ToError()
	})
	if err != nil {
		logger.Error("failed to record error state", "error", err)
		return
	}
	logger.Error("deployment moved to error state", "error", cause)
}

// noteError records a job's last failure without changing state. Work that
// was mid-flight falls back to PENDING.
func (c *Coordinator) noteError(ctx context.Context, deploymentID string, cause error, logger *slog.Logger) {
	_, err := c.transit(ctx, deploymentID, func(cur State, st *db.DeploymentState) State {
		st.LastError = cause.Error()
		switch s := cur.(type) {
		case *ErrorState:
			return nil
		case *ValidatingState:
			return s.ToPending()
		case *AggregatingState:
			return s.ToPending()
		}
		return cur
	})
	if err != nil {
		logger.Warn("failed to record job failure", "error", err)
	}
}

// transit runs fn against the deployment's persisted state in one
// transaction. fn may edit st and returns the next state, or nil to leave
// the row untouched. A missing row reads as PENDING.
func (c *Coordinator) transit(ctx context.Context, deploymentID string, fn func(cur State, st *db.DeploymentState) State) (State, error) {
	var from, to State
	var saved db.DeploymentState

	err := c.db.WithTransaction(ctx, func(tx *db.Tx) error {
		st, err := tx.GetDeploymentState(ctx, deploymentID)
		if db.IsNotFound(err) {
			st = &db.DeploymentState{DeploymentID: deploymentID, State: StatePending}
		} else if err != nil {
			return err
		}

		from = stateFromName(st.State)
		to = fn(from, st)
		if to == nil {
			return nil
		}

		st.State = to.Name()
		st.UpdatedAt = c.clock.Now()
		saved = *st
		return tx.PutDeploymentState(ctx, st)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update deployment state: %w", err)
	}
	if to == nil {
		return from, nil
	}

	if from.Name() != to.Name() {
		transitions.WithLabelValues(from.Name(), to.Name()).Inc()
		c.logger.Info("state transition",
			"deployment_id", deploymentID,
			"from", from.Name(),
			"to", to.Name(),
			"generation", saved.Generation)
	}
	c.recordState(to)

	if c.status != nil {
		if err := c.status.Record(deploymentID, saved.State, saved.Generation, saved.LastError, saved.UpdatedAt); err != nil {
			c.logger.Warn("failed to buffer status update", "deployment_id", deploymentID, "error", err)
		}
	}
	return to, nil
}

func (c *Coordinator) recordState(s State) {
	c.recorderMu.Lock()
	defer c.recorderMu.Unlock()
	if c.recorder != nil {
		c.recorder.Record(s)
	}
}

// AdmitQC implements qc.Reporter
func (c *Coordinator) AdmitQC(ctx context.Context, job queue.Job) error {
	err := c.admit(ctx, job)
	if errors.Is(err, errDropped) {
		return qc.ErrSkip
	}
	return err
}

// QCCompleted implements qc.Reporter. It advances the deployment and queues
// the publish signal for the flagged generation.
func (c *Coordinator) QCCompleted(ctx context.Context, deploymentID string, generation int64, summary qc.Summary) error {
	to, err := c.transit(ctx, deploymentID, func(cur State, st *db.DeploymentState) State {
		if s, ok := cur.(*QCPendingState); ok && st.Generation == generation {
			st.LastError = ""
			return s.ToQCDone()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if to.Name() == StateError {
		return nil
	}

	if _, _, err := c.queue.Enqueue(ctx, queue.NewPublishJob(deploymentID, generation, ReasonQC)); err != nil {
		return fmt.Errorf("failed to enqueue publish: %w", err)
	}
	c.logger.Info("qc completed",
		"deployment_id", deploymentID,
		"generation", generation,
		"profiles", summary.Profiles,
		"redelivered", summary.Redelivered)
	return nil
}

// QCFailed implements qc.Reporter
func (c *Coordinator) QCFailed(ctx context.Context, deploymentID string, generation int64, err error) {
	logger := c.logger.With("deployment_id", deploymentID, "generation", generation)
	if Classify(err) == ClassFatal {
		c.fail(ctx, deploymentID, err, logger)
		return
	}
	c.noteError(ctx, deploymentID, err, logger)
}

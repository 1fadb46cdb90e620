// Package queue is the durable, lease-based work queue that connects the
// pipeline stages. Jobs live in the jobs table; a job of a given
// (deployment, kind) is only claimable while it is the oldest live job of
// that pair and nothing else of that pair is claimed, which keeps work on
// one deployment strictly ordered while different deployments proceed in
// parallel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/gliderdac/internal/db"
)

var (
	// ErrEmpty is returned by Claim when no job of the kind is claimable
	ErrEmpty = errors.New("queue: no claimable job")

	// ErrLeaseLost is returned when a job is no longer claimed by the caller
	ErrLeaseLost = errors.New("queue: lease lost")

	// ErrSuperseded is returned when the job's deployment was removed
	ErrSuperseded = errors.New("queue: job superseded")
)

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Option configures a Queue
type Option func(*Queue)

// WithClock overrides the time source, used by tests
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// Queue hands out jobs under time-bounded leases
type Queue struct {
	db     *db.DB
	config Config
	logger *slog.Logger
	clock  Clock

	// One notification channel per kind wakes blocked Dequeue callers
	notify map[Kind]chan struct{}
}

// New creates a queue over an opened, migrated database
func New(database *db.DB, config Config, logger *slog.Logger, opts ...Option) (*Queue, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid queue config: %w", err)
	}

	q := &Queue{
		db:     database,
		config: config,
		logger: logger,
		clock:  systemClock{},
		notify: make(map[Kind]chan struct{}, len(Kinds)),
	}
	for _, k := range Kinds {
		q.notify[k] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Config returns the queue's configuration
func (q *Queue) Config() Config {
	return q.config
}

func (q *Queue) wake(kind Kind) {
	select {
	case q.notify[kind] <- struct{}{}:
	default:
	}
}

// Enqueue adds a job. If an identical live job exists (same deployment, kind,
// and revision or generation), that job is returned and inserted is false.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, bool, error) {
	if err := job.validate(); err != nil {
		return Job{}, false, err
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = q.clock.Now()

	row, err := toRow(job)
	if err != nil {
		return Job{}, false, err
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	stored, inserted, err := q.db.InsertJob(ctx, row)
	if err != nil {
		return Job{}, false, fmt.Errorf("enqueue %s job for %s: %w", job.Kind, job.DeploymentID, err)
	}

	result, err := fromRow(stored)
	if err != nil {
		return Job{}, false, err
	}

	if inserted {
		jobsEnqueued.WithLabelValues(string(job.Kind), "inserted").Inc()
		q.logger.Debug("job enqueued",
			"job_id", result.ID,
			"kind", result.Kind,
			"deployment_id", result.DeploymentID)
		q.wake(job.Kind)
	} else {
		jobsEnqueued.WithLabelValues(string(job.Kind), "deduplicated").Inc()
		q.logger.Debug("duplicate job collapsed",
			"job_id", result.ID,
			"kind", result.Kind,
			"deployment_id", result.DeploymentID)
	}
	return result, inserted, nil
}

// Claim leases the next claimable job of kind to owner, or returns ErrEmpty
func (q *Queue) Claim(ctx context.Context, kind Kind, owner string) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	now := q.clock.Now()
	row, err := q.db.ClaimJob(ctx, string(kind), owner, now, q.config.LeaseTTL)
	if db.IsNotFound(err) {
		return Job{}, ErrEmpty
	}
	if err != nil {
		// A concurrent claimer won the partial unique index race
		if db.IsDuplicate(err) {
			return Job{}, ErrEmpty
		}
		return Job{}, fmt.Errorf("claim %s job: %w", kind, err)
	}

	job, err := fromRow(row)
	if err != nil {
		return Job{}, err
	}
	claimLatency.WithLabelValues(string(kind)).Observe(now.Sub(row.AvailableAt).Seconds())
	return job, nil
}

// Dequeue blocks until a job of kind can be claimed or ctx ends
func (q *Queue) Dequeue(ctx context.Context, kind Kind, owner string) (Job, error) {
	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		job, err := q.Claim(ctx, kind, owner)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return Job{}, err
		}

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.notify[kind]:
		case <-ticker.C:
		}
	}
}

// Extend renews the lease on a job the caller still holds
func (q *Queue) Extend(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	err := q.db.ExtendLease(ctx, job.ID, job.LeaseOwner, q.clock.Now(), q.config.LeaseTTL)
	if db.IsNotFound(err) {
		return q.classifyLost(ctx, job.ID)
	}
	return err
}

// Ack marks a claimed job complete
func (q *Queue) Ack(ctx context.Context, job Job) error {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	err := q.db.CompleteJob(ctx, job.ID, job.LeaseOwner, q.clock.Now())
	if db.IsNotFound(err) {
		return q.classifyLost(ctx, job.ID)
	}
	if err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}

	jobsFinished.WithLabelValues(string(job.Kind), "acked").Inc()
	return nil
}

// Nack reports a failed attempt. The job is requeued after the backoff for
// its attempt number, or dead-lettered once MaxAttempts is reached.
func (q *Queue) Nack(ctx context.Context, job Job, cause error) error {
	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}

	if job.Attempt >= q.config.MaxAttempts {
		_, err := q.DeadLetter(ctx, job, fmt.Sprintf("max attempts (%d) exceeded: %s", q.config.MaxAttempts, reason))
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	now := q.clock.Now()
	delay := q.config.Backoff.Delay(job.Attempt)
	err := q.db.RetryJob(ctx, job.ID, job.LeaseOwner, now, now.Add(delay), reason)
	if db.IsNotFound(err) {
		return q.classifyLost(ctx, job.ID)
	}
	if err != nil {
		return fmt.Errorf("nack job %s: %w", job.ID, err)
	}

	jobsFinished.WithLabelValues(string(job.Kind), "retried").Inc()
	q.logger.Warn("job attempt failed",
		"job_id", job.ID,
		"kind", job.Kind,
		"deployment_id", job.DeploymentID,
		"attempt", job.Attempt,
		"retry_in", delay,
		"error", reason)

	// Backed-off jobs become claimable by polling, not by notification
	return nil
}

// DeadLetter moves a claimed job straight to the dead-letter list
func (q *Queue) DeadLetter(ctx context.Context, job Job, reason string) (*db.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	dl, err := q.db.DeadLetterJob(ctx, job.ID, job.LeaseOwner, uuid.NewString(), reason, q.clock.Now())
	if db.IsNotFound(err) {
		return nil, q.classifyLost(ctx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}

	jobsFinished.WithLabelValues(string(job.Kind), "dead_lettered").Inc()
	q.logger.Error("job dead-lettered",
		"job_id", job.ID,
		"dead_letter_id", dl.ID,
		"kind", job.Kind,
		"deployment_id", job.DeploymentID,
		"attempts", dl.Attempts,
		"reason", reason)
	return dl, nil
}

// Supersede drops every live job of a deployment. Workers still holding one
// of those jobs learn about it through ErrSuperseded on their next call.
func (q *Queue) Supersede(ctx context.Context, deploymentID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	n, err := q.db.SupersedeJobs(ctx, deploymentID, q.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("supersede jobs of %s: %w", deploymentID, err)
	}

	if n > 0 {
		jobsSuperseded.Add(float64(n))
		q.logger.Info("jobs superseded",
			"deployment_id", deploymentID,
			"count", n)
	}
	return n, nil
}

// IsSuperseded reports whether a job was dropped by Supersede
func (q *Queue) IsSuperseded(ctx context.Context, jobID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	row, err := q.db.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return row.State == db.JobSuperseded, nil
}

// ReapExpired returns abandoned claims to the queue, counting the abandoned
// attempt. Jobs that have used up their attempts are dead-lettered.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	now := q.clock.Now()
	expired, err := q.db.ListExpiredClaims(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list expired claims: %w", err)
	}

	reaped := 0
	for _, row := range expired {
		reason := fmt.Sprintf("lease held by %s expired", row.LeaseOwner)

		if row.Attempt >= q.config.MaxAttempts {
			_, err = q.db.DeadLetterJob(ctx, row.ID, row.LeaseOwner, uuid.NewString(), reason, now)
		} else {
			err = q.db.RetryJob(ctx, row.ID, row.LeaseOwner, now, now.Add(q.config.Backoff.Delay(row.Attempt)), reason)
		}

		// The holder finished between the list and the update
		if db.IsNotFound(err) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("reap job %s: %w", row.ID, err)
		}

		reaped++
		jobsFinished.WithLabelValues(row.Kind, "reaped").Inc()
		q.logger.Warn("expired lease reaped",
			"job_id", row.ID,
			"kind", row.Kind,
			"deployment_id", row.DeploymentID,
			"owner", row.LeaseOwner,
			"attempt", row.Attempt)
	}
	return reaped, nil
}

// DeadLetters lists dead letters awaiting operator action
func (q *Queue) DeadLetters(ctx context.Context) ([]*db.DeadLetter, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	return q.db.ListDeadLetters(ctx)
}

// Requeue returns a dead-lettered job to the queue with a fresh attempt budget
func (q *Queue) Requeue(ctx context.Context, deadLetterID string) (Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	row, err := q.db.RequeueDeadLetter(ctx, deadLetterID, q.clock.Now())
	if err != nil {
		return Job{}, fmt.Errorf("requeue dead letter %s: %w", deadLetterID, err)
	}

	job, err := fromRow(row)
	if err != nil {
		return Job{}, err
	}

	q.logger.Info("dead letter requeued",
		"dead_letter_id", deadLetterID,
		"job_id", job.ID,
		"kind", job.Kind,
		"deployment_id", job.DeploymentID)
	q.wake(job.Kind)
	return job, nil
}

// Pending lists a deployment's queued and claimed jobs in enqueue order
func (q *Queue) Pending(ctx context.Context, deploymentID string) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()

	rows, err := q.db.ListLiveJobs(ctx, deploymentID)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depths returns job counts grouped by kind and state
func (q *Queue) Depths(ctx context.Context) ([]db.JobCount, error) {
	ctx, cancel := context.WithTimeout(ctx, q.config.OperationTimeout)
	defer cancel()
	return q.db.CountJobs(ctx)
}

// classifyLost explains why a lease-guarded update touched no row
func (q *Queue) classifyLost(ctx context.Context, jobID string) error {
	row, err := q.db.GetJob(ctx, jobID)
	if err != nil {
		if db.IsNotFound(err) {
			return fmt.Errorf("job %s: %w", jobID, ErrLeaseLost)
		}
		return err
	}
	if row.State == db.JobSuperseded {
		return fmt.Errorf("job %s: %w", jobID, ErrSuperseded)
	}
	return fmt.Errorf("job %s is %s: %w", jobID, row.State, ErrLeaseLost)
}

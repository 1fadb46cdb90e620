package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/gliderdac/internal/aggregator"
	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
	"github.com/livinlefevreloca/gliderdac/internal/validator"
)

// ProcessIngest validates and aggregates one file revision, then settles
// the job
func (c *Coordinator) ProcessIngest(ctx context.Context, job queue.Job) {
	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(string(queue.KindIngest)).Observe(time.Since(start).Seconds())
	}()

	logger := c.logger.With("job_id", job.ID, "deployment_id", job.DeploymentID, "attempt", job.Attempt)
	if job.Payload.Ingest != nil {
		logger = logger.With("path", job.Payload.Ingest.Path)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("ingest job panicked", "panic", r)
			c.settle(ctx, job, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	if err := c.admit(ctx, job); err != nil {
		c.settle(ctx, job, err, logger)
		return
	}
	if err := c.checkSuperseded(ctx, job); err != nil {
		c.settle(ctx, job, err, logger)
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.config.JobTimeout)
	err := c.ingest(jobCtx, job, logger)
	cancel()

	c.settle(ctx, job, err, logger)
}

func (c *Coordinator) ingest(ctx context.Context, job queue.Job, logger *slog.Logger) error {
	dep := job.DeploymentID
	p := job.Payload.Ingest
	if p == nil {
		return Invalid(fmt.Errorf("ingest job %s has no payload", job.ID))
	}

	info, err := os.Stat(p.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s was removed", errStale, p.Path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat source file: %w", err)
	}
	if !info.ModTime().Equal(p.ModTime) {
		return fmt.Errorf("%w: %s was modified again", errStale, p.Path)
	}
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return fmt.Errorf("failed to read source file: %w", err)
	}

	if _, err := c.transit(ctx, dep, toValidating); err != nil {
		return err
	}

	hash := aggregator.ContentHash(data)
	result := c.validator.Validate(data)

	sf := &db.SourceFile{
		ID:           uuid.NewString(),
		DeploymentID: dep,
		Path:         p.Path,
		ContentHash:  hash,
		ModTime:      p.ModTime,
		Size:         info.Size(),
		Passed:       result.Passed,
		ValidatedAt:  c.clock.Now(),
	}
	if result.Passed {
		key, err := c.aggregator.ProfileKey(dep, data)
		if err != nil {
			result = rejectProfileTime(result, err)
			sf.Passed = false
		} else {
			sf.ProfileKey = key
		}
	}

	diags := make([]db.Diagnostic, 0, len(result.Diagnostics))
	for i, d := range result.Diagnostics {
		diags = append(diags, db.Diagnostic{
			Seq:      i,
			Code:     d.Code,
			Severity: string(d.Severity),
			Field:    d.Field,
			Message:  d.Message,
		})
	}
	stored, err := c.db.RecordValidation(ctx, sf, diags)
	if err != nil {
		return fmt.Errorf("failed to record validation: %w", err)
	}

	if !result.Passed {
		validations.WithLabelValues("failed").Inc()
		logger.Warn("profile failed validation",
			"errors", len(result.Errors()),
			"summary", result.Summary())

		_, err := c.transit(ctx, dep, func(cur State, st *db.DeploymentState) State {
			if s, ok := cur.(*ValidatingState); ok {
				st.LastError = result.Summary()
				return s.ToPending()
			}
			return nil
		})
		return err
	}
	validations.WithLabelValues("passed").Inc()

	if _, err := c.transit(ctx, dep, func(cur State, st *db.DeploymentState) State {
		if s, ok := cur.(*ValidatingState); ok {
			return s.ToAggregating()
		}
		return nil
	}); err != nil {
		return err
	}

	res, err := c.aggregator.Aggregate(ctx, aggregator.Input{
		DeploymentID: dep,
		Path:         p.Path,
		SourceFileID: stored.ID,
		ModTime:      p.ModTime,
		ContentHash:  hash,
		Data:         data,
		Guard: func(ctx context.Context) error {
			return c.checkSuperseded(ctx, job)
		},
	})
	if err != nil {
		return err
	}
	if res.Dataset == nil {
		_, err := c.transit(ctx, dep, func(cur State, st *db.DeploymentState) State {
			if s, ok := cur.(*AggregatingState); ok {
				return s.ToPending()
			}
			return nil
		})
		return err
	}

	gen := res.Dataset.Generation
	if err := c.checkSuperseded(ctx, job); err != nil {
		return err
	}
	if _, _, err := c.queue.Enqueue(ctx, queue.NewQCJob(dep, gen)); err != nil {
		return fmt.Errorf("failed to enqueue qc: %w", err)
	}

	modTime := p.ModTime
	if _, err := c.transit(ctx, dep, func(cur State, st *db.DeploymentState) State {
		s, ok := cur.(*AggregatingState)
		if !ok {
			return nil
		}
		st.Generation = gen
		st.LastFileTime = &modTime
		st.LastError = ""
		return s.ToQCPending()
	}); err != nil {
		return err
	}

	logger.Info("profile aggregated",
		"profile_key", res.ProfileKey,
		"outcome", string(res.Outcome),
		"generation", gen)
	return nil
}

// rejectProfileTime fails a result whose profile time could not be decoded
// after validation passed, so the file is recorded rather than retried
func rejectProfileTime(result validator.Result, err error) validator.Result {
	code := validator.CodeInvalidTimeUnits
	if errors.Is(err, aggregator.ErrNoProfileTime) {
		code = validator.CodeEmptyTime
	}
	result.Diagnostics = append(result.Diagnostics, validator.Diagnostic{
		Code:     code,
		Severity: validator.SeverityError,
		Field:    "profile_time",
		Message:  err.Error(),
	})
	result.Passed = false
	return result
}

// toValidating starts validation from any state but ERROR
func toValidating(cur State, _ *db.DeploymentState) State {
	switch s := cur.(type) {
	case *PendingState:
		return s.ToValidating()
	case *ErrorState:
		return nil
	case pendingCapable:
		return s.ToPending().ToValidating()
	}
	return nil
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/publish"
	"github.com/livinlefevreloca/gliderdac/internal/queue"
)

// ProcessPublish signals serving systems for one dataset generation, then
// settles the job
func (c *Coordinator) ProcessPublish(ctx context.Context, job queue.Job) {
	start := time.Now()
	defer func() {
		jobDuration.WithLabelValues(string(queue.KindPublish)).Observe(time.Since(start).Seconds())
	}()

	logger := c.logger.With("job_id", job.ID, "deployment_id", job.DeploymentID,
		"generation", job.Generation(), "attempt", job.Attempt)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish job panicked", "panic", r)
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
	err := c.publish(jobCtx, job, logger)
	cancel()

	c.settle(ctx, job, err, logger)
}

func (c *Coordinator) publish(ctx context.Context, job queue.Job, logger *slog.Logger) error {
	dep := job.DeploymentID
	gen := job.Generation()
	if job.Payload.Publish == nil {
		return Invalid(fmt.Errorf("publish job %s has no payload", job.ID))
	}

	ds, err := c.db.GetDataset(ctx, dep)
	if db.IsNotFound(err) {
		return fmt.Errorf("%w: no dataset for %s", errStale, dep)
	}
	if err != nil {
		return err
	}
	if gen < ds.Generation {
		return fmt.Errorf("%w: job %d, dataset %d", errStale, gen, ds.Generation)
	}

	if err := c.checkSuperseded(ctx, job); err != nil {
		return err
	}

	var results []publish.Result
	if job.Payload.Publish.Reason == ReasonMetadata {
		results, err = c.signaler.Refresh(ctx, dep, gen)
	} else {
		results, err = c.signaler.SignalAll(ctx, dep, gen)
	}
	if err != nil {
		return err
	}

	emitted := 0
	for _, r := range results {
		if r.Emitted {
			emitted++
		}
	}

	if _, err := c.transit(ctx, dep, func(cur State, st *db.DeploymentState) State {
		if s, ok := cur.(*QCDoneState); ok && st.Generation == gen {
			return s.ToPublished()
		}
		return nil
	}); err != nil {
		return err
	}

	logger.Info("publish signals sent",
		"reason", job.Payload.Publish.Reason,
		"targets", len(results),
		"emitted", emitted)
	return nil
}

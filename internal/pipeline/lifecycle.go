package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/gliderdac/internal/db"
	"github.com/livinlefevreloca/gliderdac/internal/records"
)

// ErrNotInError is returned by Reset for deployments that are not in ERROR
var ErrNotInError = errors.New("deployment is not in error state")

// Retire removes every trace of a deployment the pipeline owns: live jobs
// are superseded, the dataset directory and index rows are deleted, and the
// deployment record is dropped.
func (c *Coordinator) Retire(ctx context.Context, deploymentID string) error {
	logger := c.logger.With("deployment_id", deploymentID)

	superseded, err := c.queue.Supersede(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to supersede jobs: %w", err)
	}
	if err := c.aggregator.Layout().Remove(deploymentID); err != nil {
		return fmt.Errorf("failed to remove dataset: %w", err)
	}
	if err := c.db.DeleteDeploymentState(ctx, deploymentID); err != nil {
		return fmt.Errorf("failed to delete deployment state: %w", err)
	}
	if err := c.records.DeleteDeployment(ctx, deploymentID); err != nil {
		return fmt.Errorf("failed to delete deployment record: %w", err)
	}

	logger.Info("deployment retired", "superseded_jobs", superseded)
	return nil
}

// Reset moves a deployment out of ERROR so new files are processed again
func (c *Coordinator) Reset(ctx context.Context, deploymentID string) error {
	_, err := c.transit(ctx, deploymentID, func(cur State, st *db.DeploymentState) State {
		s, ok := cur.(*ErrorState)
		if !ok {
			return nil
		}
		st.LastError = ""
		return s.Reset()
	})
	if err != nil {
		return err
	}
	c.logger.Info("deployment reset", "deployment_id", deploymentID)
	return nil
}

// Reset is the offline form of Coordinator.Reset used by the operator CLI.
// It writes the new status straight to the record store.
func Reset(ctx context.Context, database *db.DB, store records.Store, deploymentID string, now time.Time) error {
	var st *db.DeploymentState
	err := database.WithTransaction(ctx, func(tx *db.Tx) error {
		var err error
		st, err = tx.GetDeploymentState(ctx, deploymentID)
		if err != nil {
			return err
		}
		s, ok := stateFromName(st.State).(*ErrorState)
		if !ok {
			return fmt.Errorf("%s is %s: %w", deploymentID, st.State, ErrNotInError)
		}
		st.State = s.Reset().Name()
		st.LastError = ""
		st.UpdatedAt = now
		return tx.PutDeploymentState(ctx, st)
	})
	if err != nil {
		return err
	}
	transitions.WithLabelValues(StateError, StatePending).Inc()

	return store.WriteProcessingState(ctx, records.StatusUpdate{
		UpdateID:     uuid.NewString(),
		DeploymentID: deploymentID,
		State:        st.State,
		Generation:   st.Generation,
		Timestamp:    now,
	})
}

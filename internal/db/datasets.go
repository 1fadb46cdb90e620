package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Dataset Operations
// =============================================================================

const datasetColumns = `deployment_id, generation, current_version, qc_generation, path,
	profile_count, aggregated_at, updated_at`

func scanDataset(row scanner) (*Dataset, error) {
	ds := &Dataset{}
	var aggregated, updated int64
	err := row.Scan(&ds.DeploymentID, &ds.Generation, &ds.CurrentVersion, &ds.QCGeneration,
		&ds.Path, &ds.ProfileCount, &aggregated, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ds.AggregatedAt = fromNanos(aggregated)
	ds.UpdatedAt = fromNanos(updated)
	return ds, nil
}

// GetDataset retrieves a deployment's dataset index row
func (db *DB) GetDataset(ctx context.Context, deploymentID string) (*Dataset, error) {
	return getDataset(ctx, db, deploymentID)
}

// GetDataset retrieves a deployment's dataset index row within a transaction
func (tx *Tx) GetDataset(ctx context.Context, deploymentID string) (*Dataset, error) {
	return getDataset(ctx, tx, deploymentID)
}

func getDataset(ctx context.Context, q querier, deploymentID string) (*Dataset, error) {
	row := q.QueryRowContext(ctx, `SELECT `+datasetColumns+` FROM datasets WHERE deployment_id = ?`, deploymentID)
	return scanDataset(row)
}

// CommitDataset writes ds only if the stored version still equals
// baseVersion. An empty baseVersion means the dataset must not exist yet.
// Returns ErrConflict when another writer committed first.
func (tx *Tx) CommitDataset(ctx context.Context, ds *Dataset, baseVersion string) error {
	if ds.UpdatedAt.IsZero() {
		ds.UpdatedAt = time.Now().UTC()
	}

	if baseVersion == "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO datasets (`+datasetColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, ds.DeploymentID, ds.Generation, ds.CurrentVersion, ds.QCGeneration, ds.Path,
			ds.ProfileCount, nanos(ds.AggregatedAt), nanos(ds.UpdatedAt))
		if IsDuplicate(err) {
			return ErrConflict
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE datasets
		SET generation = ?, current_version = ?, qc_generation = ?, path = ?,
		    profile_count = ?, aggregated_at = ?, updated_at = ?
		WHERE deployment_id = ? AND current_version = ?
	`, ds.Generation, ds.CurrentVersion, ds.QCGeneration, ds.Path, ds.ProfileCount,
		nanos(ds.AggregatedAt), nanos(ds.UpdatedAt), ds.DeploymentID, baseVersion)
	if err != nil {
		return err
	}
	if checkAffected(res) != nil {
		return ErrConflict
	}
	return nil
}

// ListDatasets returns all dataset index rows
func (db *DB) ListDatasets(ctx context.Context) ([]*Dataset, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+datasetColumns+` FROM datasets ORDER BY deployment_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Dataset
	for rows.Next() {
		ds, err := scanDataset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, rows.Err()
}

// =============================================================================
// Publish Signal Operations
// =============================================================================

// GetPublishSignal retrieves the ledger entry for (deployment, generation, target)
func (db *DB) GetPublishSignal(ctx context.Context, deploymentID string, generation int64, target string) (*PublishSignal, error) {
	s := &PublishSignal{}
	var emitted int64
	var confirmed sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT deployment_id, generation, target, flag_path, emitted_at, confirmed_at
		FROM publish_signals
		WHERE deployment_id = ? AND generation = ? AND target = ?
	`, deploymentID, generation, target).Scan(&s.DeploymentID, &s.Generation, &s.Target, &s.FlagPath, &emitted, &confirmed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.EmittedAt = fromNanos(emitted)
	if confirmed.Valid {
		t := fromNanos(confirmed.Int64)
		s.ConfirmedAt = &t
	}
	return s, nil
}

// InsertPublishSignal records an emitted signal. Returns ErrDuplicate if the
// (deployment, generation, target) was already recorded.
func (db *DB) InsertPublishSignal(ctx context.Context, s *PublishSignal) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO publish_signals (deployment_id, generation, target, flag_path, emitted_at)
		VALUES (?, ?, ?, ?, ?)
	`, s.DeploymentID, s.Generation, s.Target, s.FlagPath, nanos(s.EmittedAt))
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// MarkSignalConfirmed records that the serving system picked up a signal
func (db *DB) MarkSignalConfirmed(ctx context.Context, deploymentID string, generation int64, target string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE publish_signals SET confirmed_at = ?
		WHERE deployment_id = ? AND generation = ? AND target = ?
	`, nanos(at), deploymentID, generation, target)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// CountPublishSignals returns how many signals were recorded for a deployment
func (db *DB) CountPublishSignals(ctx context.Context, deploymentID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM publish_signals WHERE deployment_id = ?
	`, deploymentID).Scan(&n)
	return n, err
}

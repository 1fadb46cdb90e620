package db

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// Operator Operations
// =============================================================================

// CreateOperator inserts an operator
func (db *DB) CreateOperator(ctx context.Context, op *Operator) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO operators (name, excluded, created_at) VALUES (?, ?, ?)
	`, op.Name, op.Excluded, nanos(op.CreatedAt))
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetOperator retrieves an operator by name
func (db *DB) GetOperator(ctx context.Context, name string) (*Operator, error) {
	op := &Operator{}
	var created int64
	err := db.QueryRowContext(ctx, `
		SELECT name, excluded, created_at FROM operators WHERE name = ?
	`, name).Scan(&op.Name, &op.Excluded, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	op.CreatedAt = fromNanos(created)
	return op, nil
}

// SetOperatorExcluded toggles whether an operator's deployments are watched
func (db *DB) SetOperatorExcluded(ctx context.Context, name string, excluded bool) error {
	res, err := db.ExecContext(ctx, `UPDATE operators SET excluded = ? WHERE name = ?`, excluded, name)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// =============================================================================
// Deployment Operations
// =============================================================================

const deploymentColumns = `id, operator, active, delayed_mode, wmo_id, processing_state,
	processing_generation, processing_error, status_updated_at, created_at, updated_at`

func scanDeployment(row scanner) (*Deployment, error) {
	d := &Deployment{}
	var status sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&d.ID,
		&d.Operator,
		&d.Active,
		&d.DelayedMode,
		&d.WMOID,
		&d.ProcessingState,
		&d.ProcessingGeneration,
		&d.ProcessingError,
		&status,
		&created,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if status.Valid {
		t := fromNanos(status.Int64)
		d.StatusUpdatedAt = &t
	}
	d.CreatedAt = fromNanos(created)
	d.UpdatedAt = fromNanos(updated)
	return d, nil
}

// CreateDeployment inserts a deployment record
func (db *DB) CreateDeployment(ctx context.Context, d *Deployment) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := db.ExecContext(ctx, `
		INSERT INTO deployments (id, operator, active, delayed_mode, wmo_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Operator, d.Active, d.DelayedMode, d.WMOID, nanos(d.CreatedAt), nanos(d.UpdatedAt))
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	if IsForeignKey(err) {
		return ErrForeignKey
	}
	return err
}

// GetDeployment retrieves a deployment by ID
func (db *DB) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	row := db.QueryRowContext(ctx, `SELECT `+deploymentColumns+` FROM deployments WHERE id = ?`, id)
	return scanDeployment(row)
}

// ListDeployments returns all deployments ordered by ID
func (db *DB) ListDeployments(ctx context.Context) ([]*Deployment, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+deploymentColumns+` FROM deployments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// IsDeploymentWatched reports whether a deployment exists, is active, and its
// operator is not excluded
func (db *DB) IsDeploymentWatched(ctx context.Context, id string) (bool, error) {
	var watched bool
	err := db.QueryRowContext(ctx, `
		SELECT d.active = 1 AND o.excluded = 0
		FROM deployments d JOIN operators o ON o.name = d.operator
		WHERE d.id = ?
	`, id).Scan(&watched)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return watched, err
}

// SetDeploymentActive toggles a deployment's active flag
func (db *DB) SetDeploymentActive(ctx context.Context, id string, active bool) error {
	res, err := db.ExecContext(ctx, `
		UPDATE deployments SET active = ?, updated_at = ? WHERE id = ?
	`, active, nanos(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetWMOID updates a deployment's WMO identifier
func (db *DB) SetWMOID(ctx context.Context, id, wmoID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE deployments SET wmo_id = ?, updated_at = ? WHERE id = ?
	`, wmoID, nanos(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// UpdateProcessingStatus writes the pipeline-owned status columns. Updates
// older than the stored status are ignored so replayed writes never regress it.
func (db *DB) UpdateProcessingStatus(ctx context.Context, id, state string, generation int64, errText string, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE deployments
		SET processing_state = ?, processing_generation = ?, processing_error = ?, status_updated_at = ?
		WHERE id = ? AND (status_updated_at IS NULL OR status_updated_at <= ?)
	`, state, generation, errText, nanos(at), id, nanos(at))
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := db.GetDeployment(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDeployment removes a deployment record
func (db *DB) DeleteDeployment(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// =============================================================================
// Deployment State Operations
// =============================================================================

func scanDeploymentState(row scanner) (*DeploymentState, error) {
	st := &DeploymentState{}
	var lastFile sql.NullInt64
	var updated int64
	err := row.Scan(&st.DeploymentID, &st.State, &st.Generation, &lastFile, &st.LastError, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastFile.Valid {
		t := fromNanos(lastFile.Int64)
		st.LastFileTime = &t
	}
	st.UpdatedAt = fromNanos(updated)
	return st, nil
}

// GetDeploymentState retrieves pipeline state within a transaction
func (tx *Tx) GetDeploymentState(ctx context.Context, id string) (*DeploymentState, error) {
	return getDeploymentState(ctx, tx, id)
}

// GetDeploymentState retrieves pipeline state for a deployment
func (db *DB) GetDeploymentState(ctx context.Context, id string) (*DeploymentState, error) {
	return getDeploymentState(ctx, db, id)
}

func getDeploymentState(ctx context.Context, q querier, id string) (*DeploymentState, error) {
	row := q.QueryRowContext(ctx, `
		SELECT deployment_id, state, generation, last_file_time, last_error, updated_at
		FROM deployment_states WHERE deployment_id = ?
	`, id)
	return scanDeploymentState(row)
}

// PutDeploymentState inserts or replaces pipeline state within a transaction
func (tx *Tx) PutDeploymentState(ctx context.Context, st *DeploymentState) error {
	var lastFile any
	if st.LastFileTime != nil {
		lastFile = nanos(*st.LastFileTime)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO deployment_states (deployment_id, state, generation, last_file_time, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (deployment_id) DO UPDATE SET
			state = excluded.state,
			generation = excluded.generation,
			last_file_time = excluded.last_file_time,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, st.DeploymentID, st.State, st.Generation, lastFile, st.LastError, nanos(st.UpdatedAt))
	return err
}

// ListDeploymentStates returns every deployment's pipeline state
func (db *DB) ListDeploymentStates(ctx context.Context) ([]*DeploymentState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT deployment_id, state, generation, last_file_time, last_error, updated_at
		FROM deployment_states ORDER BY deployment_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeploymentState
	for rows.Next() {
		st, err := scanDeploymentState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteDeploymentState removes pipeline-owned rows for a retired deployment.
// Jobs and dead letters are kept for audit.
func (db *DB) DeleteDeploymentState(ctx context.Context, id string) error {
	statements := []string{
		`DELETE FROM diagnostics WHERE source_file_id IN (SELECT id FROM source_files WHERE deployment_id = ?)`,
		`DELETE FROM source_files WHERE deployment_id = ?`,
		`DELETE FROM datasets WHERE deployment_id = ?`,
		`DELETE FROM publish_signals WHERE deployment_id = ?`,
		`DELETE FROM deployment_states WHERE deployment_id = ?`,
	}
	return db.WithTransaction(ctx, func(tx *Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Source File and Diagnostic Operations
// =============================================================================

// RecordValidation stores a validated file revision and its diagnostics.
// Revisions are immutable: recording the same (path, hash, mtime) again keeps
// the first record and returns it.
func (db *DB) RecordValidation(ctx context.Context, sf *SourceFile, diags []Diagnostic) (*SourceFile, error) {
	var stored *SourceFile

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO source_files
				(id, deployment_id, path, content_hash, mod_time, size, profile_key, passed, validated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sf.ID, sf.DeploymentID, sf.Path, sf.ContentHash, nanos(sf.ModTime), sf.Size,
			sf.ProfileKey, sf.Passed, nanos(sf.ValidatedAt))
		if err != nil {
			return err
		}

		if checkAffected(res) != nil {
			row := tx.QueryRowContext(ctx, `
				SELECT `+sourceFileColumns+` FROM source_files
				WHERE path = ? AND content_hash = ? AND mod_time = ?
			`, sf.Path, sf.ContentHash, nanos(sf.ModTime))
			stored, err = scanSourceFile(row)
			return err
		}

		for i, d := range diags {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO diagnostics (source_file_id, seq, code, severity, field, message)
				VALUES (?, ?, ?, ?, ?, ?)
			`, sf.ID, i, d.Code, d.Severity, d.Field, d.Message)
			if err != nil {
				return err
			}
		}
		copied := *sf
		stored = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

const sourceFileColumns = `id, deployment_id, path, content_hash, mod_time, size, profile_key, passed, validated_at`

func scanSourceFile(row scanner) (*SourceFile, error) {
	sf := &SourceFile{}
	var mod, validated int64
	err := row.Scan(&sf.ID, &sf.DeploymentID, &sf.Path, &sf.ContentHash, &mod, &sf.Size,
		&sf.ProfileKey, &sf.Passed, &validated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sf.ModTime = fromNanos(mod)
	sf.ValidatedAt = fromNanos(validated)
	return sf, nil
}

// LatestValidation returns the most recently validated revision for a
// deployment together with its diagnostics
func (db *DB) LatestValidation(ctx context.Context, deploymentID string) (*SourceFile, []Diagnostic, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+sourceFileColumns+` FROM source_files
		WHERE deployment_id = ?
		ORDER BY validated_at DESC, rowid DESC
		LIMIT 1
	`, deploymentID)
	sf, err := scanSourceFile(row)
	if err != nil {
		return nil, nil, err
	}

	diags, err := db.ListDiagnostics(ctx, sf.ID)
	if err != nil {
		return nil, nil, err
	}
	return sf, diags, nil
}

// ListDiagnostics returns a revision's diagnostics in recorded order
func (db *DB) ListDiagnostics(ctx context.Context, sourceFileID string) ([]Diagnostic, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT seq, code, severity, field, message FROM diagnostics
		WHERE source_file_id = ? ORDER BY seq
	`, sourceFileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var diags []Diagnostic
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.Seq, &d.Code, &d.Severity, &d.Field, &d.Message); err != nil {
			return nil, err
		}
		diags = append(diags, d)
	}
	return diags, rows.Err()
}

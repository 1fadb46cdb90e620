package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Job Queue Operations
// =============================================================================

const jobColumns = `id, kind, deployment_id, dedup_key, payload, state, attempt,
	enqueued_at, available_at, lease_owner, lease_expires_at, last_error, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*Job, error) {
	job := &Job{}
	var enqueued, available, updated int64
	var expires sql.NullInt64

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.DeploymentID,
		&job.DedupKey,
		&job.Payload,
		&job.State,
		&job.Attempt,
		&enqueued,
		&available,
		&job.LeaseOwner,
		&expires,
		&job.LastError,
		&updated,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	job.EnqueuedAt = fromNanos(enqueued)
	job.AvailableAt = fromNanos(available)
	job.UpdatedAt = fromNanos(updated)
	if expires.Valid {
		t := fromNanos(expires.Int64)
		job.LeaseExpiresAt = &t
	}
	return job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// InsertJob inserts a queued job. If a live (queued or claimed) job with the
// same deployment, kind, and dedup key exists, nothing is inserted and the
// existing job is returned with inserted = false.
func (db *DB) InsertJob(ctx context.Context, job *Job) (*Job, bool, error) {
	var result *Job
	inserted := false

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO jobs (`+jobColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, '', NULL, '', ?)
		`,
			job.ID, job.Kind, job.DeploymentID, job.DedupKey, job.Payload, JobQueued, job.Attempt,
			nanos(job.EnqueuedAt), nanos(job.AvailableAt), nanos(job.EnqueuedAt))
		if err != nil {
			return err
		}

		if checkAffected(res) == nil {
			inserted = true
			result, err = getJob(ctx, tx, job.ID)
			return err
		}

		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE deployment_id = ? AND kind = ? AND dedup_key = ? AND state IN ('queued', 'claimed')
		`, job.DeploymentID, job.Kind, job.DedupKey)
		result, err = scanJob(row)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, inserted, nil
}

// GetJob retrieves a job by ID
func (db *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	return getJob(ctx, db, id)
}

func getJob(ctx context.Context, q querier, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ClaimJob claims the next available job of kind. A job is claimable only if
// it is the oldest queued job of its (deployment, kind), its backoff has
// elapsed, and no other job of that (deployment, kind) is claimed.
// Returns ErrNotFound when nothing is claimable.
func (db *DB) ClaimJob(ctx context.Context, kind, owner string, now time.Time, leaseTTL time.Duration) (*Job, error) {
	var claimed *Job

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs j
			WHERE j.kind = ?
			  AND j.state = 'queued'
			  AND j.available_at <= ?
			  AND NOT EXISTS (
				SELECT 1 FROM jobs c
				WHERE c.deployment_id = j.deployment_id AND c.kind = j.kind AND c.state = 'claimed'
			  )
			  AND NOT EXISTS (
				SELECT 1 FROM jobs e
				WHERE e.deployment_id = j.deployment_id AND e.kind = j.kind
				  AND e.state = 'queued' AND e.rowid < j.rowid
			  )
			ORDER BY j.available_at, j.rowid
			LIMIT 1
		`, kind, nanos(now))

		job, err := scanJob(row)
		if err != nil {
			return err
		}

		expires := now.Add(leaseTTL)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'claimed', lease_owner = ?, lease_expires_at = ?, updated_at = ?
			WHERE id = ? AND state = 'queued'
		`, owner, nanos(expires), nanos(now), job.ID)
		if err != nil {
			return err
		}
		if err := checkAffected(res); err != nil {
			return err
		}

		job.State = JobClaimed
		job.LeaseOwner = owner
		expires = expires.UTC()
		job.LeaseExpiresAt = &expires
		job.UpdatedAt = now.UTC()
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteJob marks a claimed job done. Returns ErrNotFound if the job is no
// longer claimed by owner.
func (db *DB) CompleteJob(ctx context.Context, id, owner string, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'done', lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND lease_owner = ?
	`, nanos(now), id, owner)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// RetryJob returns a claimed job to the queue with the next attempt number
func (db *DB) RetryJob(ctx context.Context, id, owner string, now, availableAt time.Time, lastErr string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'queued', attempt = attempt + 1, available_at = ?,
		    lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND lease_owner = ?
	`, nanos(availableAt), lastErr, nanos(now), id, owner)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DeadLetterJob moves a claimed job to the dead-letter list
func (db *DB) DeadLetterJob(ctx context.Context, id, owner, deadLetterID, reason string, now time.Time) (*DeadLetter, error) {
	var dl *DeadLetter

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'dead', lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
			WHERE id = ? AND state = 'claimed' AND lease_owner = ?
		`, reason, nanos(now), id, owner)
		if err != nil {
			return err
		}
		if err := checkAffected(res); err != nil {
			return err
		}

		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}

		dl = &DeadLetter{
			ID:           deadLetterID,
			JobID:        job.ID,
			Kind:         job.Kind,
			DeploymentID: job.DeploymentID,
			Attempts:     job.Attempt,
			Reason:       reason,
			CreatedAt:    now.UTC(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO dead_letters (id, job_id, kind, deployment_id, attempts, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, dl.ID, dl.JobID, dl.Kind, dl.DeploymentID, dl.Attempts, dl.Reason, nanos(now))
		return err
	})
	if err != nil {
		return nil, err
	}
	return dl, nil
}

// SupersedeJobs marks every queued or claimed job of a deployment superseded
func (db *DB) SupersedeJobs(ctx context.Context, deploymentID string, now time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET state = 'superseded', lease_owner = '', lease_expires_at = NULL, updated_at = ?
		WHERE deployment_id = ? AND state IN ('queued', 'claimed')
	`, nanos(now), deploymentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpiredClaims returns claimed jobs whose lease expired before now
func (db *DB) ListExpiredClaims(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'claimed' AND lease_expires_at < ?
		ORDER BY lease_expires_at
	`, nanos(now))
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// ListLiveJobs returns queued and claimed jobs for a deployment in enqueue order
func (db *DB) ListLiveJobs(ctx context.Context, deploymentID string) ([]*Job, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE deployment_id = ? AND state IN ('queued', 'claimed')
		ORDER BY rowid
	`, deploymentID)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

// JobCount is the number of jobs in one (kind, state) bucket
type JobCount struct {
	Kind  string
	State string
	Count int
}

// CountJobs groups jobs by kind and state
func (db *DB) CountJobs(ctx context.Context) ([]JobCount, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT kind, state, COUNT(*) FROM jobs GROUP BY kind, state ORDER BY kind, state
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []JobCount
	for rows.Next() {
		var c JobCount
		if err := rows.Scan(&c.Kind, &c.State, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// =============================================================================
// Dead Letter Operations
// =============================================================================

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var created int64
	var requeued sql.NullInt64
	err := row.Scan(&dl.ID, &dl.JobID, &dl.Kind, &dl.DeploymentID, &dl.Attempts, &dl.Reason, &created, &requeued)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	dl.CreatedAt = fromNanos(created)
	if requeued.Valid {
		t := fromNanos(requeued.Int64)
		dl.RequeuedAt = &t
	}
	return dl, nil
}

// ListDeadLetters returns dead letters that have not been requeued, oldest first
func (db *DB) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, job_id, kind, deployment_id, attempts, reason, created_at, requeued_at
		FROM dead_letters
		WHERE requeued_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// RequeueDeadLetter puts a dead job back on the queue with a fresh attempt budget
func (db *DB) RequeueDeadLetter(ctx context.Context, id string, now time.Time) (*Job, error) {
	var job *Job

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, job_id, kind, deployment_id, attempts, reason, created_at, requeued_at
			FROM dead_letters WHERE id = ?
		`, id)
		dl, err := scanDeadLetter(row)
		if err != nil {
			return err
		}
		if dl.RequeuedAt != nil {
			return fmt.Errorf("dead letter %s already requeued: %w", id, ErrDuplicate)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE dead_letters SET requeued_at = ? WHERE id = ?`, nanos(now), id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET state = 'queued', attempt = 1, available_at = ?, last_error = '', updated_at = ?
			WHERE id = ? AND state = 'dead'
		`, nanos(now), nanos(now), dl.JobID)
		if err != nil {
			return err
		}
		if err := checkAffected(res); err != nil {
			return err
		}

		job, err = getJob(ctx, tx, dl.JobID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ExtendLease pushes out the lease of a job still claimed by owner
func (db *DB) ExtendLease(ctx context.Context, id, owner string, now time.Time, leaseTTL time.Duration) error {
	res, err := db.ExecContext(ctx, `
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND state = 'claimed' AND lease_owner = ?
	`, nanos(now.Add(leaseTTL)), nanos(now), id, owner)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

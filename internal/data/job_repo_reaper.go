package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data/pgxutil"
)

// Advisory lock namespace for reaper operations.
// Using two-arg pg_try_advisory_xact_lock(major, minor) for proper namespacing.
// Major key 1000 is reserved for courier reaper operations.
const (
	advisoryLockReaperMajor   = 1000
	advisoryLockReaperRecover = 1 // minor key for RecoverStalledJobs
	advisoryLockReaperDelete  = 2 // minor key for DeleteOldJobs
	advisoryLockReaperTrim    = 3 // minor key for TrimJobs
)

// RecoverStalledJobs handles active jobs whose lease has expired, across all
// queues. A first stall returns the job to waiting with its stall count
// incremented; a second stall dead-letters it.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs transitioned.
func (r *JobRepo) RecoverStalledJobs(ctx context.Context, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperRecover).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()

			res, err := tx.ExecContext(ctx, `
				UPDATE jobs
				SET state = CASE WHEN stall_count >= 1 THEN 'dead' ELSE 'waiting' END,
					stall_count = stall_count + 1,
					last_error = CASE WHEN stall_count >= 1 THEN 'worker lease expired twice' ELSE last_error END,
					completed_at = CASE WHEN stall_count >= 1 THEN $1::timestamptz ELSE NULL END,
					lease_expires_at = NULL,
					updated_at = $1
				WHERE id IN (
					SELECT id FROM jobs
					WHERE state = 'active'
					  AND lease_expires_at IS NOT NULL
					  AND lease_expires_at < $1
					ORDER BY lease_expires_at
					LIMIT $2
				)
			`, currentTime, batchSize)
			if err != nil {
				return fmt.Errorf("recover stalled jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// DeleteOldJobs deletes jobs in the given terminal state older than maxAge.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
// Uses advisory locks to prevent concurrent reaper instances from conflicting.
// Returns the number of jobs deleted.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.State.Terminal() {
		return 0, fmt.Errorf("job state is not terminal: %s", params.State)
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}
	if params.MaxAge <= 0 {
		return 0, errors.New("max age must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperDelete).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			cutoffTime := currentTime.Add(-params.MaxAge)

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM jobs
					WHERE state = $1
					  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
					ORDER BY COALESCE(completed_at, updated_at)
					LIMIT $3
				)
			`, params.State, cutoffTime.UTC(), params.BatchSize)
			if err != nil {
				return fmt.Errorf("delete old jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// TrimJobs deletes the oldest jobs in the given terminal state beyond
// MaxRows per queue, keeping per-queue history bounded even under sustained
// throughput where the age cutoff alone would let tables grow.
// Returns the number of jobs deleted.
func (r *JobRepo) TrimJobs(ctx context.Context, params core.TrimJobsParams) (int64, error) {
	if !params.State.Terminal() {
		return 0, fmt.Errorf("job state is not terminal: %s", params.State)
	}
	if params.MaxRows <= 0 {
		return 0, nil
	}
	if params.BatchSize <= 0 {
		return 0, errors.New("batch size must be greater than zero")
	}

	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1, $2)", advisoryLockReaperMajor, advisoryLockReaperTrim).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			res, err := tx.ExecContext(ctx, `
				DELETE FROM jobs
				WHERE id IN (
					SELECT id FROM (
						SELECT id, row_number() OVER (
							PARTITION BY queue
							ORDER BY COALESCE(completed_at, updated_at) DESC
						) AS rn
						FROM jobs
						WHERE state = $1
					) ranked
					WHERE ranked.rn > $2
					LIMIT $3
				)
			`, params.State, params.MaxRows, params.BatchSize)
			if err != nil {
				return fmt.Errorf("trim jobs: %w", err)
			}

			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

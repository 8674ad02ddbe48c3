package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/prospectly/courier/internal/core"
	"github.com/prospectly/courier/internal/data/pgxutil"
	"github.com/prospectly/courier/internal/domain/model"
)

// insertJobParams groups parameters for inserting a job within a transaction.
type insertJobParams struct {
	Req         *model.EnqueueRequest
	MaxAttempts int
}

const defaultMaxAttempts = 5

// SQL used by ReserveNext to atomically claim the next eligible job.
// Priority is served ascending (high before normal before low); within a
// priority level the queue is FIFO on scheduled_at then created_at. The
// active-count check enforces the per-queue concurrency cap; claimers
// serialize on an advisory lock so the count cannot be over-read.
// Claiming increments attempts: the counter tracks execution starts, so a
// job that succeeds on its third claim reports attempts=3.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE queue = $1 AND state IN ('waiting', 'retrying') AND scheduled_at <= $2
      AND ($6::int <= 0 OR (SELECT count(*) FROM jobs WHERE queue = $1 AND state = 'active') < $6::int)
    ORDER BY priority ASC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    state = 'active',
    attempts = j.attempts + 1,
    started_at = COALESCE(j.started_at, $3),
    lease_expires_at = $4,
    updated_at = $5
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.queue, j.state, j.priority, j.payload, j.scheduled_at, j.started_at, j.completed_at, j.attempts, j.max_attempts, j.stall_count, j.last_error, j.lease_expires_at, j.created_at, j.updated_at`

// Enqueue creates a new job in the database from the given request.
func (r *JobRepo) Enqueue(
	ctx context.Context,
	req *model.EnqueueRequest,
) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}

	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	p := &insertJobParams{
		Req:         req,
		MaxAttempts: resolveMaxAttempts(req),
	}

	var job *model.Job
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			job, insertErr = r.insertJobInTx(ctx, tx, p)
			return insertErr
		},
	}); txErr != nil {
		return nil, txErr
	}

	return job, nil
}

// EnqueueInTx inserts a job within an existing SQL transaction.
func (r *JobRepo) EnqueueInTx(
	ctx context.Context,
	sqlTx *sql.Tx,
	req *model.EnqueueRequest,
) (*model.Job, error) {
	if sqlTx == nil {
		return nil, errors.New("transaction is required")
	}
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	params := &insertJobParams{
		Req:         req,
		MaxAttempts: resolveMaxAttempts(req),
	}

	query, args := r.buildInsertQuery(params)
	row := sqlTx.QueryRowContext(ctx, query, args...)

	job, scanErr := scanJobFromRow(row)
	if scanErr != nil {
		return nil, fmt.Errorf("collect job: %w", scanErr)
	}

	channel := "job_added_" + string(req.Queue)
	if _, notifyErr := sqlTx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); notifyErr != nil {
		return nil, fmt.Errorf("send job notification: %w", notifyErr)
	}

	return job, nil
}

func resolveMaxAttempts(req *model.EnqueueRequest) int {
	if req.MaxAttempts > 0 {
		return req.MaxAttempts
	}
	return defaultMaxAttempts
}

// insertJobInTx inserts a job within a pgx.Tx and returns the created job.
func (r *JobRepo) insertJobInTx(ctx context.Context, tx pgx.Tx, params *insertJobParams) (*model.Job, error) {
	if params == nil || params.Req == nil {
		return nil, errors.New("insert job params are required")
	}

	query, args := r.buildInsertQuery(params)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	channel := "job_added_" + string(params.Req.Queue)
	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); execErr != nil {
		return nil, fmt.Errorf("send job notification: %w", execErr)
	}

	return job, nil
}

// buildInsertQuery builds an INSERT statement for a job based on the provided parameters.
func (r *JobRepo) buildInsertQuery(p *insertJobParams) (string, []any) {
	if p == nil || p.Req == nil {
		return "", nil
	}

	query := `
      INSERT INTO jobs(queue, state, priority, payload, scheduled_at, max_attempts)
      VALUES ($1,'waiting',$2,$3,$4,$5)
      RETURNING ` + jobColumns

	scheduledAt := r.timeProvider.Now().Add(p.Req.Delay()).UTC()

	args := []any{
		p.Req.Queue,
		int(p.Req.Priority),
		[]byte(p.Req.Payload),
		scheduledAt,
		p.MaxAttempts,
	}
	return query, args
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload                                []byte
	lastError                              sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, job *model.Job) error {
	return scanner.Scan(
		&job.ID,
		&job.Queue,
		&job.State,
		&job.Priority,
		&d.payload,
		&job.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&job.Attempts,
		&job.MaxAttempts,
		&job.StallCount,
		&d.lastError,
		&d.leaseExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) {
	job.Payload = cloneJSON(d.payload)
	job.LastError = cloneNullableString(d.lastError)
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	job := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, job); err != nil {
		return nil, err
	}

	data.apply(job)
	return job, nil
}

func cloneJSON(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// Advisory lock namespaces. Stall recovery and claim serialization use
// distinct majors so they never contend with each other.
const (
	advisoryLockRecoverMajor int64 = 1001
	advisoryLockReserveMajor int64 = 1002
)

func advisoryLockQueueMinor(queue model.Queue) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(queue))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// recoverStalled returns expired-lease jobs of the given queue to the waiting
// state, or dead-letters them on a second stall. Returns the number of jobs touched.
func (r *JobRepo) recoverStalled(ctx context.Context, queue model.Queue) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockQueueMinor(queue)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRecoverMajor, minorKey).Scan(&locked); err != nil {
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
              completed_at = CASE WHEN stall_count >= 1 THEN $2::timestamptz ELSE NULL END,
              lease_expires_at = NULL,
              updated_at = $2
          WHERE queue = $1 AND state = 'active'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
        `, queue, currentTime)
			if err != nil {
				return fmt.Errorf("recover stalled: %w", err)
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

// ReserveNext claims the next eligible job in the queue for processing.
func (r *JobRepo) ReserveNext(
	ctx context.Context,
	params core.ReserveParams,
) (*model.Job, error) {
	if !params.Queue.Valid() {
		return nil, fmt.Errorf("invalid queue: %s", params.Queue)
	}

	if _, err := r.recoverStalled(ctx, params.Queue); err != nil {
		return nil, fmt.Errorf("recover stalled jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			if params.MaxActive > 0 {
				var locked bool
				minorKey := advisoryLockQueueMinor(params.Queue)
				if lockErr := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockReserveMajor, minorKey).Scan(&locked); lockErr != nil {
					return fmt.Errorf("acquire advisory lock: %w", lockErr)
				}
				if !locked {
					return model.ErrNoJobsAvailable
				}
			}

			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextUpdateSQL,
				params.Queue,
				currentTime.UTC(),
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
				currentTime.UTC(),
				params.MaxActive,
			)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on an active job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND state = 'active'
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	return true, nil
}

// Complete marks a job as completed successfully.
func (r *JobRepo) Complete(ctx context.Context, id string) (bool, error) {
	currentTime := r.timeProvider.Now().UTC()

	query := `
		UPDATE jobs
		SET state = 'completed',
		    completed_at = $2,
		    updated_at = $3,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND state = 'active'
	`

	res, err := r.DB.ExecContext(ctx, query, id, currentTime, currentTime)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Fail records a failed attempt and commits the retry decision in the same
// update. A permanent failure or an exhausted attempt budget dead-letters the
// job; otherwise it moves to retrying with the caller's backoff delay.
// Attempts was already incremented when the job was claimed, so the budget
// check compares the counter directly against max_attempts.
func (r *JobRepo) Fail(ctx context.Context, params core.FailParams) (model.JobState, error) {
	currentTime := r.timeProvider.Now()
	retryScheduledAt := currentTime.Add(params.RetryDelay)

	query := `
      UPDATE jobs
      SET
        last_error = $2,
        state = CASE WHEN $3::boolean OR attempts >= max_attempts THEN 'dead' ELSE 'retrying' END,
        completed_at = CASE WHEN $3::boolean OR attempts >= max_attempts THEN $4::timestamptz ELSE NULL END,
        lease_expires_at = NULL,
        scheduled_at = CASE WHEN $3::boolean OR attempts >= max_attempts THEN scheduled_at
                            ELSE $5::timestamptz END,
        updated_at = $6
      WHERE id = $1 AND state = 'active'
      RETURNING state
    `

	var state model.JobState
	if err := r.DB.QueryRowContext(ctx, query, params.ID, params.ErrMsg, params.Permanent, currentTime.UTC(), retryScheduledAt.UTC(), currentTime.UTC()).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrJobNotFound
		}
		return "", fmt.Errorf("fail job: %w", err)
	}

	return state, nil
}

// Stats returns counts of the queue's jobs in each lifecycle state.
func (r *JobRepo) Stats(ctx context.Context, queue model.Queue) (*model.QueueStats, error) {
	var s model.QueueStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE state = 'waiting')   AS waiting,
    count(*) FILTER (WHERE state = 'active')    AS active,
    count(*) FILTER (WHERE state = 'retrying')  AS retrying,
    count(*) FILTER (WHERE state = 'completed') AS completed,
    count(*) FILTER (WHERE state = 'dead')      AS dead
  FROM jobs
  WHERE queue = $1
  `, queue).Scan(
		&s.Waiting,
		&s.Active,
		&s.Retrying,
		&s.Completed,
		&s.Dead,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return &s, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context, queue model.Queue) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + string(queue)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGQueue is a PostgreSQL-backed Queue.
//
// Leasing uses FOR UPDATE SKIP LOCKED so concurrent workers never contend on
// the same rows, and the composite (status, available_at, priority) index
// keeps selection cheap. The unique index on the idempotency key makes
// Enqueue safe to repeat across broker crashes.
type PGQueue struct {
	pool *pgxpool.Pool
}

const pgQueueSchema = `
CREATE TABLE IF NOT EXISTS noetl_queue (
	queue_id       BIGSERIAL PRIMARY KEY,
	execution_id   TEXT NOT NULL,
	node_id        TEXT NOT NULL,
	slot           TEXT NOT NULL DEFAULT '',
	action         BYTEA,
	context        BYTEA,
	status         TEXT NOT NULL DEFAULT 'queued',
	attempt        INT NOT NULL DEFAULT 1,
	max_attempts   INT NOT NULL DEFAULT 0,
	deliveries     INT NOT NULL DEFAULT 0,
	available_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	lease_deadline TIMESTAMPTZ,
	priority       INT NOT NULL DEFAULT 0,
	worker_id      TEXT NOT NULL DEFAULT '',
	cancel_flag    BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_noetl_queue_dedupe
	ON noetl_queue (execution_id, node_id, slot, attempt);
CREATE INDEX IF NOT EXISTS idx_noetl_queue_lease
	ON noetl_queue (status, available_at, priority);
CREATE INDEX IF NOT EXISTS idx_noetl_queue_execution
	ON noetl_queue (execution_id, status);
`

// NewPGQueue creates a PostgreSQL queue on the given pool and ensures the
// schema exists.
func NewPGQueue(ctx context.Context, pool *pgxpool.Pool) (*PGQueue, error) {
	if _, err := pool.Exec(ctx, pgQueueSchema); err != nil {
		return nil, fmt.Errorf("create queue schema: %w", err)
	}
	return &PGQueue{pool: pool}, nil
}

// Enqueue implements Queue.
func (q *PGQueue) Enqueue(ctx context.Context, job Job) (int64, error) {
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now().UTC()
	}

	var id int64
	err := q.pool.QueryRow(ctx, `
		INSERT INTO noetl_queue
			(execution_id, node_id, slot, action, context, attempt, max_attempts, available_at, priority)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING queue_id`,
		job.ExecutionID, job.NodeID, job.Slot, job.Action, job.Context,
		job.Attempt, job.MaxAttempts, availableAt, job.Priority).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateJob
		}
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Lease implements Queue.
func (q *PGQueue) Lease(ctx context.Context, workerID string, maxN int, visibility time.Duration) ([]Job, error) {
	if maxN <= 0 {
		return nil, nil
	}

	rows, err := q.pool.Query(ctx, `
		WITH sel AS (
			SELECT queue_id FROM noetl_queue
			WHERE status = 'queued' AND available_at <= now()
			ORDER BY priority DESC, available_at, queue_id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE noetl_queue q
		SET status = 'leased',
		    worker_id = $1,
		    lease_deadline = now() + $3,
		    deliveries = deliveries + 1
		FROM sel
		WHERE q.queue_id = sel.queue_id
		RETURNING q.queue_id, q.execution_id, q.node_id, q.slot, q.action, q.context,
		          q.attempt, q.max_attempts, q.deliveries, q.available_at,
		          q.lease_deadline, q.priority`,
		workerID, maxN, visibility)
	if err != nil {
		return nil, fmt.Errorf("lease: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j := Job{Status: StatusLeased, WorkerID: workerID}
		if err := rows.Scan(&j.QueueID, &j.ExecutionID, &j.NodeID, &j.Slot, &j.Action, &j.Context,
			&j.Attempt, &j.MaxAttempts, &j.Deliveries, &j.AvailableAt,
			&j.LeaseDeadline, &j.Priority); err != nil {
			return nil, fmt.Errorf("scan leased job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Heartbeat implements Queue.
func (q *PGQueue) Heartbeat(ctx context.Context, queueID int64, workerID string, visibility time.Duration) (Signal, error) {
	var cancel bool
	err := q.pool.QueryRow(ctx, `
		UPDATE noetl_queue
		SET lease_deadline = now() + $3
		WHERE queue_id = $1 AND worker_id = $2 AND status = 'leased'
		RETURNING cancel_flag`,
		queueID, workerID, visibility).Scan(&cancel)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SignalLost, nil
		}
		return SignalLost, fmt.Errorf("heartbeat: %w", err)
	}
	if cancel {
		return SignalCancel, nil
	}
	return SignalOK, nil
}

// Complete implements Queue.
func (q *PGQueue) Complete(ctx context.Context, queueID int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE noetl_queue
		SET status = 'completed', worker_id = ''
		WHERE queue_id = $1`,
		queueID)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail implements Queue.
func (q *PGQueue) Fail(ctx context.Context, queueID int64, retry bool, delay time.Duration) error {
	var tag pgconn.CommandTag
	var err error
	if retry {
		tag, err = q.pool.Exec(ctx, `
			UPDATE noetl_queue
			SET status = CASE WHEN max_attempts = 0 OR attempt < max_attempts THEN 'queued' ELSE 'dead' END,
			    attempt = CASE WHEN max_attempts = 0 OR attempt < max_attempts THEN attempt + 1 ELSE attempt END,
			    available_at = now() + $2,
			    worker_id = ''
			WHERE queue_id = $1`,
			queueID, delay)
	} else {
		tag, err = q.pool.Exec(ctx, `
			UPDATE noetl_queue
			SET status = 'dead', worker_id = ''
			WHERE queue_id = $1`,
			queueID)
	}
	if err != nil {
		return fmt.Errorf("fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reap implements Queue.
func (q *PGQueue) Reap(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE noetl_queue
		SET status = 'queued', worker_id = '', lease_deadline = NULL
		WHERE status = 'leased' AND lease_deadline < now()`)
	if err != nil {
		return 0, fmt.Errorf("reap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelExecution implements Queue.
func (q *PGQueue) CancelExecution(ctx context.Context, executionID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE noetl_queue
		SET status = CASE WHEN status = 'queued' THEN 'dead' ELSE status END,
		    cancel_flag = TRUE
		WHERE execution_id = $1 AND status IN ('queued', 'leased')`,
		executionID)
	if err != nil {
		return fmt.Errorf("cancel execution: %w", err)
	}
	return nil
}

// CancelNode implements Queue.
func (q *PGQueue) CancelNode(ctx context.Context, executionID, nodeID string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE noetl_queue
		SET status = 'dead', worker_id = ''
		WHERE execution_id = $1 AND node_id = $2 AND status = 'queued'`,
		executionID, nodeID)
	if err != nil {
		return 0, fmt.Errorf("cancel node: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeadLetters implements Queue.
func (q *PGQueue) DeadLetters(ctx context.Context, executionID string) ([]Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT queue_id, execution_id, node_id, slot, action, context,
		       attempt, max_attempts, deliveries, available_at, priority
		FROM noetl_queue
		WHERE execution_id = $1 AND status = 'dead'
		ORDER BY queue_id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("dead letters: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j := Job{Status: StatusDead}
		if err := rows.Scan(&j.QueueID, &j.ExecutionID, &j.NodeID, &j.Slot, &j.Action, &j.Context,
			&j.Attempt, &j.MaxAttempts, &j.Deliveries, &j.AvailableAt, &j.Priority); err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// Requeue implements Queue.
func (q *PGQueue) Requeue(ctx context.Context, queueID int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE noetl_queue
		SET status = 'queued', worker_id = '', available_at = now(), cancel_flag = FALSE
		WHERE queue_id = $1 AND status = 'dead'`,
		queueID)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

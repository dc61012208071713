package eventlog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGLog is a PostgreSQL-backed Log.
//
// Appends run inside a transaction holding a per-execution advisory lock, so
// event IDs are assigned under serialization without a table-wide lock. The
// partial index on terminal event types keeps the closure check cheap.
type PGLog struct {
	pool *pgxpool.Pool
}

const pgEventsSchema = `
CREATE TABLE IF NOT EXISTS noetl_events (
	execution_id TEXT NOT NULL,
	event_id     BIGINT NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	parent_id    BIGINT NOT NULL DEFAULT 0,
	event_type   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	payload      JSONB,
	error        JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (execution_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_noetl_events_terminal
	ON noetl_events (execution_id)
	WHERE event_type IN ('playbook_completed', 'playbook_failed');
CREATE INDEX IF NOT EXISTS idx_noetl_events_type
	ON noetl_events (execution_id, event_type);
`

// NewPGLog creates a PostgreSQL event log on the given pool and ensures the
// schema exists.
func NewPGLog(ctx context.Context, pool *pgxpool.Pool) (*PGLog, error) {
	if _, err := pool.Exec(ctx, pgEventsSchema); err != nil {
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &PGLog{pool: pool}, nil
}

// Append implements Log.
func (l *PGLog) Append(ctx context.Context, ev Event) (int64, error) {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Serialize appends for this execution only.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ev.ExecutionID); err != nil {
		return 0, fmt.Errorf("acquire append lock: %w", err)
	}

	var closed bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM noetl_events
			WHERE execution_id = $1
			  AND event_type IN ('playbook_completed', 'playbook_failed')
		)`, ev.ExecutionID).Scan(&closed)
	if err != nil {
		return 0, fmt.Errorf("check terminal: %w", err)
	}
	if closed {
		return 0, ErrTerminalRecorded
	}

	var nextID int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(event_id), 0) + 1 FROM noetl_events WHERE execution_id = $1`,
		ev.ExecutionID).Scan(&nextID)
	if err != nil {
		return 0, fmt.Errorf("assign event id: %w", err)
	}

	payload, errInfo, err := marshalEvent(ev)
	if err != nil {
		return 0, err
	}

	if ev.Timestamp.IsZero() {
		_, err = tx.Exec(ctx, `
			INSERT INTO noetl_events
				(execution_id, event_id, node_id, parent_id, event_type, status, payload, error)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ExecutionID, nextID, ev.NodeID, ev.ParentID, string(ev.Type), ev.Status, payload, errInfo)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO noetl_events
				(execution_id, event_id, node_id, parent_id, event_type, status, payload, error, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			ev.ExecutionID, nextID, ev.NodeID, ev.ParentID, string(ev.Type), ev.Status, payload, errInfo, ev.Timestamp)
	}
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return nextID, nil
}

// Range implements Log.
func (l *PGLog) Range(ctx context.Context, executionID string, fromID int64) ([]Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT event_id, node_id, parent_id, event_type, status, payload, error, created_at
		FROM noetl_events
		WHERE execution_id = $1 AND event_id > $2
		ORDER BY event_id`,
		executionID, fromID)
	if err != nil {
		return nil, fmt.Errorf("range events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev := Event{ExecutionID: executionID}
		var typ string
		var payload, errInfo []byte
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.ParentID, &typ, &ev.Status, &payload, &errInfo, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = Type(typ)
		if err := unmarshalEvent(&ev, payload, errInfo); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 && fromID == 0 {
		exists, err := l.exists(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return out, nil
}

// Head implements Log.
func (l *PGLog) Head(ctx context.Context, executionID string) (int64, error) {
	// The aggregate always yields one row; an unknown execution yields NULL,
	// which COALESCE folds to zero.
	var head int64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(event_id), 0) FROM noetl_events WHERE execution_id = $1`,
		executionID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("head: %w", err)
	}
	if head == 0 {
		return 0, ErrNotFound
	}
	return head, nil
}

func (l *PGLog) exists(ctx context.Context, executionID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM noetl_events WHERE execution_id = $1)`,
		executionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return exists, nil
}

func marshalEvent(ev Event) (payload, errInfo []byte, err error) {
	if ev.Payload != nil {
		payload, err = json.Marshal(ev.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal payload: %w", err)
		}
	}
	if ev.Error != nil {
		errInfo, err = json.Marshal(ev.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal error info: %w", err)
		}
	}
	return payload, errInfo, nil
}

func unmarshalEvent(ev *Event, payload, errInfo []byte) error {
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if len(errInfo) > 0 {
		ev.Error = &ErrorInfo{}
		if err := json.Unmarshal(errInfo, ev.Error); err != nil {
			return fmt.Errorf("unmarshal error info: %w", err)
		}
	}
	return nil
}

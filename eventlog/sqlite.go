package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog is an embedded Log for local development and single-host
// deployments. It uses the pure-Go modernc driver, so no cgo is required.
//
// SQLite serializes writers at the database level; the additional mutex
// keeps the read-assign-insert sequence atomic within this process.
type SQLiteLog struct {
	db *sql.DB
	mu sync.Mutex
}

const sqliteEventsSchema = `
CREATE TABLE IF NOT EXISTS noetl_events (
	execution_id TEXT NOT NULL,
	event_id     INTEGER NOT NULL,
	node_id      TEXT NOT NULL DEFAULT '',
	parent_id    INTEGER NOT NULL DEFAULT 0,
	event_type   TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT '',
	payload      TEXT,
	error        TEXT,
	created_at   TIMESTAMP NOT NULL,
	PRIMARY KEY (execution_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_noetl_events_type
	ON noetl_events (execution_id, event_type);
`

// NewSQLiteLog opens (or creates) an event log at the given path. Use
// ":memory:" for an ephemeral log.
func NewSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection avoids SQLITE_BUSY on concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteEventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create events schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// Append implements Log.
func (l *SQLiteLog) Append(ctx context.Context, ev Event) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	var closed bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM noetl_events
			WHERE execution_id = ?
			  AND event_type IN ('playbook_completed', 'playbook_failed')
		)`, ev.ExecutionID).Scan(&closed)
	if err != nil {
		return 0, fmt.Errorf("check terminal: %w", err)
	}
	if closed {
		return 0, ErrTerminalRecorded
	}

	var nextID int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(event_id), 0) + 1 FROM noetl_events WHERE execution_id = ?`,
		ev.ExecutionID).Scan(&nextID)
	if err != nil {
		return 0, fmt.Errorf("assign event id: %w", err)
	}

	payload, errInfo, err := marshalEvent(ev)
	if err != nil {
		return 0, err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO noetl_events
			(execution_id, event_id, node_id, parent_id, event_type, status, payload, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ExecutionID, nextID, ev.NodeID, ev.ParentID, string(ev.Type), ev.Status,
		nullableText(payload), nullableText(errInfo), ts)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return nextID, nil
}

// Range implements Log.
func (l *SQLiteLog) Range(ctx context.Context, executionID string, fromID int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, node_id, parent_id, event_type, status, payload, error, created_at
		FROM noetl_events
		WHERE execution_id = ? AND event_id > ?
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
		var payload, errInfo sql.NullString
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.ParentID, &typ, &ev.Status, &payload, &errInfo, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = Type(typ)
		if err := unmarshalEvent(&ev, []byte(payload.String), []byte(errInfo.String)); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 && fromID == 0 {
		var exists bool
		err := l.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM noetl_events WHERE execution_id = ?)`,
			executionID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("exists: %w", err)
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return out, nil
}

// Head implements Log.
func (l *SQLiteLog) Head(ctx context.Context, executionID string) (int64, error) {
	var head sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT MAX(event_id) FROM noetl_events WHERE execution_id = ?`,
		executionID).Scan(&head)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("head: %w", err)
	}
	if !head.Valid || head.Int64 == 0 {
		return 0, ErrNotFound
	}
	return head.Int64, nil
}

func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

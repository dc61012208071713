package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noetl/noetl-go/eventlog"
)

// PGSink persists step results into a PostgreSQL table as the storage side
// of sink-kind actions.
//
// Recognized args: table (default noetl_sink), payload (any; the sink
// evaluator binds the step result here). Rows carry the execution and node
// for later correlation.
type PGSink struct {
	pool  *pgxpool.Pool
	ready map[string]bool
}

const pgSinkSchemaTmpl = `
CREATE TABLE IF NOT EXISTS %s (
	id           BIGSERIAL PRIMARY KEY,
	execution_id TEXT NOT NULL,
	node_id      TEXT NOT NULL,
	payload      JSONB,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// NewPGSink creates the sink executor on the given pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool, ready: make(map[string]bool)}
}

// Execute implements Executor.
func (s *PGSink) Execute(ctx context.Context, in Input) Envelope {
	started := time.Now()

	table, _ := in.Args["table"].(string)
	if table == "" {
		table = "noetl_sink"
	}
	if !validTableName(table) {
		return Fail(eventlog.KindValidation, fmt.Sprintf("invalid sink table name %q", table), 0)
	}

	if !s.ready[table] {
		if _, err := s.pool.Exec(ctx, fmt.Sprintf(pgSinkSchemaTmpl, table)); err != nil {
			return Fail(eventlog.KindDependency, fmt.Sprintf("create sink table: %v", err), 0)
		}
		s.ready[table] = true
	}

	payload, err := json.Marshal(in.Args["payload"])
	if err != nil {
		return Fail(eventlog.KindValidation, fmt.Sprintf("marshal sink payload: %v", err), 0)
	}

	_, err = s.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (execution_id, node_id, payload) VALUES ($1, $2, $3)`, table),
		in.ExecutionID, in.NodeID, payload)
	if err != nil {
		if ctx.Err() != nil {
			return Fail(eventlog.KindCancelled, "sink write cancelled", 0)
		}
		return Fail(eventlog.KindDependency, fmt.Sprintf("sink write failed: %v", err), 0)
	}

	return Success(map[string]any{"table": table, "written": 1},
		&Meta{ElapsedMS: time.Since(started).Milliseconds()})
}

// validTableName guards the identifier interpolated into sink DDL/DML.
func validTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9' && i > 0)
		if !ok {
			return false
		}
	}
	return true
}

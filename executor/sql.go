package executor

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/noetl/noetl-go/eventlog"
)

// SQL executes sql-kind actions against PostgreSQL, MySQL, or SQLite.
//
// Recognized args: driver (postgres|mysql|sqlite), dsn, query, params
// (list). Credentials may supply dsn via Auth under the alias's "dsn"
// field, which takes precedence over the arg so connection strings stay out
// of playbooks.
//
// Queries beginning with SELECT (or WITH) return rows as a list of column
// maps under data.rows; other statements return data.rows_affected.
// Connections are pooled per DSN for the life of the executor.
type SQL struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewSQL creates the executor with an empty connection pool set.
func NewSQL() *SQL {
	return &SQL{pools: make(map[string]*sql.DB)}
}

// Close releases all pooled connections.
func (s *SQL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, db := range s.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.pools = make(map[string]*sql.DB)
	return firstErr
}

func driverName(driver string) (string, error) {
	switch driver {
	case "postgres", "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite":
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

func (s *SQL) pool(driver, dsn string) (*sql.DB, error) {
	name, err := driverName(driver)
	if err != nil {
		return nil, err
	}

	key := name + "\x00" + dsn
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s connection: %w", driver, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	s.pools[key] = db
	return db, nil
}

// Execute implements Executor.
func (s *SQL) Execute(ctx context.Context, in Input) Envelope {
	started := time.Now()

	driver, _ := in.Args["driver"].(string)
	if driver == "" {
		driver = "postgres"
	}
	query, _ := in.Args["query"].(string)
	if query == "" {
		return Fail(eventlog.KindValidation, "sql action requires a query", 0)
	}

	dsn, _ := in.Args["dsn"].(string)
	if v := authDSN(in.Auth); v != "" {
		dsn = v
	}
	if dsn == "" {
		return Fail(eventlog.KindValidation, "sql action requires a dsn", 0)
	}

	var params []any
	if raw, ok := in.Args["params"].([]any); ok {
		params = raw
	}

	db, err := s.pool(driver, dsn)
	if err != nil {
		return Fail(eventlog.KindValidation, err.Error(), 0)
	}

	if isRowQuery(query) {
		rows, err := db.QueryContext(ctx, query, params...)
		if err != nil {
			return sqlFailure(ctx, err)
		}
		defer rows.Close()

		data, err := scanRows(rows)
		if err != nil {
			return Fail(eventlog.KindDependency, fmt.Sprintf("scan rows: %v", err), 0)
		}
		return Success(map[string]any{
			"rows":  data,
			"count": len(data),
		}, &Meta{ElapsedMS: time.Since(started).Milliseconds()})
	}

	res, err := db.ExecContext(ctx, query, params...)
	if err != nil {
		return sqlFailure(ctx, err)
	}
	affected, _ := res.RowsAffected()
	return Success(map[string]any{
		"rows_affected": affected,
	}, &Meta{ElapsedMS: time.Since(started).Milliseconds()})
}

// authDSN picks the credential-supplied dsn. The worker binds one alias per
// task; should several be present, the first alias in name order wins so the
// choice never depends on map iteration.
func authDSN(auth map[string]map[string]string) string {
	aliases := make([]string, 0, len(auth))
	for alias := range auth {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	for _, alias := range aliases {
		if v := auth[alias]["dsn"]; v != "" {
			return v
		}
	}
	return ""
}

func sqlFailure(ctx context.Context, err error) Envelope {
	if ctx.Err() == context.DeadlineExceeded {
		return Fail(eventlog.KindTimeout, "sql statement deadline exceeded", 0)
	}
	if ctx.Err() == context.Canceled {
		return Fail(eventlog.KindCancelled, "sql statement cancelled", 0)
	}
	return Fail(eventlog.KindDependency, fmt.Sprintf("sql statement failed: %v", err), 0)
}

func isRowQuery(query string) bool {
	head := strings.ToUpper(strings.TrimSpace(query))
	return strings.HasPrefix(head, "SELECT") || strings.HasPrefix(head, "WITH")
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

package executor

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl-go/eventlog"
)

// TestSQLExecute drives the sql executor against an on-disk SQLite database.
func TestSQLExecute(t *testing.T) {
	ex := NewSQL()
	defer ex.Close()

	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "actions.db")
	run := func(args map[string]any, auth map[string]map[string]string) Envelope {
		return ex.Execute(ctx, Input{Args: args, Auth: auth})
	}

	env := run(map[string]any{
		"driver": "sqlite",
		"dsn":    dsn,
		"query":  `CREATE TABLE orders (id INTEGER PRIMARY KEY, name TEXT)`,
	}, nil)
	require.Equal(t, StatusSuccess, env.Status)

	t.Run("exec reports rows affected", func(t *testing.T) {
		env := run(map[string]any{
			"driver": "sqlite",
			"dsn":    dsn,
			"query":  `INSERT INTO orders (name) VALUES (?), (?)`,
			"params": []any{"widget", "gadget"},
		}, nil)
		require.Equal(t, StatusSuccess, env.Status)
		require.EqualValues(t, 2, env.Data.(map[string]any)["rows_affected"])
	})

	t.Run("select returns column maps", func(t *testing.T) {
		env := run(map[string]any{
			"driver": "sqlite",
			"dsn":    dsn,
			"query":  `SELECT id, name FROM orders ORDER BY id`,
		}, nil)
		require.Equal(t, StatusSuccess, env.Status)

		data := env.Data.(map[string]any)
		require.Equal(t, 2, data["count"])
		rows := data["rows"].([]map[string]any)
		require.Equal(t, "widget", rows[0]["name"])
		require.Equal(t, "gadget", rows[1]["name"])
	})

	t.Run("auth dsn overrides the arg", func(t *testing.T) {
		env := run(map[string]any{
			"driver": "sqlite",
			"dsn":    "/nonexistent/ignored.db",
			"query":  `SELECT name FROM orders WHERE name = ?`,
			"params": []any{"widget"},
		}, map[string]map[string]string{"db": {"dsn": dsn}})
		require.Equal(t, StatusSuccess, env.Status)
		require.Equal(t, 1, env.Data.(map[string]any)["count"])
	})

	t.Run("bad statement is a dependency error", func(t *testing.T) {
		env := run(map[string]any{
			"driver": "sqlite",
			"dsn":    dsn,
			"query":  `SELECT nope FROM missing_table`,
		}, nil)
		require.Equal(t, StatusError, env.Status)
		require.Equal(t, eventlog.KindDependency, env.Error.Kind)
	})

	t.Run("unsupported driver", func(t *testing.T) {
		env := run(map[string]any{
			"driver": "oracle",
			"dsn":    dsn,
			"query":  `SELECT 1`,
		}, nil)
		require.Equal(t, StatusError, env.Status)
		require.Equal(t, eventlog.KindValidation, env.Error.Kind)
	})

	t.Run("missing query", func(t *testing.T) {
		env := run(map[string]any{"driver": "sqlite", "dsn": dsn}, nil)
		require.Equal(t, StatusError, env.Status)
		require.Equal(t, eventlog.KindValidation, env.Error.Kind)
	})

	t.Run("missing dsn", func(t *testing.T) {
		env := run(map[string]any{"driver": "sqlite", "query": `SELECT 1`}, nil)
		require.Equal(t, StatusError, env.Status)
		require.Equal(t, eventlog.KindValidation, env.Error.Kind)
	})
}

// TestAuthDSN pins the credential dsn selection: the first alias in name
// order wins regardless of map iteration, empty fields are skipped.
func TestAuthDSN(t *testing.T) {
	require.Empty(t, authDSN(nil))
	require.Empty(t, authDSN(map[string]map[string]string{"db": {"user": "x"}}))

	require.Equal(t, "dsn-a", authDSN(map[string]map[string]string{
		"z_db": {"dsn": "dsn-z"},
		"a_db": {"dsn": "dsn-a"},
	}))
	require.Equal(t, "dsn-z", authDSN(map[string]map[string]string{
		"z_db": {"dsn": "dsn-z"},
		"a_db": {"user": "x"},
	}))
}

// TestIsRowQuery classifies statements by their leading keyword.
func TestIsRowQuery(t *testing.T) {
	require.True(t, isRowQuery("SELECT 1"))
	require.True(t, isRowQuery("  select id from t"))
	require.True(t, isRowQuery("WITH x AS (SELECT 1) SELECT * FROM x"))
	require.False(t, isRowQuery("INSERT INTO t VALUES (1)"))
	require.False(t, isRowQuery("UPDATE t SET a = 1"))
}

// TestValidTableName guards the identifier interpolated into sink SQL.
func TestValidTableName(t *testing.T) {
	require.True(t, validTableName("noetl_sink"))
	require.True(t, validTableName("metrics_2024"))
	require.False(t, validTableName(""))
	require.False(t, validTableName("2fast"))
	require.False(t, validTableName("drop table"))
	require.False(t, validTableName(`x"; DROP TABLE y; --`))
}

// Package sqlitebackend implements backend.Backend over a single-table
// SQLite database via modernc.org/sqlite, the pure-Go driver the rest of
// the example corpus favors over cgo-based drivers. One row per key;
// writes are plain UPSERTs, relying on SQLite's own transaction journal
// for the single-key atomicity backend.Backend requires.
package sqlitebackend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"acidstore/internal/apierr"
	"acidstore/internal/backend"
)

// ParamPath names the database file path parameter understood by
// Factory. A path of ":memory:" opens an in-process database, useful for
// tests.
const ParamPath = "path"

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// Backend stores each key as a row in a "kv" table.
type Backend struct {
	db *sql.DB
}

// Open returns a Backend backed by the SQLite database at path, creating
// the schema if necessary.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apierr.New("sqlitebackend.Open", apierr.KindBackendUnavailable, err)
	}
	// SQLite only supports one writer at a time; this module already
	// serializes each backend key's writes at a higher layer (the lock
	// manager, the transaction manager's single-writer commit protocol),
	// so a single connection avoids SQLITE_BUSY without adding a pool.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, apierr.New("sqlitebackend.Open", apierr.KindBackendUnavailable, err)
	}
	return &Backend{db: db}, nil
}

// Factory adapts Open to backend.Factory, reading ParamPath from params.
func Factory(params map[string]string, logger *slog.Logger) (backend.Backend, error) {
	path, ok := params[ParamPath]
	if !ok || path == "" {
		return nil, apierr.New("sqlitebackend.Factory", apierr.KindInvalidArgument, fmt.Errorf("missing required parameter %q", ParamPath))
	}
	return Open(path)
}

func (b *Backend) Write(ctx context.Context, key string, value []byte) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO kv(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return apierr.New("sqlitebackend.Write", apierr.KindIO, err)
	}
	return nil
}

func (b *Backend) Read(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, apierr.New("sqlitebackend.Read", apierr.KindNotFound, err)
	}
	if err != nil {
		return nil, apierr.New("sqlitebackend.Read", apierr.KindIO, err)
	}
	return value, nil
}

func (b *Backend) Remove(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return apierr.New("sqlitebackend.Remove", apierr.KindIO, err)
	}
	return nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key FROM kv`)
	if err != nil {
		return nil, apierr.New("sqlitebackend.List", apierr.KindIO, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, apierr.New("sqlitebackend.List", apierr.KindIO, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.New("sqlitebackend.List", apierr.KindIO, err)
	}
	return keys, nil
}

func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return apierr.New("sqlitebackend.Close", apierr.KindIO, err)
	}
	return nil
}

// Package ledger opens the local SQLite ledger database. Opening runs
// an integrity check, quarantines corrupt files and brings the schema
// to the current version without ever discarding a non-empty database.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver" // registers "sqlite3"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const driverName = "sqlite3"

// busyTimeoutMillis is how long a connection waits on a locked database.
const busyTimeoutMillis = 5000

// DB is an open ledger database. It holds a single connection so
// per-connection pragmas apply to every statement.
type DB struct {
	sql    *sql.DB
	path   string
	logger *slog.Logger
}

func dsn(path string) string {
	return "file:" + filepath.ToSlash(path)
}

func readOnlyDSN(path string) string {
	return dsn(path) + "?mode=ro"
}

func openDB(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	conn, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1)

	if err := setPragmas(ctx, conn, logger); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{sql: conn, path: path, logger: logger}, nil
}

func setPragmas(ctx context.Context, conn *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis), "busy timeout"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = NORMAL", "synchronous NORMAL"},
	}

	for _, p := range pragmas {
		if _, err := conn.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("setting pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", slog.String("pragma", p.desc))
	}

	return nil
}

// SQL returns the underlying handle for repositories.
func (d *DB) SQL() *sql.DB {
	return d.sql
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// UserVersion reads PRAGMA user_version.
func (d *DB) UserVersion(ctx context.Context) (int, error) {
	return userVersion(ctx, d.sql)
}

// Checkpoint flushes the write-ahead log into the main file so a byte
// copy of the main file is complete.
func (d *DB) Checkpoint(ctx context.Context) error {
	if _, err := d.sql.ExecContext(ctx, "PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("checkpointing %s: %w", filepath.Base(d.path), err)
	}

	return nil
}

// Close truncates the write-ahead log and closes the database.
func (d *DB) Close() error {
	if _, err := d.sql.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		d.logger.Warn("checkpoint on close failed",
			slog.String("path", d.path),
			slog.String("error", err.Error()),
		)
	}

	return d.sql.Close()
}

// CheckpointFile checkpoints the database at path through a short-lived
// connection. A missing file is not an error.
func CheckpointFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	conn, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return fmt.Errorf("opening sqlite: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMillis)); err != nil {
		return fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA wal_checkpoint(FULL)"); err != nil {
		return fmt.Errorf("checkpointing %s: %w", filepath.Base(path), err)
	}

	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func userVersion(ctx context.Context, q querier) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading user_version: %w", err)
	}

	return v, nil
}

// userTables lists tables other than SQLite's internal ones.
func userTables(ctx context.Context, q querier) (map[string]bool, error) {
	return stringSet(ctx, q, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
}

func tableColumns(ctx context.Context, q querier, table string) (map[string]bool, error) {
	return stringSet(ctx, q, `SELECT name FROM pragma_table_info(?)`, table)
}

func stringSet(ctx context.Context, q querier, query string, args ...any) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := make(map[string]bool)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}

		set[name] = true
	}

	return set, rows.Err()
}

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Options configures Open.
type Options struct {
	// Path is the database file.
	Path string

	// BackupDir receives quarantine copies.
	BackupDir string

	Logger *slog.Logger

	// Now stamps quarantine copies. Defaults to time.Now.
	Now func() time.Time
}

// Open runs the startup checks and returns a database at TargetVersion.
//
// A file failing the integrity check is quarantined and removed, then
// treated as absent. If migrating fails and the file holds user tables
// it is quarantined but left in place and the error is returned; an
// empty file is removed and recreated instead.
func Open(ctx context.Context, opts Options) (*DB, error) {
	logger := opts.Logger

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	health, err := CheckHealth(ctx, opts.Path)
	if health == Corrupt {
		logger.Warn("database failed integrity check",
			slog.String("path", opts.Path),
			slog.String("error", err.Error()),
		)

		copies, qerr := Quarantine(opts.Path, opts.BackupDir, ReasonQuickCheckFailed, now())
		if len(copies) == 0 && qerr != nil {
			return nil, fmt.Errorf("database is corrupt and could not be quarantined: %w", qerr)
		}

		if qerr != nil {
			logger.Warn("partial quarantine", slog.String("error", qerr.Error()))
		}

		logger.Warn("corrupt database quarantined", slog.Any("copies", copies))

		if err := Discard(opts.Path); err != nil {
			return nil, fmt.Errorf("removing corrupt database: %w", err)
		}
	}

	db, err := openAndMigrate(ctx, opts.Path, logger)
	if err == nil {
		return db, nil
	}

	if hasUserTables(ctx, opts.Path) {
		copies, qerr := Quarantine(opts.Path, opts.BackupDir, ReasonMigrationFailed, now())
		if qerr != nil {
			logger.Error("quarantine after failed migration", slog.String("error", qerr.Error()))
		}

		logger.Error("migration failed for non-empty database",
			slog.String("path", opts.Path),
			slog.Any("copies", copies),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("migrating non-empty database (backup in %s, original left in place): %w", opts.BackupDir, err)
	}

	logger.Warn("migration failed for empty database, recreating",
		slog.String("path", opts.Path),
		slog.String("error", err.Error()),
	)

	if err := Discard(opts.Path); err != nil {
		return nil, fmt.Errorf("removing empty database: %w", err)
	}

	db, err = openAndMigrate(ctx, opts.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("creating fresh database: %w", err)
	}

	return db, nil
}

func openAndMigrate(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	db, err := openDB(ctx, path, logger)
	if err != nil {
		return nil, err
	}

	if err := migrate(ctx, db.sql, logger); err != nil {
		db.sql.Close()
		return nil, err
	}

	return db, nil
}

// hasUserTables reports whether the file at path has any user tables.
// When that cannot be determined it reports true so the file is kept.
func hasUserTables(ctx context.Context, path string) bool {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false
	}

	conn, err := sql.Open(driverName, readOnlyDSN(path))
	if err != nil {
		return true
	}
	defer conn.Close()

	tables, err := userTables(ctx, conn)
	if err != nil {
		return true
	}

	return len(tables) > 0
}

package ledger

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// TargetVersion is the schema version this build writes.
const TargetVersion = 2

// requiredTables must all exist before a version-0 database with user
// tables is adopted.
var requiredTables = []string{
	"category",
	"budget_month",
	"budget_allocation",
	"expense",
	"subscription",
	"installment_plan",
	"payment_schedule_item",
	"safety_guard",
	"app_setting",
}

// requiredExpenseColumns are added by the version 2 migration.
var requiredExpenseColumns = []string{"recurrence_type", "schedule_item_id"}

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{version: 1, name: "initial_schema", apply: execFile("migrations/0001_initial_schema.sql")},
	{version: 2, name: "expense_recurrence", apply: addExpenseRecurrence},
}

func execFile(name string) func(context.Context, *sql.Tx) error {
	return func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}

		_, err = tx.ExecContext(ctx, string(stmt))

		return err
	}
}

// addExpenseRecurrence adds the recurrence columns to expense. Either
// column may already exist on databases hardened by older builds.
func addExpenseRecurrence(ctx context.Context, tx *sql.Tx) error {
	cols, err := tableColumns(ctx, tx, "expense")
	if err != nil {
		return fmt.Errorf("reading expense columns: %w", err)
	}

	if !cols["recurrence_type"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE expense ADD COLUMN recurrence_type TEXT NOT NULL DEFAULT 'ONE_TIME'`); err != nil {
			return err
		}
	}

	if !cols["schedule_item_id"] {
		if _, err := tx.ExecContext(ctx, `ALTER TABLE expense ADD COLUMN schedule_item_id TEXT`); err != nil {
			return err
		}
	}

	return nil
}

// migrate brings the open database to TargetVersion.
func migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	version, err := userVersion(ctx, db)
	if err != nil {
		return err
	}

	tables, err := userTables(ctx, db)
	if err != nil {
		return fmt.Errorf("listing tables: %w", err)
	}

	logger.Debug("schema inspected",
		slog.Int("user_version", version),
		slog.Int("tables", len(tables)),
	)

	switch {
	case version == TargetVersion:
		return nil
	case version > TargetVersion:
		return fmt.Errorf("%w: user_version %d is newer than supported %d",
			apperrors.ErrIncompatibleSchema, version, TargetVersion)
	case version == 0 && len(tables) == 0:
		logger.Info("creating fresh schema", slog.Int("version", TargetVersion))
		return runMigrations(ctx, db, 0, logger)
	case version == 0:
		return adopt(ctx, db, tables, logger)
	default:
		return runMigrations(ctx, db, version, logger)
	}
}

// adopt handles a database that has tables but was never stamped. Its
// rows are left alone: the version is stamped once the known tables are
// confirmed, after adding the recurrence columns if they are missing.
func adopt(ctx context.Context, db *sql.DB, tables map[string]bool, logger *slog.Logger) error {
	var missing []string

	for _, name := range requiredTables {
		if !tables[name] {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: user_version is 0 and tables %v are missing",
			apperrors.ErrIncompatibleSchema, missing)
	}

	cols, err := tableColumns(ctx, db, "expense")
	if err != nil {
		return fmt.Errorf("reading expense columns: %w", err)
	}

	for _, col := range requiredExpenseColumns {
		if !cols[col] {
			logger.Warn("adopting unversioned schema with hardening", slog.String("missing_column", col))
			return runMigrations(ctx, db, TargetVersion-1, logger)
		}
	}

	if err := stampVersion(ctx, db, TargetVersion); err != nil {
		return err
	}

	logger.Warn("adopted unversioned database", slog.Int("version", TargetVersion))

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, from int, logger *slog.Logger) error {
	for _, m := range migrations {
		if m.version <= from {
			continue
		}

		if err := applyMigration(ctx, db, m, logger); err != nil {
			return err
		}
	}

	return nil
}

// applyMigration runs one migration and stamps its version in a single
// transaction.
func applyMigration(ctx context.Context, db *sql.DB, m migration, logger *slog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}

	if err := m.apply(ctx, tx); err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w (rollback: %v)", m.version, m.name, err, rollbackErr)
	}

	// PRAGMA cannot be parameterized.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.version)); err != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("stamp version %d: %w (rollback: %v)", m.version, err, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}

	logger.Info("applied migration", slog.Int("version", m.version), slog.String("name", m.name))

	return nil
}

func stampVersion(ctx context.Context, db *sql.DB, version int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("stamp version %d: %w", version, err)
	}

	return nil
}

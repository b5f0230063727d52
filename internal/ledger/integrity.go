package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/fileswap"
)

// Quarantine reasons, used in backup file names.
const (
	ReasonQuickCheckFailed = "quick_check_failed"
	ReasonMigrationFailed  = "migration_failed"
)

// Health is the outcome of CheckHealth.
type Health int

const (
	Healthy Health = iota
	Corrupt
)

func (h Health) String() string {
	if h == Corrupt {
		return "corrupt"
	}

	return "healthy"
}

// CheckHealth opens the database read-only and runs PRAGMA quick_check.
// A missing file is healthy. When the result is Corrupt the returned
// error wraps ErrIntegrity and describes what failed.
func CheckHealth(ctx context.Context, path string) (Health, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Healthy, nil
	}

	if err != nil {
		return Corrupt, fmt.Errorf("%w: %w", apperrors.ErrIntegrity, err)
	}

	if info.Size() > 0 {
		if err := checkHeader(path); err != nil {
			return Corrupt, err
		}
	}

	conn, err := sql.Open(driverName, readOnlyDSN(path))
	if err != nil {
		return Corrupt, fmt.Errorf("%w: opening: %w", apperrors.ErrIntegrity, err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA quick_check(1)").Scan(&result); err != nil {
		return Corrupt, fmt.Errorf("%w: quick_check: %w", apperrors.ErrIntegrity, err)
	}

	if !strings.EqualFold(result, "ok") {
		return Corrupt, fmt.Errorf("%w: quick_check reported %q", apperrors.ErrIntegrity, result)
	}

	return Healthy, nil
}

// VerifyFile runs CheckHealth on a file about to replace the ledger.
func VerifyFile(path string) error {
	_, err := CheckHealth(context.Background(), path)
	return err
}

func checkHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrIntegrity, err)
	}
	defer f.Close()

	header := make([]byte, len(fileswap.Signature))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: reading header: %w", apperrors.ErrIntegrity, err)
	}

	if !fileswap.HasSignature(header) {
		return fmt.Errorf("%w: bad file signature", apperrors.ErrIntegrity)
	}

	return nil
}

// QuarantineName is the backup file name for a quarantined file.
func QuarantineName(file, reason string, at time.Time) string {
	return fmt.Sprintf("%s.%s.%d.bak", file, reason, at.UnixMilli())
}

// Quarantine copies the database and its side files into backupDir,
// tagged with reason and the time. Copies are never removed. The main
// file must be copied successfully; side file failures are returned
// joined with any other error but do not stop the remaining copies.
func Quarantine(path, backupDir, reason string, at time.Time) ([]string, error) {
	if err := os.MkdirAll(backupDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	var (
		copies []string
		errs   []error
	)

	for i, src := range append([]string{path}, fileswap.SideFiles(path)...) {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}

		dst := filepath.Join(backupDir, QuarantineName(filepath.Base(src), reason, at))
		if err := copyFile(src, dst); err != nil {
			if i == 0 {
				return copies, fmt.Errorf("quarantining %s: %w", filepath.Base(src), err)
			}

			errs = append(errs, fmt.Errorf("quarantining %s: %w", filepath.Base(src), err))

			continue
		}

		copies = append(copies, dst)
	}

	return copies, errors.Join(errs...)
}

// Discard removes the database and its side files.
func Discard(path string) error {
	var errs []error

	for _, p := range append([]string{path}, fileswap.SideFiles(path)...) {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

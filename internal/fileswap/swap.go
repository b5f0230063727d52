// Package fileswap replaces database files on disk so that the target
// path always holds either the old bytes or the complete new bytes.
package fileswap

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

// Signature is the 16-byte header every SQLite database file starts with.
var Signature = []byte("SQLite format 3\x00")

// HasSignature reports whether data begins with the SQLite file header.
func HasSignature(data []byte) bool {
	return bytes.HasPrefix(data, Signature)
}

// SideFiles returns the write-ahead log and shared-memory paths for a
// database file.
func SideFiles(path string) []string {
	return []string{path + "-wal", path + "-shm"}
}

// BackupPath is where Replace parks the previous file during a swap.
func BackupPath(path string) string {
	return path + ".bak"
}

// fileOps is the subset of filesystem calls Replace makes. Tests swap
// in an implementation that fails at a chosen step.
type fileOps interface {
	CreateTemp(dir, pattern string) (*os.File, error)
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

type osFileOps struct{}

func (osFileOps) CreateTemp(dir, pattern string) (*os.File, error) { return os.CreateTemp(dir, pattern) }
func (osFileOps) Rename(oldpath, newpath string) error             { return os.Rename(oldpath, newpath) }
func (osFileOps) Remove(name string) error                         { return os.Remove(name) }
func (osFileOps) Stat(name string) (os.FileInfo, error)            { return os.Stat(name) }

// CheckpointFunc flushes the write-ahead log of the database at path
// into the main file. Failures are logged and otherwise ignored.
type CheckpointFunc func(path string) error

// VerifyFunc checks the complete new file at path before it replaces
// the target. A non-nil error aborts the swap.
type VerifyFunc func(path string) error

// Swapper performs atomic, rollback-safe file replacement.
type Swapper struct {
	fs         fileOps
	checkpoint CheckpointFunc
	verify     VerifyFunc
	logger     *slog.Logger
}

// Option configures a Swapper.
type Option func(*Swapper)

// WithCheckpoint sets the hook run against the target before its side
// files are removed.
func WithCheckpoint(fn CheckpointFunc) Option {
	return func(s *Swapper) { s.checkpoint = fn }
}

// WithVerify sets the check Replace runs on the written temp file. Copy
// does not run it.
func WithVerify(fn VerifyFunc) Option {
	return func(s *Swapper) { s.verify = fn }
}

// New creates a Swapper.
func New(logger *slog.Logger, opts ...Option) *Swapper {
	s := &Swapper{
		fs:     osFileOps{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Replace writes data to target. The data must carry the SQLite
// signature; otherwise ErrInvalidFormat is returned and target is left
// as it was. On any failure after the old file has been moved aside it
// is moved back before the error is returned.
func (s *Swapper) Replace(target string, data []byte) error {
	return s.replace(target, data, s.verify)
}

// Copy mirrors the file at src into dst.
func (s *Swapper) Copy(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("reading %s: %w", src, err)
	}

	return s.replace(dst, data, nil)
}

func (s *Swapper) replace(target string, data []byte, verify VerifyFunc) error {
	if !HasSignature(data) {
		return fmt.Errorf("replacing %s: %w", filepath.Base(target), apperrors.ErrInvalidFormat)
	}

	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", target, err)
	}

	tmpPath, err := s.writeTemp(dir, filepath.Base(target), data)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrSwapFailed, err)
	}

	if verify != nil {
		err := verify(tmpPath)

		for _, side := range SideFiles(tmpPath) {
			s.discard(side)
		}

		if err != nil {
			s.discard(tmpPath)
			return fmt.Errorf("verifying new %s: %w", filepath.Base(target), err)
		}
	}

	s.clearSideFiles(target)

	bak := BackupPath(target)
	hadTarget := false

	if _, err := s.fs.Stat(target); err == nil {
		hadTarget = true

		if err := s.fs.Remove(bak); err != nil && !os.IsNotExist(err) {
			s.discard(tmpPath)
			return fmt.Errorf("%w: removing stale backup: %w", apperrors.ErrSwapFailed, err)
		}

		if err := s.fs.Rename(target, bak); err != nil {
			s.discard(tmpPath)
			return fmt.Errorf("%w: moving %s aside: %w", apperrors.ErrSwapFailed, filepath.Base(target), err)
		}
	}

	if err := s.fs.Rename(tmpPath, target); err != nil {
		if hadTarget {
			if rbErr := s.fs.Rename(bak, target); rbErr != nil {
				s.logger.Error("restoring previous database failed",
					slog.String("path", target),
					slog.String("backup", bak),
					slog.String("error", rbErr.Error()),
				)
			}
		}

		s.discard(tmpPath)

		return fmt.Errorf("%w: installing new %s: %w", apperrors.ErrSwapFailed, filepath.Base(target), err)
	}

	if hadTarget {
		s.discard(bak)
	}

	s.logger.Debug("database file replaced",
		slog.String("path", target),
		slog.Int("bytes", len(data)),
	)

	return nil
}

func (s *Swapper) writeTemp(dir, base string, data []byte) (string, error) {
	f, err := s.fs.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		s.discard(tmpPath)

		return "", fmt.Errorf("writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		s.discard(tmpPath)

		return "", fmt.Errorf("syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		s.discard(tmpPath)
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	return tmpPath, nil
}

// clearSideFiles is best-effort: the side files belong to the bytes
// being replaced and are stale once the swap completes.
func (s *Swapper) clearSideFiles(target string) {
	if s.checkpoint != nil {
		if _, err := s.fs.Stat(target); err == nil {
			if err := s.checkpoint(target); err != nil {
				s.logger.Warn("checkpoint before replace failed",
					slog.String("path", target),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	for _, side := range SideFiles(target) {
		s.discard(side)
	}
}

// discard removes a file, logging anything other than "not found".
func (s *Swapper) discard(path string) {
	if err := s.fs.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("removing file failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

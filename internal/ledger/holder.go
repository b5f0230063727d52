package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
)

// OpenFunc opens the ledger database.
type OpenFunc func(ctx context.Context) (*DB, error)

// Holder owns the live database handle and replaces it when the file
// underneath changes. Readers take the handle through Use, which blocks
// while a reload or swap is running.
type Holder struct {
	mu     sync.RWMutex
	db     *DB
	path   string
	open   OpenFunc
	logger *slog.Logger
}

// NewHolder opens the database through open and wraps it.
func NewHolder(ctx context.Context, path string, open OpenFunc, logger *slog.Logger) (*Holder, error) {
	db, err := open(ctx)
	if err != nil {
		return nil, err
	}

	return &Holder{db: db, path: path, open: open, logger: logger}, nil
}

// NewIdleHolder wraps path without opening it. Reload opens the handle;
// until then Swap only runs its function and Checkpoint works on the
// file directly.
func NewIdleHolder(path string, open OpenFunc, logger *slog.Logger) *Holder {
	return &Holder{path: path, open: open, logger: logger}
}

// Use runs fn with the current handle while holding the read lock.
func (h *Holder) Use(fn func(*DB) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.db == nil {
		return fmt.Errorf("ledger database is not open")
	}

	return fn(h.db)
}

// Reload opens a fresh handle, swaps it in and closes the old one.
func (h *Holder) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	fresh, err := h.open(ctx)
	if err != nil {
		return fmt.Errorf("reopening ledger: %w", err)
	}

	old := h.db
	h.db = fresh

	h.closeQuietly(old)

	return nil
}

// Swap closes the handle, runs fn (which replaces the file on disk) and
// opens a new handle. The handle is reopened even when fn fails, since
// a failed swap restores the previous file. An idle holder stays idle.
//
// When fn succeeds but the new file cannot be opened the error wraps
// ErrReopenFailed: the file on disk is the new one and the holder stays
// closed until Reload succeeds. A new file failing the integrity check
// is reported this way too and left in place rather than quarantined
// and recreated by Open.
func (h *Holder) Swap(ctx context.Context, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.db == nil {
		return fn()
	}

	h.closeQuietly(h.db)
	h.db = nil

	if err := fn(); err != nil {
		fresh, openErr := h.open(ctx)
		if openErr != nil {
			return errors.Join(err, fmt.Errorf("reopening ledger: %w", openErr))
		}

		h.db = fresh

		return err
	}

	if health, err := CheckHealth(ctx, h.path); health == Corrupt {
		return fmt.Errorf("%w: %w", apperrors.ErrReopenFailed, err)
	}

	fresh, err := h.open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrReopenFailed, err)
	}

	h.db = fresh

	return nil
}

// Checkpoint flushes the write-ahead log of the current handle, or of
// the file directly when no handle is open.
func (h *Holder) Checkpoint(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.db == nil {
		return CheckpointFile(h.path)
	}

	return h.db.Checkpoint(ctx)
}

// Close closes the current handle.
func (h *Holder) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil

	return err
}

func (h *Holder) closeQuietly(db *DB) {
	if db == nil {
		return
	}

	if err := db.Close(); err != nil {
		h.logger.Warn("closing previous ledger handle", slog.String("error", err.Error()))
	}
}

package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/fsnotify/fsnotify"
)

// syncRunner is the subset of Engine that Watcher needs. Extracted for
// testability.
type syncRunner interface {
	SyncNow(ctx context.Context) error
	State() State
}

// Watcher runs a sync once the database and its write-ahead log have
// been quiet for the debounce period.
type Watcher struct {
	runner   syncRunner
	dbPath   string
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for the database at dbPath.
func NewWatcher(engine *Engine, dbPath string, debounce time.Duration, logger *slog.Logger) *Watcher {
	return &Watcher{
		runner:   engine,
		dbPath:   dbPath,
		debounce: debounce,
		logger:   logger,
	}
}

// fileStamp is the size and modification time of a watched file. The
// zero value stands for a missing file.
type fileStamp struct {
	size    int64
	modTime time.Time
}

// stamps describes the database and its write-ahead log.
func (w *Watcher) stamps() [2]fileStamp {
	var out [2]fileStamp

	for i, path := range []string{w.dbPath, w.dbPath + "-wal"} {
		if info, err := os.Stat(path); err == nil {
			out[i] = fileStamp{size: info.Size(), modTime: info.ModTime()}
		}
	}

	return out
}

// Watch blocks until ctx is cancelled. The directory is watched rather
// than the file because a download replaces the file by rename.
//
// Syncs run on this goroutine, so the events caused by a sync's own
// checkpoint and mtime alignment are read after it returns. They are
// dropped by comparing the files with their stamps taken right after
// the sync.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.dbPath)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	watched := map[string]bool{
		filepath.Clean(w.dbPath):          true,
		filepath.Clean(w.dbPath + "-wal"): true,
	}

	w.logger.Info("database watcher started",
		slog.String("path", w.dbPath),
		slog.Duration("debounce", w.debounce),
	)

	tick := w.debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastChange time.Time

	settled := w.stamps()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if !watched[filepath.Clean(event.Name)] {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			// A sync started by another caller writes its own changes.
			if w.runner.State().IsSyncing {
				continue
			}

			if w.stamps() == settled {
				continue
			}

			lastChange = time.Now()

		case err, ok := <-fw.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if lastChange.IsZero() || time.Since(lastChange) < w.debounce {
				continue
			}

			lastChange = time.Time{}
			w.trigger(ctx)
			settled = w.stamps()
		}
	}
}

func (w *Watcher) trigger(ctx context.Context) {
	if w.runner.State().RequiresAppRestart {
		w.logger.Info("skipping auto-sync until restart")
		return
	}

	err := w.runner.SyncNow(ctx)

	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrSyncInProgress):
		w.logger.Debug("auto-sync skipped, another sync is running")
	default:
		w.logger.Warn("auto-sync failed", slog.String("error", err.Error()))
	}
}

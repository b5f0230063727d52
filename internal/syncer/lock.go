package syncer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/gofrs/flock"
	"golang.org/x/sync/semaphore"
)

// pathLocks serializes operations per database path within the process.
var pathLocks = struct {
	mu sync.Mutex
	m  map[string]*semaphore.Weighted
}{m: make(map[string]*semaphore.Weighted)}

func pathLock(path string) *semaphore.Weighted {
	pathLocks.mu.Lock()
	defer pathLocks.mu.Unlock()

	sem, ok := pathLocks.m[path]
	if !ok {
		sem = semaphore.NewWeighted(1)
		pathLocks.m[path] = sem
	}

	return sem
}

// LockPath is the file locked while an operation runs against dbPath.
func LockPath(dbPath string) string {
	return dbPath + ".sync.lock"
}

// acquire takes the in-process lock for dbPath and then the file lock
// shared with other processes. Neither waits: a held lock fails with
// ErrSyncInProgress.
func acquire(dbPath string) (func(), error) {
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dbPath, err)
	}

	sem := pathLock(abs)
	if !sem.TryAcquire(1) {
		return nil, apperrors.ErrSyncInProgress
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		sem.Release(1)
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	fl := flock.New(LockPath(abs))

	locked, err := fl.TryLock()
	if err != nil {
		sem.Release(1)
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}

	if !locked {
		sem.Release(1)
		return nil, fmt.Errorf("%w: locked by another process", apperrors.ErrSyncInProgress)
	}

	return func() {
		_ = fl.Unlock()
		sem.Release(1)
	}, nil
}

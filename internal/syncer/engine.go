// Package syncer keeps the local ledger database and its remote backup
// in step. It decides the direction of each sync by modification time,
// replaces the local file atomically when the remote copy wins, and
// publishes the outcome of every operation as State.
package syncer

//go:generate mockgen -source=engine.go -destination=mock_deps_test.go -package=syncer
//go:generate mockgen -destination=mock_store_test.go -package=syncer github.com/alexjbarnes/ledger-sync/internal/remote Store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/fileswap"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/resolver"
)

// Authenticator supplies bearer tokens for the remote store and owns the
// cached credential. The engine never stores tokens itself.
type Authenticator interface {
	Available() bool
	CurrentToken(ctx context.Context) (string, error)
	InteractiveSignIn(ctx context.Context) (models.Account, error)
	Revoke(ctx context.Context) error
	SignOut() error
	Account() (*models.Account, error)
}

// Reloader closes the open database handle, runs fn and reopens it.
type Reloader interface {
	Swap(ctx context.Context, fn func() error) error
}

// Checkpointer flushes the write-ahead log into the main database file.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
}

// History records the outcome of each sync and restore.
type History interface {
	RecordSync(rec models.SyncRecord) error
}

// Config names the files the engine works on.
type Config struct {
	// DBPath is the local database file.
	DBPath string

	// MirrorDir receives a copy of the database after each sync.
	// Empty disables the mirror.
	MirrorDir string

	// RemoteName and MetaName are the remote object names of the backup
	// and of its metadata.
	RemoteName string
	MetaName   string
}

// Deps are the collaborators of the engine. Reloader, Checkpointer and
// History are optional.
type Deps struct {
	Auth         Authenticator
	Store        remote.Store
	Swapper      *fileswap.Swapper
	Reloader     Reloader
	Checkpointer Checkpointer
	History      History
	Logger       *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine runs sign-in, sign-out, sync and restore against one local
// database path.
type Engine struct {
	cfg          Config
	auth         Authenticator
	store        remote.Store
	swapper      *fileswap.Swapper
	reloader     Reloader
	checkpointer Checkpointer
	history      History
	logger       *slog.Logger
	now          func() time.Time
	state        *stateHolder
}

// New creates an engine. The published state starts with IsAvailable
// false until Initialize runs.
func New(cfg Config, deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		cfg:          cfg,
		auth:         deps.Auth,
		store:        deps.Store,
		swapper:      deps.Swapper,
		reloader:     deps.Reloader,
		checkpointer: deps.Checkpointer,
		history:      deps.History,
		logger:       logger,
		now:          now,
		state:        newStateHolder(),
	}
}

// State returns a snapshot of the published state.
func (e *Engine) State() State {
	return e.state.get()
}

// Subscribe returns a channel that receives the current state and then
// every change. Call cancel to stop receiving.
func (e *Engine) Subscribe() (<-chan State, func()) {
	return e.state.subscribe()
}

// Close ends all subscriptions.
func (e *Engine) Close() {
	e.state.close()
}

// Initialize publishes availability and sign-in state from the cached
// credential. Failures end up in LastError.
func (e *Engine) Initialize(ctx context.Context) {
	available := e.auth.Available()

	acct, err := e.auth.Account()
	if err != nil {
		e.logger.Warn("loading cached account", slog.String("error", err.Error()))
	}

	e.state.update(func(s *State) {
		s.IsAvailable = available
		s.setAccount(acct)
	})

	if !available {
		e.finish("initialize", apperrors.ErrAuthUnavailable, "", nil)
		return
	}

	_, err = e.auth.CurrentToken(ctx)
	if errors.Is(err, apperrors.ErrNotSignedIn) {
		e.finish("initialize", nil, msgNotSignedIn, func(s *State) {
			s.IsSignedIn = false
			s.setAccount(nil)
		})

		return
	}

	e.finish("initialize", err, "", func(s *State) {
		s.IsSignedIn = true
		s.StatusMessage = signedInMessage(s.AccountName, s.AccountEmail)
	})
}

// SignIn runs the interactive sign-in of the authenticator.
func (e *Engine) SignIn(ctx context.Context) error {
	e.state.update(func(s *State) {
		s.IsAuthInProgress = true
		s.LastError = ""
		s.StatusMessage = ""
	})

	acct, err := e.auth.InteractiveSignIn(ctx)

	return e.finish("sign in", err, signedInMessage(acct.Name, acct.Email), func(s *State) {
		s.IsSignedIn = true
		s.setAccount(&acct)
	})
}

// SignOut revokes the cached token, best-effort, and forgets it.
func (e *Engine) SignOut(ctx context.Context) error {
	e.state.update(func(s *State) {
		s.IsAuthInProgress = true
		s.LastError = ""
		s.StatusMessage = ""
	})

	if err := e.auth.Revoke(ctx); err != nil {
		e.logger.Warn("revoking token", slog.String("error", err.Error()))
	}

	err := e.auth.SignOut()

	return e.finish("sign out", err, msgSignedOut, func(s *State) {
		s.IsSignedIn = false
		s.setAccount(nil)
	})
}

// outcome describes a completed sync or restore.
type outcome struct {
	operation string
	source    models.SyncSource
	policy    models.SyncPolicy
	conflict  bool
	restart   bool
	bytes     int64
	message   string
}

// SyncNow moves data in whichever direction the newer copy dictates.
func (e *Engine) SyncNow(ctx context.Context) error {
	release, err := acquire(e.cfg.DBPath)
	if err != nil {
		return e.reject("sync", err)
	}
	defer release()

	e.state.update(func(s *State) {
		s.IsSyncing = true
		s.RequiresAppRestart = false
		s.LastError = ""
		s.StatusMessage = ""
	})

	out, err := e.sync(ctx)

	return e.complete("sync", out, err)
}

// RestoreFromCloud replaces the local database with the remote backup
// regardless of timestamps. It does nothing unless overwriteLocal is set.
func (e *Engine) RestoreFromCloud(ctx context.Context, overwriteLocal bool) error {
	if !overwriteLocal {
		return e.reject("restore", apperrors.ErrRestoreCanceled)
	}

	release, err := acquire(e.cfg.DBPath)
	if err != nil {
		return e.reject("restore", err)
	}
	defer release()

	e.state.update(func(s *State) {
		s.IsSyncing = true
		s.LastError = ""
		s.StatusMessage = ""
	})

	out, err := e.restore(ctx)

	return e.complete("restore", out, err)
}

func (e *Engine) sync(ctx context.Context) (outcome, error) {
	e.checkpoint(ctx)

	token, err := e.auth.CurrentToken(ctx)
	if err != nil {
		return outcome{}, err
	}

	local, localMtime, err := e.readLocal()
	if err != nil {
		return outcome{}, err
	}

	obj, err := e.store.FindByName(ctx, token, e.cfg.RemoteName)
	if err != nil {
		return outcome{}, err
	}

	in := resolver.Input{
		LocalExists:     local != nil,
		RemoteExists:    obj != nil,
		LocalModifiedAt: localMtime,
	}
	if obj != nil {
		in.RemoteModifiedAt = obj.ModifiedAt
	}

	decision, err := resolver.Decide(in)
	if err != nil {
		return outcome{}, err
	}

	e.logger.Info("sync decision",
		slog.String("action", decision.Action.String()),
		slog.Bool("create", decision.Create),
		slog.Bool("conflict", decision.Conflict),
		slog.Time("local_modified", localMtime),
		slog.Time("remote_modified", in.RemoteModifiedAt),
	)

	out := outcome{operation: "sync", policy: models.PolicyNewestWins}

	switch decision.Action {
	case resolver.Upload:
		if err := e.upload(ctx, token, obj, local, localMtime); err != nil {
			return outcome{}, err
		}

		out.source = models.SourceLocalToCloud
		out.bytes = int64(len(local))
		out.message = msgUploadUpdated

		if decision.Create {
			out.message = msgUploadCreated
		}
	case resolver.Download:
		n, installed, err := e.download(ctx, token, obj)

		out.source = models.SourceCloudToLocal
		out.conflict = decision.Conflict
		out.restart = installed
		out.bytes = n

		if err != nil {
			return out, err
		}

		out.message = msgDownloaded

		if decision.Conflict {
			out.message = msgConflict
		}
	}

	e.mirror()

	return out, nil
}

func (e *Engine) restore(ctx context.Context) (outcome, error) {
	token, err := e.auth.CurrentToken(ctx)
	if err != nil {
		return outcome{}, err
	}

	obj, err := e.store.FindByName(ctx, token, e.cfg.RemoteName)
	if err != nil {
		return outcome{}, err
	}

	if obj == nil {
		return outcome{}, apperrors.ErrNoRemoteBackup
	}

	n, installed, err := e.download(ctx, token, obj)

	out := outcome{
		operation: "restore",
		source:    models.SourceCloudToLocal,
		policy:    models.PolicyOverwriteLocal,
		restart:   installed,
		bytes:     n,
	}

	if err != nil {
		return out, err
	}

	e.mirror()

	out.message = msgRestored

	return out, nil
}

// upload creates or updates the remote backup, then aligns the local
// modification time with the remote one so an unchanged file resolves
// to an upload again instead of a download.
func (e *Engine) upload(ctx context.Context, token string, existing *remote.Object, data []byte, localMtime time.Time) error {
	var (
		obj *remote.Object
		err error
	)

	if existing == nil {
		obj, err = e.store.Create(ctx, token, e.cfg.RemoteName, data)
	} else {
		obj, err = e.store.Update(ctx, token, existing.ID, data)
	}

	if err != nil {
		return fmt.Errorf("uploading backup: %w", err)
	}

	if obj != nil {
		e.alignMtime(obj.ModifiedAt)
	}

	if e.cfg.MetaName != "" {
		meta := remote.NewMetadata(localMtime, e.now())
		if err := remote.PutMetadata(ctx, e.store, token, e.cfg.MetaName, meta); err != nil {
			e.logger.Warn("writing backup metadata", slog.String("error", err.Error()))
		}
	}

	return nil
}

// download fetches the remote backup and swaps it in place of the local
// file. Bytes without the SQLite signature never reach the disk.
// installed reports whether the local file now holds the downloaded
// bytes, which can be true alongside an error when the database could
// not be reopened afterwards.
func (e *Engine) download(ctx context.Context, token string, obj *remote.Object) (n int64, installed bool, err error) {
	data, err := e.store.Download(ctx, token, obj.ID)
	if err != nil {
		return 0, false, fmt.Errorf("downloading backup: %w", err)
	}

	if !fileswap.HasSignature(data) {
		return 0, false, fmt.Errorf("downloaded backup: %w", apperrors.ErrInvalidFormat)
	}

	replace := func() error {
		return e.swapper.Replace(e.cfg.DBPath, data)
	}

	if e.reloader != nil {
		err = e.reloader.Swap(ctx, replace)
	} else {
		err = replace()
	}

	if err != nil && !errors.Is(err, apperrors.ErrReopenFailed) {
		return 0, false, err
	}

	e.alignMtime(obj.ModifiedAt)

	return int64(len(data)), true, err
}

// readLocal returns the local bytes and modification time, or nil bytes
// when there is no usable local database. A file without the SQLite
// signature is treated as absent so it is never uploaded.
func (e *Engine) readLocal() ([]byte, time.Time, error) {
	info, err := os.Stat(e.cfg.DBPath)
	if os.IsNotExist(err) {
		return nil, time.Time{}, nil
	}

	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading local database: %w", err)
	}

	data, err := os.ReadFile(e.cfg.DBPath)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading local database: %w", err)
	}

	if !fileswap.HasSignature(data) {
		e.logger.Warn("local database has no SQLite header, ignoring it",
			slog.String("path", e.cfg.DBPath),
			slog.Int("bytes", len(data)),
		)

		return nil, time.Time{}, nil
	}

	return data, info.ModTime(), nil
}

func (e *Engine) checkpoint(ctx context.Context) {
	if e.checkpointer == nil {
		return
	}

	if err := e.checkpointer.Checkpoint(ctx); err != nil {
		e.logger.Warn("checkpoint before sync", slog.String("error", err.Error()))
	}
}

func (e *Engine) alignMtime(t time.Time) {
	if t.IsZero() {
		return
	}

	if err := os.Chtimes(e.cfg.DBPath, t, t); err != nil {
		e.logger.Warn("setting local modification time", slog.String("error", err.Error()))
	}
}

// mirror copies the local database into MirrorDir. Best-effort.
func (e *Engine) mirror() {
	if e.cfg.MirrorDir == "" {
		return
	}

	dst := filepath.Join(e.cfg.MirrorDir, e.cfg.RemoteName)
	if err := e.swapper.Copy(e.cfg.DBPath, dst); err != nil {
		e.logger.Warn("mirroring local database", slog.String("dst", dst), slog.String("error", err.Error()))
	}
}

// complete publishes and records the result of a sync or restore. When
// the local file was replaced the sync fields and RequiresAppRestart are
// published even if the operation failed afterwards.
func (e *Engine) complete(op string, out outcome, err error) error {
	at := e.now()

	rec := models.SyncRecord{At: at, Operation: op}
	if err != nil {
		rec.Error = err.Error()
	}

	if err == nil || out.restart {
		rec.Source = out.source
		rec.Policy = out.policy
		rec.Conflict = out.conflict
		rec.Bytes = out.bytes
	}

	if e.history != nil {
		if herr := e.history.RecordSync(rec); herr != nil {
			e.logger.Warn("recording sync history", slog.String("error", herr.Error()))
		}
	}

	apply := func(s *State) {
		s.LastSyncAtIso = at.UTC().Format(time.RFC3339Nano)
		s.LastSyncSource = out.source
		s.LastSyncPolicy = out.policy
		s.HadSyncConflict = out.conflict
		s.RequiresAppRestart = out.restart
	}

	if err != nil && out.restart {
		e.state.update(apply)
	}

	return e.finish(op, err, out.message, apply)
}

// finish publishes the end of an operation: the busy flags are cleared
// and exactly one of StatusMessage and LastError is set. apply runs
// only on success.
func (e *Engine) finish(op string, err error, status string, apply func(*State)) error {
	e.state.update(func(s *State) {
		s.IsSyncing = false
		s.IsAuthInProgress = false

		if err != nil {
			if errors.Is(err, apperrors.ErrNotSignedIn) || errors.Is(err, apperrors.ErrSessionExpired) {
				s.IsSignedIn = false
			}

			s.StatusMessage = ""
			s.LastError = userMessage(err)

			return
		}

		s.StatusMessage = status
		if apply != nil {
			apply(s)
		}

		s.LastError = ""
	})

	if err != nil {
		e.logger.Error(op+" failed", slog.String("error", err.Error()))
		return err
	}

	e.logger.Info(op+" completed", slog.String("status", e.state.get().StatusMessage))

	return nil
}

// reject publishes an operation that never started. The busy flags
// belong to whichever operation is running and are left alone.
func (e *Engine) reject(op string, err error) error {
	e.state.update(func(s *State) {
		s.StatusMessage = ""
		s.LastError = userMessage(err)
	})

	e.logger.Warn(op+" not started", slog.String("error", err.Error()))

	return err
}

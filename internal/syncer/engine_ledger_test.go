package syncer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/ledger-sync/internal/errors"
	"github.com/alexjbarnes/ledger-sync/internal/fileswap"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/models"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type ledgerEnv struct {
	*testEnv
	holder   *ledger.Holder
	cloudDir string
}

// newLedgerEnv runs the engine against an open ledger holder and a
// folder store. verify wires the integrity check into the swapper the
// way the CLI does.
func newLedgerEnv(t *testing.T, verify bool) *ledgerEnv {
	t.Helper()

	le := &ledgerEnv{cloudDir: filepath.Join(t.TempDir(), "cloud")}

	le.testEnv = newTestEnv(t, func(c *Config, d *Deps) {
		opts := ledger.Options{Path: c.DBPath, BackupDir: c.MirrorDir, Logger: discardLogger()}
		open := func(ctx context.Context) (*ledger.DB, error) { return ledger.Open(ctx, opts) }

		h, err := ledger.NewHolder(context.Background(), c.DBPath, open, discardLogger())
		require.NoError(t, err)
		t.Cleanup(func() { h.Close() })

		swapOpts := []fileswap.Option{fileswap.WithCheckpoint(ledger.CheckpointFile)}
		if verify {
			swapOpts = append(swapOpts, fileswap.WithVerify(ledger.VerifyFile))
		}

		le.holder = h
		d.Store = remote.NewDir(le.cloudDir)
		d.Swapper = fileswap.New(discardLogger(), swapOpts...)
		d.Reloader = h
		d.Checkpointer = h
	})

	return le
}

// putBackup writes data as the cloud backup, modified at mtime.
func (le *ledgerEnv) putBackup(t *testing.T, data []byte, mtime time.Time) string {
	t.Helper()

	require.NoError(t, os.MkdirAll(le.cloudDir, 0o755))
	p := filepath.Join(le.cloudDir, backupName)
	require.NoError(t, os.WriteFile(p, data, 0o600))
	require.NoError(t, os.Chtimes(p, mtime, mtime))

	return p
}

func (le *ledgerEnv) addSettings(t *testing.T, keys ...string) {
	t.Helper()

	require.NoError(t, le.holder.Use(func(db *ledger.DB) error {
		for _, k := range keys {
			if _, err := db.SQL().Exec(`INSERT INTO app_setting (key, value) VALUES (?, 'v')`, k); err != nil {
				return err
			}
		}
		return nil
	}))
}

func (le *ledgerEnv) settingCount(t *testing.T) int {
	t.Helper()

	var n int
	require.NoError(t, le.holder.Use(func(db *ledger.DB) error {
		return db.SQL().QueryRow(`SELECT COUNT(*) FROM app_setting`).Scan(&n)
	}))

	return n
}

// ledgerBytes builds a real ledger file and returns its bytes.
func ledgerBytes(t *testing.T, stmts ...string) []byte {
	t.Helper()

	path := filepath.Join(t.TempDir(), "source.db")
	db, err := ledger.Open(context.Background(), ledger.Options{Path: path, Logger: discardLogger()})
	require.NoError(t, err)

	for _, stmt := range stmts {
		_, err := db.SQL().Exec(stmt)
		require.NoError(t, err, stmt)
	}

	require.NoError(t, db.Close())

	return readFile(t, path)
}

func damagedBytes() []byte {
	return sqliteBytes(strings.Repeat("\xff", 4096))
}

func TestRestoreFromCloud_ReopenFailureStillReportsReplacedFile(t *testing.T) {
	le := newLedgerEnv(t, true)
	le.addSettings(t, "theme")

	backup := ledgerBytes(t, "PRAGMA user_version = 99")
	cloudPath := le.putBackup(t, backup, t0)

	le.auth.EXPECT().CurrentToken(gomock.Any()).Return("", nil)

	err := le.engine.RestoreFromCloud(context.Background(), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrReopenFailed)
	assert.ErrorIs(t, err, apperrors.ErrIncompatibleSchema)

	assert.Equal(t, backup, readFile(t, le.dbPath))

	s := le.engine.State()
	assertExactlyOneOutcome(t, s)
	assert.Equal(t, msgReopenFailed, s.LastError)
	assert.True(t, s.RequiresAppRestart)
	assert.Equal(t, models.SourceCloudToLocal, s.LastSyncSource)
	assert.Equal(t, models.PolicyOverwriteLocal, s.LastSyncPolicy)
	assert.NotEmpty(t, s.LastSyncAtIso)

	localInfo, err := os.Stat(le.dbPath)
	require.NoError(t, err)
	cloudInfo, err := os.Stat(cloudPath)
	require.NoError(t, err)
	assert.True(t, localInfo.ModTime().Equal(cloudInfo.ModTime()), "local mtime follows the installed backup")

	assert.Error(t, le.holder.Use(func(*ledger.DB) error { return nil }))
}

func TestSyncNow_CorruptNewerBackupKeepsLocalRows(t *testing.T) {
	le := newLedgerEnv(t, true)
	le.addSettings(t, "theme", "currency")

	damaged := damagedBytes()
	cloudPath := le.putBackup(t, damaged, time.Now().Add(time.Hour))

	le.auth.EXPECT().CurrentToken(gomock.Any()).Return("", nil).Times(2)

	for range 2 {
		err := le.engine.SyncNow(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, apperrors.ErrIntegrity)
		assert.NotErrorIs(t, err, apperrors.ErrReopenFailed)

		s := le.engine.State()
		assertExactlyOneOutcome(t, s)
		assert.Equal(t, "Cloud backup failed the integrity check and was not applied.", s.LastError)
		assert.False(t, s.RequiresAppRestart)
		assert.Empty(t, s.LastSyncSource)

		assert.Equal(t, 2, le.settingCount(t))
		assert.Equal(t, damaged, readFile(t, cloudPath), "the empty ledger never replaces the backup")
	}

	quarantined, err := filepath.Glob(filepath.Join(le.mirrorDir, "*.bak"))
	require.NoError(t, err)
	assert.Empty(t, quarantined)
}

func TestSyncNow_CorruptInstallIsNotReportedAsSuccess(t *testing.T) {
	le := newLedgerEnv(t, false)
	le.addSettings(t, "theme")

	le.putBackup(t, damagedBytes(), time.Now().Add(time.Hour))

	le.auth.EXPECT().CurrentToken(gomock.Any()).Return("", nil)

	err := le.engine.SyncNow(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrReopenFailed)

	s := le.engine.State()
	assertExactlyOneOutcome(t, s)
	assert.Empty(t, s.StatusMessage)
	assert.Equal(t, msgReopenFailed, s.LastError)
	assert.True(t, s.RequiresAppRestart)
	assert.Equal(t, models.SourceCloudToLocal, s.LastSyncSource)
	assert.Equal(t, damagedBytes(), readFile(t, le.dbPath))
}

func TestSyncNow_HealthyNewerBackupReopensHolder(t *testing.T) {
	le := newLedgerEnv(t, true)
	le.addSettings(t, "theme")

	backup := ledgerBytes(t,
		`INSERT INTO app_setting (key, value) VALUES ('a', '1')`,
		`INSERT INTO app_setting (key, value) VALUES ('b', '2')`,
		`INSERT INTO app_setting (key, value) VALUES ('c', '3')`,
	)
	le.putBackup(t, backup, time.Now().Add(time.Hour))

	le.auth.EXPECT().CurrentToken(gomock.Any()).Return("", nil)

	require.NoError(t, le.engine.SyncNow(context.Background()))

	s := le.engine.State()
	assertExactlyOneOutcome(t, s)
	assert.Equal(t, msgConflict, s.StatusMessage)
	assert.True(t, s.RequiresAppRestart)
	assert.Equal(t, 3, le.settingCount(t))
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/ledger-sync/internal/auth"
	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/fileswap"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/remote"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/spf13/cobra"
)

// withEngine opens the state store, builds the engine for the configured
// backend and runs fn. Everything is closed when fn returns.
func (a *app) withEngine(cmd *cobra.Command, fn func(*syncer.Engine, *state.State) error) error {
	st, err := state.LoadAt(a.cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	authn, store, err := a.newBackend(cmd.Context(), cmd, st)
	if err != nil {
		return err
	}

	a.holder = ledger.NewIdleHolder(a.cfg.DBPath, func(ctx context.Context) (*ledger.DB, error) {
		return ledger.Open(ctx, a.ledgerOptions())
	}, a.logger)

	defer func() {
		if err := a.holder.Close(); err != nil {
			a.logger.Warn("closing ledger", slog.String("error", err.Error()))
		}
	}()

	swapper := fileswap.New(a.logger,
		fileswap.WithCheckpoint(ledger.CheckpointFile),
		fileswap.WithVerify(ledger.VerifyFile),
	)

	engine := syncer.New(syncer.Config{
		DBPath:     a.cfg.DBPath,
		MirrorDir:  a.cfg.BackupDir,
		RemoteName: a.cfg.RemoteName,
		MetaName:   a.cfg.MetaName,
	}, syncer.Deps{
		Auth:         authn,
		Store:        store,
		Swapper:      swapper,
		Reloader:     a.holder,
		Checkpointer: a.holder,
		History:      st,
		Logger:       a.logger,
	})
	defer engine.Close()

	return fn(engine, st)
}

// newBackend returns the authenticator and store for REMOTE_BACKEND.
// Only Drive signs in; S3 and folder backends carry their own access.
func (a *app) newBackend(ctx context.Context, cmd *cobra.Command, st *state.State) (syncer.Authenticator, remote.Store, error) {
	cfg := a.cfg

	switch cfg.Backend {
	case config.BackendDrive:
		httpClient := remote.NewHTTPClient(cfg.HTTPConnectTimeout, cfg.HTTPReadTimeout)

		google := auth.NewGoogle(auth.GoogleConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			HTTPClient:   httpClient,
			Prompt:       cmd.ErrOrStderr(),
		}, st, a.logger)

		return google, remote.NewDrive(httpClient), nil

	case config.BackendS3:
		store, err := remote.NewS3(ctx, remote.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          cfg.S3Prefix,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ConnectTimeout:  cfg.HTTPConnectTimeout,
			ReadTimeout:     cfg.HTTPReadTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("creating S3 client: %w", err)
		}

		return auth.NewStatic("s3://" + cfg.S3Bucket + "/" + cfg.S3Prefix), store, nil

	case config.BackendDir:
		return auth.NewStatic(cfg.RemoteDir), remote.NewDir(cfg.RemoteDir), nil
	}

	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

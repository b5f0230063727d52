package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/config"
	"github.com/alexjbarnes/ledger-sync/internal/ledger"
	"github.com/alexjbarnes/ledger-sync/internal/logging"
	"github.com/alexjbarnes/ledger-sync/internal/mcpserver"
	"github.com/alexjbarnes/ledger-sync/internal/state"
	"github.com/alexjbarnes/ledger-sync/internal/syncer"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the config is loaded.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	// holder is created idle by withEngine; watch opens it.
	holder *ledger.Holder
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "ledger-sync",
		Short:         "Back up, sync and restore the ledger database",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			a.cfg = cfg

			// Only the long-running watcher logs to stdout; the other
			// commands print their results there.
			if cmd.Name() == "watch" {
				a.logger = logging.NewLogger(cfg.Environment, cfg.LogFile)
			} else {
				a.logger = logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Environment, cfg.LogFile)
			}

			a.logger.Debug("ledger-sync starting",
				slog.String("version", Version),
				slog.String("command", cmd.Name()),
				slog.String("backend", cfg.Backend),
				slog.String("db", cfg.DBPath),
			)

			return nil
		},
	}

	root.AddCommand(
		a.checkCmd(),
		a.openCmd(),
		a.signInCmd(),
		a.signOutCmd(),
		a.statusCmd(),
		a.syncCmd(),
		a.restoreCmd(),
		a.historyCmd(),
		a.watchCmd(),
		a.mcpCmd(),
	)

	return root
}

func (a *app) checkCmd() *cobra.Command {
	var quarantine bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run the integrity check on the local database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			health, checkErr := ledger.CheckHealth(cmd.Context(), a.cfg.DBPath)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", a.cfg.DBPath, health)

			if health == ledger.Healthy {
				return nil
			}

			if quarantine {
				copies, err := ledger.Quarantine(a.cfg.DBPath, a.cfg.BackupDir, ledger.ReasonQuickCheckFailed, time.Now())
				for _, c := range copies {
					fmt.Fprintf(cmd.OutOrStdout(), "quarantined to %s\n", c)
				}

				if err != nil {
					return errors.Join(checkErr, fmt.Errorf("quarantining: %w", err))
				}
			}

			return checkErr
		},
	}

	cmd.Flags().BoolVar(&quarantine, "quarantine", false, "copy a corrupt database into the backup directory")

	return cmd
}

func (a *app) openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open",
		Short: "Open the local database, migrating it to the current schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := ledger.Open(cmd.Context(), a.ledgerOptions())
			if err != nil {
				return err
			}
			defer db.Close()

			version, err := db.UserVersion(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: schema version %d\n", a.cfg.DBPath, version)

			return nil
		},
	}
}

func (a *app) signInCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signin",
		Short: "Sign in to the remote backup account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				return report(cmd, e, e.SignIn(cmd.Context()))
			})
		},
	}
}

func (a *app) signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Revoke and forget the cached credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				return report(cmd, e, e.SignOut(cmd.Context()))
			})
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the sync state as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				e.Initialize(cmd.Context())

				data, err := json.MarshalIndent(e.State(), "", "  ")
				if err != nil {
					return err
				}

				fmt.Fprintln(cmd.OutOrStdout(), string(data))

				return nil
			})
		},
	}
}

func (a *app) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Sync the local database with the remote backup, newest copy wins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				return report(cmd, e, e.SyncNow(cmd.Context()))
			})
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Replace the local database with the remote backup",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				return report(cmd, e, e.RestoreFromCloud(cmd.Context(), overwrite))
			})
		},
	}

	cmd.Flags().BoolVar(&overwrite, "overwrite-local", false, "confirm that the local database may be replaced")

	return cmd
}

func (a *app) historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent syncs and restores, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := state.LoadAt(a.cfg.StatePath)
			if err != nil {
				return fmt.Errorf("loading state: %w", err)
			}
			defer st.Close()

			records, err := st.History(limit)
			if err != nil {
				return fmt.Errorf("reading history: %w", err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tOPERATION\tSOURCE\tPOLICY\tCONFLICT\tBYTES\tERROR")

			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
					r.At.Local().Format(time.DateTime), r.Operation, dash(string(r.Source)),
					dash(string(r.Policy)), r.Conflict, r.Bytes, dash(r.Error))
			}

			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records, 0 for all")

	return cmd
}

func (a *app) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Sync once, then sync again whenever the database changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withEngine(cmd, func(e *syncer.Engine, _ *state.State) error {
				return a.runWatch(ctx, e)
			})
		},
	}
}

// runWatch syncs before the ledger is opened so a missing local file is
// recovered from the backup rather than recreated empty and uploaded.
func (a *app) runWatch(ctx context.Context, e *syncer.Engine) error {
	e.Initialize(ctx)

	if err := e.SyncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("initial sync failed", slog.String("error", err.Error()))
	}

	if err := a.holder.Reload(ctx); err != nil {
		return err
	}

	a.logger.Info("ledger opened", slog.String("path", a.cfg.DBPath))

	g, gctx := errgroup.WithContext(ctx)

	watcher := syncer.NewWatcher(e, a.cfg.DBPath, a.cfg.AutoSyncDebounce, a.logger)
	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		a.logger.Info("shutting down")
		return nil
	}

	return err
}

func (a *app) mcpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the ledger sync tools over MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return a.withEngine(cmd, func(e *syncer.Engine, st *state.State) error {
				e.Initialize(ctx)

				server := mcp.NewServer(
					&mcp.Implementation{Name: "ledger-sync", Version: Version},
					nil,
				)
				mcpserver.RegisterTools(server, e, st)

				a.logger.Info("starting MCP server on stdio")

				err := server.Run(ctx, &mcp.StdioTransport{})
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("MCP server error: %w", err)
				}

				return nil
			})
		},
	}
}

func (a *app) ledgerOptions() ledger.Options {
	return ledger.Options{
		Path:      a.cfg.DBPath,
		BackupDir: a.cfg.BackupDir,
		Logger:    a.logger,
	}
}

// report prints the published outcome of an operation. A failure is
// returned as the user-facing message rather than the wrapped error,
// which the engine has already logged.
func report(cmd *cobra.Command, e *syncer.Engine, err error) error {
	s := e.State()

	if err != nil {
		if s.LastError != "" {
			return errors.New(s.LastError)
		}

		return err
	}

	if s.StatusMessage != "" {
		fmt.Fprintln(cmd.OutOrStdout(), s.StatusMessage)
	}

	if s.RequiresAppRestart {
		fmt.Fprintln(cmd.OutOrStdout(), "The local database was replaced. Restart the ledger app before using it.")
	}

	return nil
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}

	return s
}

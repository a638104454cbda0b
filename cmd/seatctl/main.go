// Package main is the seat engine operations CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aura-lms/seats/config"
	"github.com/aura-lms/seats/internal/app"
	"github.com/aura-lms/seats/internal/catalog"
	"github.com/aura-lms/seats/internal/pools"
	"github.com/aura-lms/seats/internal/sweep"
	"github.com/aura-lms/seats/pkg/database"
)

// Build-time variables set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool
	root := &cobra.Command{
		Use:          "seatctl",
		Short:        "Operate the seat engine: migrations, sweeps, pool inspection",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	logger := func() *zap.Logger {
		if verbose {
			return app.NewLogger()
		}
		return zap.NewNop()
	}

	root.AddCommand(
		newVersionCmd(),
		newMigrateCmd(logger),
		newSweepCmd(logger),
		newRemainingCmd(logger),
		newCatalogCmd(logger),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "seatctl %s (%s) %s\n", Version, Commit, runtime.Version())
		},
	}
}

func newMigrateCmd(logger func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{MaxConns: 2}, logger())
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := database.Migrate(ctx, db)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", v)
			}
			return nil
		},
	}
}

func newSweepCmd(logger func() *zap.Logger) *cobra.Command {
	var noLock bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiration sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context(), timeout)
			defer cancel()
			a, err := open(ctx, logger(), app.Options{Redis: !noLock})
			if err != nil {
				return err
			}
			defer a.Close()

			var guard sweep.Guard
			if !noLock {
				guard = a.SweepGuard()
			}
			rep, err := sweep.NewScheduler(a.Sweeper, a.Config.Sweep.Schedule, guard, a.Metrics, a.Logger).RunNow(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}
	cmd.Flags().BoolVar(&noLock, "no-lock", false, "skip the Redis sweep lock")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "abort the sweep after this long")
	return cmd
}

func newRemainingCmd(logger func() *zap.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "remaining <pool_id>",
		Short: "Show a pool's seat counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pool id: %w", err)
			}
			ctx := cmd.Context()
			a, err := open(ctx, logger(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.Pools.GetByID(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, pools.View(p, time.Now()))
		},
	}
}

func newCatalogCmd(logger func() *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the mirrored course catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync <manifest.yaml>",
		Short: "Load courses, category tags and bundles from a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := catalog.ParseManifest(b)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := open(ctx, logger(), app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := catalog.Sync(ctx, a.Catalog, m)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	})
	return cmd
}

func open(ctx context.Context, logger *zap.Logger, opts app.Options) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger, opts)
}

func signalContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

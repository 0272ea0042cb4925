// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

// Command possync is the operator CLI for the device sync engine: run a
// manual sync, inspect sync status, audit local consistency and manage the
// shared backend schema.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/creativos/pos-sync/cloudpg"
	"github.com/creativos/pos-sync/cloudrest"
	"github.com/creativos/pos-sync/poslite"
	"github.com/creativos/pos-sync/possync"
)

type cliOptions struct {
	dbPath  string
	baseURL string
	token   string
	pgDSN   string
	verbose bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "possync",
		Short:         "Point-of-sale offline synchronization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "pos.db", "path to the local database")
	root.PersistentFlags().StringVar(&opts.baseURL, "url", "", "backend base URL (defaults to the stored setting)")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "backend bearer token (defaults to the stored setting)")
	root.PersistentFlags().StringVar(&opts.pgDSN, "pg", "", "connect straight to Postgres instead of the REST backend")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newSyncCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newReconcileCmd(opts))
	root.AddCommand(newMigrateCmd(opts))
	return root
}

func newSyncCmd(opts *cliOptions) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Drain the outbox, push local changes and pull the cloud delta",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, cleanup, err := setup(opts)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := engine.ManualSync(ctx, full)
			if report != nil {
				fmt.Printf("sent %d task(s), discarded %d, pulled %d row(s) in %s\n",
					report.TasksSent, report.TasksDiscarded, report.RowsPulled,
					report.Took.Round(time.Millisecond))
				fmt.Printf("unsynced remaining: %d\n", report.UnsyncedRemaining)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "push every row regardless of the watermark")
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending work and watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(opts)
			if err != nil {
				return err
			}
			defer store.Close()

			unsynced, err := store.UnsyncedCount(ctx)
			if err != nil {
				return err
			}
			pending, err := store.PendingCount(ctx)
			if err != nil {
				return err
			}
			push, pull, err := store.Watermarks(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("unsynced rows:   %d\n", unsynced)
			fmt.Printf("queued tasks:    %d\n", pending)
			fmt.Printf("last cloud push: %s\n", formatWatermark(push))
			fmt.Printf("last cloud sync: %s\n", formatWatermark(pull))
			return nil
		},
	}
}

func newReconcileCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run the consistency auditor once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, engine, cleanup, err := setup(opts)
			if err != nil {
				return err
			}
			defer cleanup()
			return engine.Reconcile(ctx)
		},
	}
}

func newMigrateCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the shared backend schema migrations (requires --pg)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.pgDSN == "" {
				return fmt.Errorf("migrate requires --pg")
			}
			return cloudpg.Migrate(cmd.Context(), opts.pgDSN)
		},
	}
}

// setup opens the store, resolves the backend and wires the engine. The
// returned context ends on SIGINT/SIGTERM.
func setup(opts *cliOptions) (context.Context, *poslite.Client, func(), error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	store, err := openStore(opts)
	if err != nil {
		stop()
		return nil, nil, nil, err
	}
	backend, closeBackend, err := openBackend(ctx, opts, store)
	if err != nil {
		store.Close()
		stop()
		return nil, nil, nil, err
	}
	engine, err := poslite.NewClient(store, backend, poslite.DefaultConfig(), logger(opts))
	if err != nil {
		closeBackend()
		store.Close()
		stop()
		return nil, nil, nil, err
	}
	cleanup := func() {
		closeBackend()
		store.Close()
		stop()
	}
	return ctx, engine, cleanup, nil
}

func openStore(opts *cliOptions) (*poslite.Store, error) {
	return poslite.Open(opts.dbPath, possync.DefaultRegistry(), logger(opts))
}

// openBackend prefers a direct Postgres connection when --pg is set, otherwise
// the REST backend using flags or the stored device settings.
func openBackend(ctx context.Context, opts *cliOptions, store *poslite.Store) (possync.Backend, func(), error) {
	if opts.pgDSN != "" {
		backend, err := cloudpg.Open(ctx, opts.pgDSN, store.Registry(), logger(opts))
		if err != nil {
			return nil, nil, err
		}
		return backend, backend.Close, nil
	}

	baseURL, token := opts.baseURL, opts.token
	if baseURL == "" || token == "" {
		settings, err := store.Settings(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load settings: %w", err)
		}
		if baseURL == "" {
			baseURL, _ = settings["backend_url"].(string)
		}
		if token == "" {
			token, _ = settings["backend_key"].(string)
		}
	}
	if baseURL == "" {
		return nil, nil, fmt.Errorf("no backend configured: pass --url or --pg")
	}
	client := cloudrest.New(baseURL, cloudrest.StaticToken(token), logger(opts))
	return client, func() {}, nil
}

func logger(opts *cliOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return possync.FormatTime(t)
}

/*
main.go - Application entry point

PURPOSE:
  Command-line entry for the points ledger. Loads configuration, opens the
  configured store and dispatches to a subcommand.

COMMANDS:
  serve     HTTP API plus the scheduled expiration sweep
  sweep     Run one expiration sweep and exit
  audit     Compare account summaries with the ledger and exit
  version   Print the build version

ENVIRONMENT (also read from .env):
  PORT             HTTP port (default: 8080)
  DB_DRIVER        sqlite | postgres | memory (default: sqlite)
  DB_PATH          SQLite database path (default: points.db)
                   Use ":memory:" for an in-memory database
  DATABASE_URL     Postgres connection string
  LOG_LEVEL        debug | info | warn | error (default: info)
  SWEEP_SCHEDULE   cron expression (default: @every 1h)
  SWEEP_BATCH_SIZE, SWEEP_WORKERS, GRANT_RETRIES, ACCOUNT_RETRIES

EXAMPLES:
  # Serve against a file database
  DB_PATH=./data/points.db ./points-ledger serve

  # Nightly sweep from an external scheduler
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./points-ledger sweep

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/warp/points-ledger/config"
	"github.com/warp/points-ledger/points"
	memstore "github.com/warp/points-ledger/points/store"
	"github.com/warp/points-ledger/store/postgres"
	"github.com/warp/points-ledger/store/sqlite"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "points-ledger",
		Short:         "Loyalty points ledger with FIFO-by-expiry deduction",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("env-file", "", "load environment from this file instead of .env")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (overrides DB_PATH)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

// setup loads configuration and builds the process logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	var envFiles []string
	if f, _ := cmd.Flags().GetString("env-file"); f != "" {
		envFiles = append(envFiles, f)
	}

	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, err
	}
	if f := cmd.Flags().Lookup("db"); f != nil && f.Changed {
		cfg.DBPath = f.Value.String()
	}
	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		if cfg.Port, err = cmd.Flags().GetInt("port"); err != nil {
			return nil, nil, err
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// openLedger opens the configured store and wraps it in a ledger. The
// returned func closes the store.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...points.Option) (*points.Ledger, func(), error) {
	var (
		store   points.Store
		closeFn = func() {}
	)

	switch cfg.DBDriver {
	case "sqlite":
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		store = s
		closeFn = func() { _ = s.Close() }
	case "postgres":
		s, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		store = s
		closeFn = s.Close
	case "memory":
		store = memstore.NewMemory()
	default:
		return nil, nil, fmt.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}
	logger.Info("store opened", "driver", cfg.DBDriver)

	opts = append([]points.Option{
		points.WithConfig(cfg.Ledger()),
		points.WithLogger(logger),
	}, opts...)
	return points.NewLedger(store, opts...), closeFn, nil
}

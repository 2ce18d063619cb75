package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/inaiurai/credits/internal/config"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/repository"
)

var osExit = os.Exit

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		osExit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "creditctl",
		Short: "Operate the credit accounting engine",
		Long: `creditctl runs operator tasks against the credit database: applying the
schema, auditing balances against the ledger, manual adjustments and
issuing API tokens.

Configuration is read from the environment (and a .env file) exactly as
the API server reads it.`,
		SilenceUsage: true,
	}
	root.AddCommand(newMigrateCmd(), newVerifyCmd(), newAdjustCmd(), newTokenCmd())
	return root
}

// env holds what database-backed commands need.
type env struct {
	cfg    *config.Config
	pool   *pgxpool.Pool
	ledger ledger.Service
	log    *slog.Logger
}

func connect(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	svc := ledger.NewService(pool, repository.NewWorkspaceRepo(pool), repository.NewLedgerRepo(pool), ledger.Options{
		MaxCredits: cfg.MaxCredits,
		Logger:     logger,
	})
	return &env{cfg: cfg, pool: pool, ledger: svc, log: logger}, nil
}

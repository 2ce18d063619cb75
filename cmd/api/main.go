package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/inaiurai/credits/internal/auth"
	"github.com/inaiurai/credits/internal/billing"
	"github.com/inaiurai/credits/internal/commission"
	"github.com/inaiurai/credits/internal/config"
	"github.com/inaiurai/credits/internal/handlers"
	"github.com/inaiurai/credits/internal/jobs"
	"github.com/inaiurai/credits/internal/ledger"
	"github.com/inaiurai/credits/internal/processor"
	"github.com/inaiurai/credits/internal/refunds"
	"github.com/inaiurai/credits/internal/repository"
	"github.com/inaiurai/credits/internal/router"
	"github.com/inaiurai/credits/internal/subscription"
	"github.com/inaiurai/credits/internal/webhooks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateProcessor(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories
	workspaceRepo := repository.NewWorkspaceRepo(pool)
	ledgerRepo := repository.NewLedgerRepo(pool)
	subscriptionRepo := repository.NewSubscriptionRepo(pool)
	affiliateRepo := repository.NewAffiliateRepo(pool)
	commissionRepo := repository.NewCommissionRepo(pool)
	payoutRepo := repository.NewPayoutRepo(pool)
	eventRepo := repository.NewEventRepo(pool)
	refundRepo := repository.NewRefundRepo(pool)

	// Jobs: insert func is set after River client is created (breaks init cycle)
	var insertMu sync.Mutex
	var insertFn jobs.InsertTxFunc
	insert := func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		insertMu.Lock()
		fn := insertFn
		insertMu.Unlock()
		if fn == nil {
			panic("river insert not wired")
		}
		return fn(ctx, tx, args)
	}

	var proc processor.Client
	switch cfg.PaymentProcessor {
	case config.ProcessorMock:
		slog.Warn("PAYMENT_PROCESSOR=mock, refunds and cancellations never reach Stripe")
		proc = processor.NewMock()
	default:
		proc = processor.NewStripe(cfg.StripeAPIKey)
	}

	// Services
	ledgerSvc := ledger.NewService(pool, workspaceRepo, ledgerRepo, ledger.Options{MaxCredits: cfg.MaxCredits, Logger: logger})
	subscriptionSvc := subscription.NewService(subscriptionRepo, proc, logger)
	commissionSvc := commission.NewService(pool, affiliateRepo, commissionRepo, payoutRepo, ledgerSvc, commission.Options{
		TierRates:      cfg.TierRates,
		MinPayoutCents: cfg.MinPayoutCents,
		Logger:         logger,
	})
	refundSvc := refunds.NewService(pool, ledgerSvc, workspaceRepo, refundRepo, proc, insert, logger)
	eventProcessor := billing.NewEventProcessor(pool, eventRepo, workspaceRepo, refundRepo, ledgerSvc, subscriptionSvc, refundSvc, insert, billing.Options{
		PlanCredits: cfg.PlanCredits,
		Logger:      logger,
	})

	workers := river.NewWorkers()
	jobs.Register(workers, eventProcessor, commissionSvc, ledgerSvc, logger)

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.RiverMaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{jobs.VerifyPeriodicJob(cfg.VerifyInterval)},
		Logger:       logger,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	insertMu.Lock()
	insertFn = func(ctx context.Context, tx pgx.Tx, args river.JobArgs) error {
		_, err := riverClient.InsertTx(ctx, tx, args, nil)
		return err
	}
	insertMu.Unlock()

	// HTTP
	validator, err := handlers.NewValidator()
	if err != nil {
		slog.Error("Schema validator init failed", "error", err)
		os.Exit(1)
	}
	if cfg.StripeWebhookSecret == "" {
		slog.Warn("STRIPE_WEBHOOK_SECRET not set, webhook endpoint disabled")
	}
	mux := router.New(router.Deps{
		Tokens:     auth.NewService([]byte(cfg.JWTSecret)),
		Credits:    &handlers.CreditHandler{Ledger: ledgerSvc, Validator: validator, Logger: logger},
		Billing:    &handlers.BillingHandler{Refunds: refundSvc, Subscriptions: subscriptionSvc, Validator: validator, Logger: logger},
		Affiliates: &handlers.AffiliateHandler{Affiliates: commissionSvc, Validator: validator, Logger: logger},
		Webhook:    webhooks.NewStripeHandler(cfg.StripeWebhookSecret, pool, eventRepo, insert, logger),
		DB:         pool,
		Logger:     logger,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/propcare-billing/internal/auth"
	"github.com/PortNumber53/propcare-billing/internal/billing"
	"github.com/PortNumber53/propcare-billing/internal/config"
	"github.com/PortNumber53/propcare-billing/internal/handlers"
	"github.com/PortNumber53/propcare-billing/internal/httpserver"
	"github.com/PortNumber53/propcare-billing/internal/logging"
	"github.com/PortNumber53/propcare-billing/internal/migrations"
	"github.com/PortNumber53/propcare-billing/internal/notify"
	"github.com/PortNumber53/propcare-billing/internal/store"
	"github.com/PortNumber53/propcare-billing/internal/stripe"
	"github.com/PortNumber53/propcare-billing/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	billingStore, err := store.New(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create job store")
	}

	jobWorker := worker.New(worker.DefaultConfig(), jobStore, nil)
	jobWorker.SetInstrumentation(worker.PrometheusInstrumentation())

	provider, err := stripe.NewProvider(stripe.Config{
		SecretKey:      cfg.StripeSecretKey,
		PriceID:        cfg.StripePriceID,
		MeterEventName: cfg.StripeMeterEventName,
		Metered:        cfg.UsageMode == string(billing.UsageModeMetered),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure stripe")
	}

	svc, err := billing.New(billingStore, billingStore, provider, notify.NewQueueNotifier(jobWorker), billing.Options{
		UsageMode:         billing.UsageMode(cfg.UsageMode),
		TrialExpiryPolicy: billing.TrialExpiryPolicy(cfg.TrialExpiryPolicy),
		ProviderTimeout:   cfg.ProviderTimeout,
		SweepConcurrency:  cfg.SweepConcurrency,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create billing service")
	}

	worker.RegisterBillingJobs(jobWorker, svc, billingStore, notify.NewSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken))

	verifier, err := auth.NewVerifier(cfg.SupabaseJWTSecret, cfg.SupabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure auth")
	}

	webhookVerifier := stripe.NewWebhookVerifier(cfg.StripeWebhookSecret)
	if !webhookVerifier.Configured() {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET not set; webhook endpoint will answer 503")
	}

	srv := httpserver.New(cfg, httpserver.Deps{
		DB:       billingStore,
		Billing:  svc,
		Payments: billingStore,
		Auth:     verifier,
		Webhook: &handlers.StripeWebhook{
			Verifier: webhookVerifier,
			Payments: svc,
			Store:    billingStore,
		},
		Jobs:      jobWorker,
		Worker:    jobWorker,
		Scheduler: worker.NewScheduler(jobWorker, cfg.SchedulerInterval),
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	log.Info().Str("addr", cfg.ServerAddress).Str("usage_mode", cfg.UsageMode).Msg("billing service starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Warn().Err(err).Str("db", name).Msg("migrations: error detected")
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Warn().Str("db", name).Msg("migrations: dirty database detected, attempting to fix")
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Error().Err(fixErr).Str("db", name).Msg("migrations: failed to fix dirty database")
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Info().Str("db", name).Err(err).Msg("db: configured (dsn parse error)")
		return
	}
	log.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("db: configured")
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/scentmatch/metering/internal/api"
	"github.com/scentmatch/metering/internal/auth"
	"github.com/scentmatch/metering/internal/billing"
	"github.com/scentmatch/metering/internal/config"
	"github.com/scentmatch/metering/internal/credits"
	"github.com/scentmatch/metering/internal/database"
	mw "github.com/scentmatch/metering/internal/middleware"
	inats "github.com/scentmatch/metering/internal/nats"
	iredis "github.com/scentmatch/metering/internal/redis"
	"github.com/scentmatch/metering/internal/server"
)

var errNATSDisconnected = errors.New("nats disconnected")

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	healthChecks := map[string]api.HealthCheck{}

	// Ledger store
	var store credits.Store
	switch cfg.Credits.Store {
	case config.StoreMemory:
		store = credits.NewMemoryStore()
		healthChecks["database"] = nil
	default:
		if err := database.RunMigrations(cfg.DB.DSN(), cfg.DB.MigrationsPath); err != nil {
			slog.Error("running migrations", "error", err)
			os.Exit(1)
		}

		pool, err := database.NewPostgresPool(ctx, cfg.DB)
		if err != nil {
			slog.Error("connecting to postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store = credits.NewPostgresStore(pool)
		healthChecks["database"] = func(ctx context.Context) error {
			return database.HealthCheck(ctx, pool)
		}
	}

	// Redis
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	healthChecks["redis"] = iredis.HealthCheck(redisClient)

	// NATS (optional). Interfaces stay nil when disabled.
	var creditEvents credits.EventPublisher
	var billingEvents billing.EventPublisher
	healthChecks["nats"] = nil
	if cfg.NATS.URL != "" {
		natsClient, err := inats.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		publisher := inats.NewPublisher(natsClient.JetStream())
		creditEvents = publisher
		billingEvents = publisher
		healthChecks["nats"] = func(context.Context) error {
			if !natsClient.Healthy() {
				return errNATSDisconnected
			}
			return nil
		}
	} else {
		slog.Info("NATS_URL not set, credit events disabled")
	}

	// Credits
	creditSvc := credits.NewService(store, cfg.Credits, creditEvents)
	burstLimiter := credits.NewBurstLimiter(redisClient, cfg.Credits.BurstPerMinute)
	creditHandler := credits.NewHandler(creditSvc, burstLimiter)

	// Billing
	webhookHandler := billing.NewWebhookHandler(creditSvc, cfg.Stripe.WebhookSecret, billingEvents)
	webhookLimiter := mw.NewRateLimiter(redisClient, "webhook", cfg.RateLimit.WebhookMaxRequests, cfg.RateLimit.WebhookWindowSec)

	// Auth
	verifier := auth.NewVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.Audience)

	// Router
	router := api.NewRouter(api.RouterConfig{
		CORSAllowedOrigins: cfg.CORS.AllowedOrigins,
		WebhookRateLimiter: webhookLimiter.Middleware,
		HealthChecks:       healthChecks,
	}, api.HandlerSet{
		ConsumeCredits: creditHandler.Consume,
		CreditStatus:   creditHandler.Status,
		ListUsage:      creditHandler.ListUsage,

		StripeWebhook: webhookHandler.HandleStripe,

		AuthMiddleware: auth.Middleware(verifier),
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler).With("service", "scentmatch-metering"))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
	"billingcore/internal/common/idempotency"
	"billingcore/internal/common/metrics"
	"billingcore/internal/common/middleware"
	"billingcore/internal/common/nats"
	"billingcore/internal/discount"
	"billingcore/internal/payment"
	paymentapi "billingcore/internal/payment/api"
	paymentstore "billingcore/internal/payment/store"
	"billingcore/internal/providers/appleiap"
	"billingcore/internal/providers/banktransfer"
	"billingcore/internal/providers/card"
	"billingcore/internal/providers/googleplay"
	"billingcore/internal/providers/wallet"
	"billingcore/internal/referral"
	"billingcore/internal/subscription"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"BILLING_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	MigrateOnStart bool   `envconfig:"MIGRATE_ON_START" default:"false"`
	MigrationsDir  string `envconfig:"MIGRATIONS_DIR" default:"migrations"`

	ProviderTimeout time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"30s"`

	RenewalInterval time.Duration `envconfig:"RENEWAL_SWEEP_INTERVAL" default:"1h"`
	RenewalBatch    int           `envconfig:"RENEWAL_SWEEP_BATCH" default:"100"`

	Database    database.Config
	NATS        nats.Config
	Idempotency idempotency.Config

	Card         card.Config
	Wallet       wallet.Config
	BankTransfer banktransfer.Config
	AppleIAP     appleiap.Config
	GooglePlay   googleplay.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.Database.URL, cfg.MigrationsDir, logger); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig("BILLING", []string{"events.>"})); err != nil {
		logger.Error("failed to ensure event stream", "error", err)
		os.Exit(1)
	}
	publisher := nats.NewPublisher(natsClient, logger)

	idemStore, err := idempotency.New(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer idemStore.Close()

	m, registry := metrics.New()

	providers := buildProviders(cfg, logger)
	if len(providers) == 0 {
		logger.Error("no payment providers enabled")
		os.Exit(1)
	}
	manager := payment.NewManager(payment.NewRegistry(providers...), cfg.ProviderTimeout, logger)

	store := paymentstore.NewPostgresStore(db)
	discountService := discount.NewService(discount.NewPostgresStore(db), store, logger)
	referralService := referral.NewService(referral.NewPostgresStore(db), store, logger)

	paymentService := payment.NewService(store, manager, discountService, referralService, publisher, logger)
	refundCoordinator := payment.NewRefundCoordinator(store, manager, publisher, logger)

	subscriptionService := subscription.NewService(subscription.NewPostgresStore(db), paymentService, publisher, logger)
	dispatcher := payment.NewDispatcher(store, manager, subscriptionService, publisher, logger)

	// Renewal pipeline: the sweeper publishes due events, the consumer
	// runs the charges.
	consumer, err := natsClient.EnsureConsumer(ctx, nats.DefaultConsumerConfig(
		"billing-renewals", "BILLING", "events."+events.EventSubscriptionRenewalDue))
	if err != nil {
		logger.Error("failed to ensure renewal consumer", "error", err)
		os.Exit(1)
	}
	subscriber := nats.NewSubscriber(natsClient, consumer, logger)
	go func() {
		if err := subscriber.Start(ctx, func(ctx context.Context, event *events.Event) error {
			return subscriptionService.RenewSubscription(ctx, event.AggregateID)
		}); err != nil && ctx.Err() == nil {
			logger.Error("renewal subscriber stopped", "error", err)
		}
	}()
	sweeper := subscription.NewSweeper(subscriptionService, publisher, cfg.RenewalInterval, cfg.RenewalBatch, logger)
	go sweeper.Run(ctx)

	paymentHandler := paymentapi.NewHandler(paymentService, refundCoordinator, dispatcher, m)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"database"}`))
			return
		}
		if err := natsClient.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","component":"nats"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler(registry))

	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(middleware.Idempotency(idemStore, cfg.Idempotency.TTL))
		r.Mount("/", paymentHandler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting billing service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"providers", len(providers),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// buildProviders assembles the enabled adapters. A misconfigured
// adapter is skipped with a log line rather than failing startup, so
// one provider's bad credentials never take down the rest.
func buildProviders(cfg Config, logger *slog.Logger) []payment.Provider {
	var providers []payment.Provider

	if cfg.Card.Enabled {
		adapter, err := card.NewAdapter(cfg.Card, logger)
		if err != nil {
			logger.Error("card adapter disabled", "error", err)
		} else {
			providers = append(providers, adapter)
		}
	}
	if cfg.Wallet.Enabled {
		adapter, err := wallet.NewAdapter(cfg.Wallet, logger)
		if err != nil {
			logger.Error("wallet adapter disabled", "error", err)
		} else {
			providers = append(providers, adapter)
		}
	}
	if cfg.BankTransfer.Enabled {
		providers = append(providers, banktransfer.NewAdapter(cfg.BankTransfer, logger))
	}
	if cfg.AppleIAP.Enabled {
		adapter, err := appleiap.NewAdapter(cfg.AppleIAP, logger)
		if err != nil {
			logger.Error("apple iap adapter disabled", "error", err)
		} else {
			providers = append(providers, adapter)
		}
	}
	if cfg.GooglePlay.Enabled {
		adapter, err := googleplay.NewAdapter(cfg.GooglePlay, logger)
		if err != nil {
			logger.Error("google play adapter disabled", "error", err)
		} else {
			providers = append(providers, adapter)
		}
	}

	return providers
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

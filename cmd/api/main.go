package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billing-backend/api/routes"
	"github.com/angelmondragon/billing-backend/internal/billingevents"
	"github.com/angelmondragon/billing-backend/internal/contracts"
	"github.com/angelmondragon/billing-backend/internal/dispatch"
	"github.com/angelmondragon/billing-backend/internal/payments"
	"github.com/angelmondragon/billing-backend/internal/products"
	"github.com/angelmondragon/billing-backend/internal/subscriptions"
	"github.com/angelmondragon/billing-backend/internal/webhookevents"
	gatewaywebhook "github.com/angelmondragon/billing-backend/internal/webhooks/gateway"
	"github.com/angelmondragon/billing-backend/pkg/auth"
	"github.com/angelmondragon/billing-backend/pkg/config"
	"github.com/angelmondragon/billing-backend/pkg/db"
	"github.com/angelmondragon/billing-backend/pkg/fx"
	"github.com/angelmondragon/billing-backend/pkg/gateway"
	"github.com/angelmondragon/billing-backend/pkg/logger"
	"github.com/angelmondragon/billing-backend/pkg/metrics"
	"github.com/angelmondragon/billing-backend/pkg/migrate"
	"github.com/angelmondragon/billing-backend/pkg/outbox"
	"github.com/angelmondragon/billing-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		_ = dbClient.Close()
		os.Exit(1)
	}

	runErr := run(cfg, logg, dbClient, redisClient)
	if err := multierr.Combine(redisClient.Close(), dbClient.Close()); err != nil {
		logg.Error(context.Background(), "error closing clients", err)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client) error {
	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	set := metrics.NewSet(registry)

	handler, err := buildHandler(cfg, logg, dbClient, redisClient, registry, set)
	if err != nil {
		logg.Error(ctx, "failed to wire api", err)
		return err
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logg.Info(ctx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logg.Info(ctx, "api server shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logg.Error(ctx, "api server shutdown failed", err)
		return err
	}
	return nil
}

func buildHandler(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, redisClient *redis.Client, gatherer prometheus.Gatherer, set *metrics.Set) (http.Handler, error) {
	conn := dbClient.DB()

	identity, err := auth.NewJWTProvider(cfg.Identity)
	if err != nil {
		return nil, err
	}

	gatewayClient, err := gateway.NewClient(gateway.ClientParams{
		Config:   cfg.Gateway,
		Logger:   logg,
		Observer: set.Gateway,
	})
	if err != nil {
		return nil, err
	}

	rateSource, err := fx.NewSourceFromConfig(cfg.Currency)
	if err != nil {
		return nil, err
	}
	converter, err := fx.NewConverter(rateSource, cfg.Currency)
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.NewEngine(dispatch.EngineParams{
		Endpoints:       cfg.Dispatch.Endpoints,
		CounterpartyKey: cfg.Dispatch.CounterpartyKey,
		MaxConcurrency:  cfg.Dispatch.MaxConcurrency,
		DeadLetters:     dispatch.NewDeadLetterRepository(conn),
		Observer:        set.Dispatch,
		Logger:          logg,
	})
	if err != nil {
		return nil, err
	}

	events, err := billingevents.NewService(billingevents.ServiceParams{
		Repository: billingevents.NewRepository(conn),
		Outbox:     outbox.NewService(outbox.NewRepository(conn), logg),
		Stream:     cfg.FeatureFlags.BillingEventStream,
	})
	if err != nil {
		return nil, err
	}

	productRepo := products.NewRepository(conn)
	productService, err := products.NewService(products.ServiceParams{
		Repository: productRepo,
		TxRunner:   dbClient,
		Events:     events,
	})
	if err != nil {
		return nil, err
	}

	subscriptionRepo := subscriptions.NewRepository(conn)
	contractRepo := contracts.NewRepository(conn)
	paymentRepo := payments.NewRepository(conn)

	contractService, err := contracts.NewService(contracts.ServiceParams{
		Repository:        contractRepo,
		Gateway:           gatewayClient,
		Banks:             contracts.NewBankCache(gatewayClient, cfg.Contracts.BankCacheTTL),
		Subscriptions:     subscriptions.NewContractCascade(subscriptionRepo),
		Events:            events,
		Dispatcher:        dispatcher,
		TxRunner:          dbClient,
		Logger:            logg,
		MinimumWindow:     cfg.Contracts.MinimumWindow,
		CallbackURL:       cfg.Gateway.ContractCallbackURL(),
		ReferenceCurrency: cfg.Currency.ReferenceCode,
	})
	if err != nil {
		return nil, err
	}

	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceParams{
		Repository:        subscriptionRepo,
		Payments:          paymentRepo,
		Products:          productRepo,
		Contracts:         contractRepo,
		Gateway:           gatewayClient,
		Converter:         converter,
		Events:            events,
		Dispatcher:        dispatcher,
		TxRunner:          dbClient,
		Logger:            logg,
		CallbackURL:       cfg.Gateway.CallbackURL,
		ReferenceCurrency: cfg.Currency.ReferenceCode,
	})
	if err != nil {
		return nil, err
	}

	webhookRepo := webhookevents.NewRepository(conn)
	webhookEventService, err := webhookevents.NewService(webhookRepo)
	if err != nil {
		return nil, err
	}

	callbacks, err := gatewaywebhook.NewService(gatewaywebhook.ServiceParams{
		WebhookEvents:     webhookRepo,
		Payments:          paymentRepo,
		Subscriptions:     subscriptionRepo,
		Gateway:           gatewayClient,
		Events:            events,
		Dispatcher:        dispatcher,
		Locker:            redisClient,
		LockTTL:           cfg.Eventing.InboundLockTTL,
		Metrics:           set.Ingestion,
		TxRunner:          dbClient,
		Logger:            logg,
		ReferenceCurrency: cfg.Currency.ReferenceCode,
	})
	if err != nil {
		return nil, err
	}

	return routes.NewRouter(routes.Dependencies{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		Cache:         redisClient,
		Identity:      identity,
		Gatherer:      gatherer,
		Metrics:       set,
		Products:      productService,
		Contracts:     contractService,
		Subscriptions: subscriptionService,
		BillingEvents: events,
		WebhookEvents: webhookEventService,
		Callbacks:     callbacks,
	})
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/safar/storefront/internal/auth"
	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/eventbus"
	"github.com/safar/storefront/internal/httpapi"
	"github.com/safar/storefront/internal/inventory"
	"github.com/safar/storefront/internal/observability"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load("inventory-service")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	logger := observability.NewLogger(cfg.Service.Name, cfg.Telemetry.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Service.Name, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Fatal().Err(err).Msg("init tracing")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg, "inventory")

	db, err := database.NewConnection(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to database")
	}
	defer db.Close()

	bus, err := eventbus.New(cfg.Broker, logger, metrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("create event bus")
	}

	ledger := inventory.NewLedger(db, bus, inventory.Options{
		Exchange:             cfg.Broker.Exchange,
		Source:               cfg.Service.Name,
		LowStockThreshold:    cfg.Inventory.LowStockThreshold,
		ReconcileOnDecrement: cfg.Inventory.ReconcileOnDecrement,
		LockTimeout:          cfg.Inventory.LockTimeout,
	}, logger, metrics)

	for _, sub := range ledger.Subscriptions() {
		if err := bus.Subscribe(ctx, sub); err != nil {
			logger.Fatal().Err(err).Str("queue", sub.Queue).Msg("subscribe")
		}
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	wrap := func(name string, next http.Handler) http.Handler {
		return httpapi.Instrument(name, logger, metrics, verifier.Middleware(next))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health", httpapi.HealthHandler(cfg.Service.Name))
	mux.Handle("GET /metrics", observability.Handler(reg))
	inventory.NewHandler(ledger, logger).Register(mux, wrap)

	server := httpapi.NewServer(cfg.Server, mux)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpapi.Serve(gctx, server, cfg.Server.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		return bus.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
	}

	if err := bus.Close(); err != nil {
		logger.Warn().Err(err).Msg("close event bus")
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn().Err(err).Msg("flush traces")
	}

	logger.Info().Msg("inventory service stopped")
}

// Package main implements the settlement API server. It wires the stores,
// domain services, background runners and HTTP surface together.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/obscura-network/sip/internal/app"
	"github.com/obscura-network/sip/internal/app/httpapi"
	"github.com/obscura-network/sip/internal/app/metrics"
	batchersvc "github.com/obscura-network/sip/internal/app/services/batcher"
	privacysvc "github.com/obscura-network/sip/internal/app/services/privacypool"
	"github.com/obscura-network/sip/internal/app/storage/postgres"
	redisstore "github.com/obscura-network/sip/internal/app/storage/redis"
	"github.com/obscura-network/sip/internal/config"
	"github.com/obscura-network/sip/internal/middleware"
	"github.com/obscura-network/sip/internal/platform/migrations"
	"github.com/obscura-network/sip/pkg/logger"
)

func main() {
	envFile := flag.String("env", "", "Optional .env file to load before the environment")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		logger.NewDefault("sipd").WithError(err).Error("load configuration")
		os.Exit(1)
	}

	log := logger.New("sipd", os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, cleanup, err := buildStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("initialise stores")
		os.Exit(1)
	}
	defer cleanup()

	application, err := app.New(appConfig(cfg), stores, log)
	if err != nil {
		log.WithError(err).Error("initialise application")
		os.Exit(1)
	}

	api, err := httpapi.NewHandler(application, httpapi.Options{AuditPath: cfg.AuditPath})
	if err != nil {
		log.WithError(err).Error("initialise http api")
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", api)

	var handler http.Handler = mux
	if cfg.RateLimitPerSecond > 0 {
		handler = middleware.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst, log).Handler(handler)
	}
	handler = middleware.BearerAuth(cfg.APIToken)(handler)
	handler = middleware.CORS(cfg.AllowedOrigins)(handler)
	handler = metrics.InstrumentHandler(handler)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start background runners")
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("runner shutdown")
	}
	log.Info("stopped")
}

// buildStores selects persistence once at startup: Postgres when a DSN is
// configured, with Redis optionally taking over the commitment and claim
// sets, and in-memory otherwise.
func buildStores(ctx context.Context, cfg config.Config, log *logger.Logger) (app.Stores, func(), error) {
	var stores app.Stores
	cleanup := func() {}

	if cfg.PostgresDSN != "" {
		db, err := postgres.Open(cfg.PostgresDSN)
		if err != nil {
			return stores, cleanup, err
		}
		if err := migrations.Apply(db.DB); err != nil {
			db.Close()
			return stores, cleanup, err
		}
		store := postgres.New(db)
		stores = app.Stores{
			Pools:       store,
			Batches:     store,
			Commitments: store,
			Claims:      store,
			Vault:       store,
		}
		cleanup = func() { db.Close() }
		log.Info("using postgres stores")
	}

	if cfg.RedisAddr != "" {
		client, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			cleanup()
			return stores, func() {}, err
		}
		rstore := redisstore.New(client, "sip")
		stores.Commitments = rstore
		stores.Claims = rstore
		prev := cleanup
		cleanup = func() {
			client.Close()
			prev()
		}
		log.Info("using redis for commitments and claims")
	}

	return stores, cleanup, nil
}

func appConfig(cfg config.Config) app.Config {
	return app.Config{
		Owner:                cfg.Owner,
		LedgerEndpoint:       cfg.LedgerEndpoint,
		ConfidentialEndpoint: cfg.ConfidentialEndpoint,
		ConfidentialAPIKey:   cfg.ConfidentialAPIKey,
		QuoteEndpoint:        cfg.QuoteEndpoint,
		QuoteAPIKey:          cfg.QuoteAPIKey,
		FeeEndpoint:          cfg.FeeEndpoint,
		Batcher: batchersvc.Config{
			MaxBatchSize: cfg.BatchMaxSize,
			MaxWaitTime:  cfg.BatchMaxWait,
			MaxIntentAge: cfg.BatchMaxAge,
		},
		PrivacyPool: privacysvc.Config{
			MinDelay:          cfg.MixMinDelay,
			MaxDelay:          cfg.MixMaxDelay,
			MinBatchSize:      cfg.MixMinBatch,
			MaxBatchWait:      cfg.MixMaxBatchWait,
			MaxClaimsPerBatch: cfg.MixMaxPerBatch,
			Operator:          cfg.MixOperator,
			OperatorFallback:  cfg.MixOperatorFallback,
		},
		FlushInterval: cfg.BatchFlushPeriod,
		SweepSchedule: cfg.SweepSchedule,
	}
}

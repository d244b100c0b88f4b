package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowbridge/flowbridge-backend/internal/amm"
	"github.com/flowbridge/flowbridge-backend/internal/api"
	"github.com/flowbridge/flowbridge-backend/internal/bridge"
	"github.com/flowbridge/flowbridge-backend/internal/config"
	"github.com/flowbridge/flowbridge-backend/internal/custody"
	"github.com/flowbridge/flowbridge-backend/internal/escrow"
	"github.com/flowbridge/flowbridge-backend/internal/events"
	"github.com/flowbridge/flowbridge-backend/internal/log"
	"github.com/flowbridge/flowbridge-backend/internal/metrics"
	"github.com/flowbridge/flowbridge-backend/internal/store"
	"github.com/flowbridge/flowbridge-backend/pkg/kv"
	_ "github.com/flowbridge/flowbridge-backend/pkg/kv/memory"
	_ "github.com/flowbridge/flowbridge-backend/pkg/kv/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger, err := log.NewSugar(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Infow("Starting FlowBridge escrow API server",
		"env", cfg.Env,
		"addr", cfg.HTTPAddr,
		"version", "v1.0.0",
	)

	// Setup metrics
	metricsObj, metricsHandler, err := metrics.Setup("flowbridge-api")
	if err != nil {
		logger.Fatalw("Failed to setup metrics", "error", err)
	}

	// Setup cache (Redis when configured, in-memory otherwise)
	cache, err := store.NewCache(kv.Config{
		Backend:  kv.Backend(cfg.Cache.Backend),
		RedisURL: cfg.Cache.RedisAddr,
	}, logger, metricsObj)
	if err != nil {
		logger.Fatalw("Failed to setup cache", "error", err)
	}
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := cache.Ping(ctx); err != nil {
		cancel()
		logger.Fatalw("Cache ping failed", "error", err)
	}
	cancel()
	logger.Infow("Cache connection established")

	// Setup event hub and SSE handler
	hub := events.NewHub(cfg.Security.CORSAllowedOrigins, logger, metricsObj)
	sseHandler := events.NewSSEHandler(hub, logger)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	// Domain collaborators. The pool, the bridge tracker, and the custody
	// locker run in process here; production deployments swap them for
	// network-backed implementations of the same interfaces.
	reserveBridged, reservePaired, totalShares := cfg.PoolSeedWei()
	pool := amm.NewPool(reserveBridged, reservePaired, totalShares, logger)
	if cfg.Pool.FillBps > 0 {
		pool.SetFillBps(cfg.Pool.FillBps)
	}
	bridgeTracker := bridge.NewTracker(logger)
	locker := custody.NewLocker(logger)

	// Escrow core
	registry := escrow.NewRegistry()
	ledger := escrow.NewLedger()
	executor := escrow.NewExecutor(pool, logger)
	guard := escrow.NewGuard(cfg.Escrow.PausedOnStart, cfg.MinBridgedWithdrawalWei())

	coordinator := escrow.NewCoordinator(registry, ledger, executor, bridgeTracker, locker, guard, logger, escrow.CoordinatorOptions{
		ReturnDomain:      cfg.Escrow.ReturnDomain,
		LockLabelPrefix:   cfg.Escrow.LockLabelPrefix,
		ShareAsset:        cfg.Escrow.ShareAsset,
		PoolCallDeadline:  cfg.Pool.CallDeadline,
		LockRetryAttempts: cfg.Escrow.LockRetryAttempts,
		Publisher:         hub,
		Recorder:          metricsObj,
	})

	// Setup API handler and middleware
	handler := api.NewHandler(coordinator, bridgeTracker, locker, hub, sseHandler, cache, cfg, logger, metricsObj)
	middleware := api.NewMiddleware(logger, metricsObj)

	router := handler.Routes(middleware, cfg.Security.CORSAllowedOrigins, cfg.Security.RateLimitRPM)

	logger.Infow("CORS configured", "allowed_origins", cfg.Security.CORSAllowedOrigins)

	// Add metrics endpoint
	router.Handle("/metrics", metricsHandler)

	// Setup HTTP server
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		logger.Infow("API server starting", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	// Wait for interrupt signal
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatalw("Server startup failed", "error", err)
	case sig := <-shutdown:
		logger.Infow("Shutdown signal received", "signal", sig.String())

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Errorw("Graceful shutdown failed", "error", err)
			server.Close()
		}

		logger.Infow("Server stopped")
	}
}

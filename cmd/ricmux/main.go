package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rfeldman/ricmux/internal/auth"
	"github.com/rfeldman/ricmux/internal/cache"
	"github.com/rfeldman/ricmux/internal/config"
	"github.com/rfeldman/ricmux/internal/database"
	"github.com/rfeldman/ricmux/internal/dispatch"
	"github.com/rfeldman/ricmux/internal/metrics"
	"github.com/rfeldman/ricmux/internal/refdata"
	"github.com/rfeldman/ricmux/internal/registry"
	"github.com/rfeldman/ricmux/internal/server"
	"github.com/rfeldman/ricmux/internal/session"
	"github.com/rfeldman/ricmux/internal/upstream"
	"github.com/rfeldman/ricmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/ricmux.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting ricmux",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"upstream_url", cfg.Upstream.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Instrument reference data (optional)
	var validator session.Validator
	if cfg.Database.Postgres.Enabled() {
		logger.Info("connecting to database",
			"host", cfg.Database.Postgres.Host,
			"port", cfg.Database.Postgres.Port,
			"database", cfg.Database.Postgres.Name,
		)

		pool, err := database.Connect(ctx, cfg.Database.Postgres)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		catalogCfg := refdata.DefaultConfig()
		catalogCfg.ReconcileInterval = cfg.Database.ReconcileInterval
		catalog := refdata.NewCatalog(catalogCfg, refdata.NewPGSource(pool), logger)

		logger.Info("starting instrument catalog (initial load)...")
		if err := catalog.Start(ctx); err != nil {
			logger.Error("failed to start instrument catalog", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			catalog.Stop(shutdownCtx)
		}()

		validator = catalog
	} else {
		logger.Info("reference data disabled, accepting any instrument key")
	}

	// Last-value cache
	var lvc *cache.Cache
	if cfg.Cache.Redis.Enabled() {
		lvc, err = cache.NewWithRedis(ctx, cfg.Cache.Redis, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		logger.Info("redis cache backend connected", "addr", cfg.Cache.Redis.Addr)
	} else {
		lvc = cache.New(logger)
	}
	if err := lvc.Start(ctx); err != nil {
		logger.Error("failed to start cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		lvc.Stop(shutdownCtx)
	}()

	// Load feed credentials
	creds, err := auth.LoadCredentials(cfg.Upstream.User, cfg.Upstream.SecretPath)
	if err != nil {
		logger.Error("failed to load feed credentials", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded feed credentials", "user", cfg.Upstream.User)

	// Upstream link and subscription registry
	link := upstream.New(upstream.Config{
		URL:                    cfg.Upstream.URL,
		SubscribeTimeout:       cfg.Upstream.SubscribeTimeout,
		ReconnectBaseDelay:     cfg.Upstream.ReconnectBaseDelay,
		ReconnectMaxDelay:      cfg.Upstream.ReconnectMaxDelay,
		BreakerThreshold:       cfg.Upstream.BreakerThreshold,
		DegradedRetryInterval:  cfg.Upstream.DegradedRetryInterval,
		HeartbeatInterval:      cfg.Upstream.HeartbeatInterval,
		HeartbeatTimeoutFactor: cfg.Upstream.HeartbeatTimeoutFactor,
		TokenRefreshMargin:     cfg.Upstream.TokenRefreshMargin,
		WriteTimeout:           cfg.Upstream.WriteTimeout,
		MessageBufferSize:      cfg.Upstream.MessageBufferSize,
	}, creds, logger)

	regCfg := registry.DefaultConfig()
	regCfg.SubscribeTimeout = cfg.Upstream.SubscribeTimeout
	regCfg.UnsubscribeLinger = cfg.Registry.UnsubscribeLinger
	regCfg.ServeStale = cfg.Registry.ServeStale
	reg := registry.New(regCfg, link, logger)

	// The registry supplies the instruments to replay after a reconnect.
	link.SetSubscriptionSource(reg)

	logger.Info("starting upstream link...")
	if err := link.Start(ctx); err != nil {
		logger.Error("failed to start upstream link", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		link.Stop(shutdownCtx)
	}()

	if err := reg.Start(ctx); err != nil {
		logger.Error("failed to start subscription registry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		reg.Stop(shutdownCtx)
	}()

	// Session manager
	policy, err := session.ParsePolicy(cfg.Sessions.OverflowPolicy)
	if err != nil {
		logger.Error("invalid overflow policy", "error", err)
		os.Exit(1)
	}

	mgr := session.NewManager(session.Config{
		QueueSize:      cfg.Sessions.QueueSize,
		AcquireTimeout: cfg.Registry.AcquireTimeout,
		OverflowPolicy: policy,
	}, reg, lvc, validator, logger)

	// Start the dispatcher before the session manager accepts subscribers
	// so fan-out is draining as soon as interest exists.
	disp := dispatch.New(link.Messages(), reg, mgr, lvc, logger)
	if err := disp.Start(ctx); err != nil {
		logger.Error("failed to start dispatcher", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		disp.Stop(shutdownCtx)
	}()

	if err := mgr.Start(ctx); err != nil {
		logger.Error("failed to start session manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		mgr.Stop(shutdownCtx)
	}()

	// Downstream websocket endpoint
	ws := server.New(server.Config{
		Port:         cfg.Server.Port,
		Path:         cfg.Server.Path,
		PingInterval: cfg.Server.PingInterval,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadLimit:    cfg.Server.ReadLimit,
	}, mgr, logger)
	if err := ws.Start(ctx); err != nil {
		logger.Error("failed to start websocket server", "error", err)
		os.Exit(1)
	}

	// Metrics and health endpoints
	msrv := metrics.New(metrics.Config{
		Port: cfg.Metrics.Port,
		Path: cfg.Metrics.Path,
	}, link, reg, mgr, disp, lvc, ws, logger)
	if err := msrv.Start(ctx); err != nil {
		logger.Error("failed to start metrics server", "error", err)
		os.Exit(1)
	}

	logger.Info("ricmux running",
		"instance_id", cfg.Instance.ID,
		"ws_url", fmt.Sprintf("ws://localhost:%d%s", cfg.Server.Port, cfg.Server.Path),
		"health_url", fmt.Sprintf("http://localhost:%d/healthz", cfg.Metrics.Port),
	)

	// Wait for shutdown
	<-ctx.Done()

	logger.Info("shutting down...")

	// Close the consumer surface first, then let the deferred stops unwind
	// sessions, dispatch, registry, and finally the upstream link.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	ws.Stop(shutdownCtx)
	msrv.Stop(shutdownCtx)

	logger.Info("ricmux stopped")
}

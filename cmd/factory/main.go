package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/factory"
	"github.com/dyluth/drove/internal/health"
	"github.com/dyluth/drove/internal/logging"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/transport"
)

// directiveTTL must match the one of the head.
const directiveTTL = 24 * time.Hour

func main() {
	// 1. Load environment variables
	node, err := config.LoadNodeConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init("factory")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("instance", node.InstanceName).Logger()

	// 2. The factory only reads the executors and heartbeat sections
	cfg, err := config.Load(node.ConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", node.ConfigPath).Msg("Failed to load configuration")
	}

	// 3. Connect to Redis
	redisOpts, err := redis.ParseURL(node.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid REDIS_URL")
	}
	t, err := transport.NewRedisTransport(redisOpts, node.InstanceName)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Redis transport")
	}
	defer t.Close()

	if err := t.Ping(context.Background()); err != nil {
		logger.Fatal().Err(err).Msg("Redis not accessible")
	}

	registry, err := directive.NewRedisRegistry(t.Client(), node.InstanceName, directiveTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create directive registry")
	}
	store := directive.NewStore(registry, campaign.NewCodec())

	pools, err := executors.New(cfg.Executors)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid executors configuration")
	}
	defer pools.Close()

	m := metrics.New()
	engine := factory.NewEngine(t, store, pools, factory.NewCatalog(), factory.Options{
		NodeID:          node.NodeID,
		Tenant:          node.Tenant,
		HeartbeatPeriod: cfg.Heartbeat.Period,
	}, m, logger)

	// 4. Health endpoint
	healthServer := health.NewServer(node.HealthAddr, t, m.Handler(), logger)
	if err := healthServer.Start(); err != nil {
		logger.Fatal().Err(err).Str("addr", node.HealthAddr).Msg("Failed to start health server")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Health server shutdown failed")
		}
	}()

	// 5. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			logger.Error().Err(runErr).Msg("Factory error")
			os.Exit(1)
		}
	}
	logger.Info().Msg("Factory stopped")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drove/internal/campaign"
	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/internal/head"
	"github.com/dyluth/drove/internal/health"
	"github.com/dyluth/drove/internal/logging"
	"github.com/dyluth/drove/internal/metrics"
	"github.com/dyluth/drove/pkg/directive"
	"github.com/dyluth/drove/pkg/transport"
)

// directiveTTL bounds the lifetime of the directives left in Redis by an aborted campaign.
const directiveTTL = 24 * time.Hour

func main() {
	os.Exit(run())
}

// run returns the exit code of the process: 1 when the campaign failed.
func run() int {
	// 1. Load environment variables
	node, err := config.LoadNodeConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger, err := logging.Init("head")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger = logger.With().Str("node", node.NodeID).Str("instance", node.InstanceName).Logger()

	// 2. Load the campaign configuration
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

	ctx := context.Background()
	if err := t.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Redis not accessible")
	}

	registry, err := directive.NewRedisRegistry(t.Client(), node.InstanceName, directiveTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create directive registry")
	}
	store := directive.NewStore(registry, campaign.NewCodec())

	// 4. Executors, metrics and health endpoint
	pools, err := executors.New(cfg.Executors)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid executors configuration")
	}
	defer pools.Close()

	m := metrics.New()
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

	engine := head.NewEngine(t, store, pools, cfg, m, logger)
	logger.Info().
		Str("event", "head_starting").
		Str("campaign", cfg.Campaign).
		Int("scenarios", len(cfg.Scenarios)).
		Msg("Head starting")

	// 5. Setup graceful shutdown
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(runCtx)
	}()

	// 6. Wait for shutdown signal or the end of the campaign
	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down gracefully...")
		cancel()
		<-errCh
	case runErr := <-errCh:
		if runErr != nil {
			logger.Error().Err(runErr).Str("event", "campaign_failed").Msg("Campaign failed")
			exitCode = 1
		}
	}

	logger.Info().Str("event", "head_stopped").Msg("Head stopped")
	return exitCode
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/drove/internal/printer"
	"github.com/dyluth/drove/internal/watch"
	"github.com/dyluth/drove/pkg/feedback"
	"github.com/dyluth/drove/pkg/transport"
)

var (
	watchInstanceName string
	watchRedisURL     string
	watchOutputFormat string
	watchDirective    string
	watchTimeout      time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor the heartbeats and feedbacks of an instance",
	Long: `Monitor the activity of a running drove instance.

Streams the heartbeats of the factories and the feedbacks of the directives
as they are published.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch the instance named in DROVE_INSTANCE_NAME
  drove watch

  # Export events as JSON
  drove watch --name prod --output=json > events.jsonl

  # Wait for one directive to finish
  drove watch --directive 4f1c... --timeout 10m`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchInstanceName, "name", "n", os.Getenv("DROVE_INSTANCE_NAME"), "Target instance name")
	watchCmd.Flags().StringVar(&watchRedisURL, "redis-url", envOr("REDIS_URL", "redis://localhost:6379"), "Redis connection URL")
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchDirective, "directive", "", "Wait for the terminal status of this directive")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 30*time.Minute, "Maximal wait with --directive")
	rootCmd.AddCommand(watchCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := watch.ParseOutputFormat(watchOutputFormat)
	if err != nil {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}
	if watchInstanceName == "" {
		return printer.Error(
			"no instance name",
			"The instance to watch is unknown.",
			[]string{"Set DROVE_INSTANCE_NAME or run:\n  drove watch --name <instance-name>"},
		)
	}

	redisOpts, err := redis.ParseURL(watchRedisURL)
	if err != nil {
		return fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	t, err := transport.NewRedisTransport(redisOpts, watchInstanceName)
	if err != nil {
		return fmt.Errorf("failed to create Redis transport: %w", err)
	}
	defer t.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := t.Ping(ctx); err != nil {
		return printer.ErrorWithContext(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", watchRedisURL),
			map[string]string{"Instance": watchInstanceName},
			[]string{"Check the Redis URL:\n  drove watch --redis-url redis://<host>:<port>"},
		)
	}

	if watchDirective == "" {
		return watch.Stream(ctx, t, format, os.Stdout)
	}

	printer.Step("Waiting for directive %s...\n", watchDirective)
	outcome, err := watch.AwaitDirective(ctx, t, watchDirective, watchTimeout)
	if err != nil {
		return printer.Error("directive not finished", err.Error(), nil)
	}
	if outcome.Status == feedback.StatusFailed {
		return printer.ErrorWithContext(fmt.Sprintf("directive %s failed", watchDirective), "", outcome.Errors, nil)
	}
	printer.Success("Directive %s completed\n", watchDirective)
	return nil
}

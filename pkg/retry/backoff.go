// Package retry executes a single unit of work with bounded exponential backoff.
//
// A work item is attempted once immediately. Every failure except the last one is
// swallowed and followed by a delay that grows geometrically up to a ceiling.
// When all attempts are exhausted, the error of the final attempt is returned as is.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Work is one idempotent or compensatable unit of execution.
type Work func(ctx context.Context) error

// BackoffPolicy configures the retries of a work item.
// Retries is the number of additional attempts after the first one: 0 means a single attempt.
type BackoffPolicy struct {
	Retries    int           `yaml:"retries" toml:"retries"`
	Delay      time.Duration `yaml:"delay" toml:"delay"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier"`
	MaxDelay   time.Duration `yaml:"max_delay" toml:"max_delay"`
}

// DefaultBackoffPolicy returns 3 retries starting at 1s, doubling up to 1h.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Retries:    3,
		Delay:      time.Second,
		Multiplier: 2.0,
		MaxDelay:   time.Hour,
	}
}

// Validate checks the policy values.
func (p BackoffPolicy) Validate() error {
	if p.Retries < 0 {
		return fmt.Errorf("retries must be >= 0, got %d", p.Retries)
	}
	if p.Delay < 0 {
		return fmt.Errorf("delay must be >= 0, got %s", p.Delay)
	}
	if p.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0, got %v", p.Multiplier)
	}
	if p.MaxDelay < p.Delay {
		return fmt.Errorf("max delay (%s) must not be shorter than delay (%s)", p.MaxDelay, p.Delay)
	}
	return nil
}

// Execute runs work until it succeeds or the attempts are exhausted.
// The delay sequence restarts from Delay on every call.
//
// If ctx is done while waiting between two attempts, the returned error wraps both
// the context error and the last failure of work.
func (p BackoffPolicy) Execute(ctx context.Context, work Work) error {
	currentDelay := p.Delay
	attempt := 0
	for {
		err := work(ctx)
		if err == nil {
			return nil
		}
		attempt++
		if attempt > p.Retries {
			return err
		}

		timer := time.NewTimer(currentDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempt(s): %w (last failure: %w)", attempt, ctx.Err(), err)
		case <-timer.C:
		}

		currentDelay = nextDelay(currentDelay, p.Multiplier, p.MaxDelay)
	}
}

func nextDelay(current time.Duration, multiplier float64, maxDelay time.Duration) time.Duration {
	next := float64(current) * multiplier
	if next > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(next)
}

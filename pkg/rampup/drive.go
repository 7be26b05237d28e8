package rampup

import (
	"context"
	"fmt"
	"time"
)

// StartFunc starts count minions for one starting line.
type StartFunc func(ctx context.Context, count int) error

// Drive consumes the iterator: it waits startOffset, then for every line starts exactly
// Count minions and sleeps Period, until the terminal line is reached.
// It returns the number of minions started.
//
// Drive stops early when ctx is done or when start fails.
func Drive(ctx context.Context, it Iterator, startOffset time.Duration, start StartFunc) (int, error) {
	started := 0
	if err := sleep(ctx, startOffset); err != nil {
		return started, err
	}

	for {
		line := it.Next()
		if line.IsTerminal() {
			return started, nil
		}
		if err := start(ctx, line.Count); err != nil {
			return started, fmt.Errorf("failed to start %d minion(s) after %d started: %w", line.Count, started, err)
		}
		started += line.Count

		if err := sleep(ctx, line.Period); err != nil {
			return started, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

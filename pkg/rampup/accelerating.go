package rampup

import (
	"fmt"
	"time"
)

// Accelerating starts Count minions per line with a period that shrinks by
// Accelerator*speedFactor after every line, down to MinPeriod.
type Accelerating struct {
	StartPeriod time.Duration `json:"start_period" yaml:"start_period" toml:"start_period"`
	Accelerator float64       `json:"accelerator" yaml:"accelerator" toml:"accelerator"`
	MinPeriod   time.Duration `json:"min_period" yaml:"min_period" toml:"min_period"`
	Count       int           `json:"count" yaml:"count" toml:"count"`
}

// Validate checks the strategy parameters.
func (a *Accelerating) Validate() error {
	if a.Count <= 0 {
		return fmt.Errorf("%w: count must be > 0, got %d", ErrInvalidConfiguration, a.Count)
	}
	if a.Accelerator <= 0 {
		return fmt.Errorf("%w: accelerator must be > 0, got %v", ErrInvalidConfiguration, a.Accelerator)
	}
	if a.MinPeriod < 0 || a.StartPeriod < a.MinPeriod {
		return fmt.Errorf("%w: periods must satisfy 0 <= min period (%s) <= start period (%s)",
			ErrInvalidConfiguration, a.MinPeriod, a.StartPeriod)
	}
	return nil
}

// Iterator implements Strategy.
func (a *Accelerating) Iterator(totalMinions int, speedFactor float64) (Iterator, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := validateRun(totalMinions, speedFactor); err != nil {
		return nil, err
	}
	return &acceleratingIterator{
		period:      scale(a.StartPeriod, speedFactor),
		minPeriod:   a.MinPeriod,
		accelerator: a.Accelerator * speedFactor,
		count:       a.Count,
		remaining:   totalMinions,
	}, nil
}

type acceleratingIterator struct {
	period      time.Duration
	minPeriod   time.Duration
	accelerator float64
	count       int
	remaining   int
}

func (it *acceleratingIterator) Next() StartingLine {
	if it.remaining <= 0 {
		return StartingLine{Count: 0, Period: it.period}
	}
	count := min(it.count, it.remaining)
	it.remaining -= count
	line := StartingLine{Count: count, Period: it.period}

	next := time.Duration(float64(it.period) / it.accelerator)
	it.period = max(it.minPeriod, next)
	return line
}

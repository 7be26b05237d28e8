package rampup

import (
	"fmt"
	"time"
)

// Regular starts Count minions every Period divided by the speed factor.
type Regular struct {
	Period time.Duration `json:"period" yaml:"period" toml:"period"`
	Count  int           `json:"count" yaml:"count" toml:"count"`
}

// Validate checks the strategy parameters.
func (r *Regular) Validate() error {
	if r.Count <= 0 {
		return fmt.Errorf("%w: count must be > 0, got %d", ErrInvalidConfiguration, r.Count)
	}
	if r.Period < 0 {
		return fmt.Errorf("%w: period must be >= 0, got %s", ErrInvalidConfiguration, r.Period)
	}
	return nil
}

// Iterator implements Strategy.
func (r *Regular) Iterator(totalMinions int, speedFactor float64) (Iterator, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if err := validateRun(totalMinions, speedFactor); err != nil {
		return nil, err
	}
	return &regularIterator{
		period:    scale(r.Period, speedFactor),
		count:     r.Count,
		remaining: totalMinions,
	}, nil
}

type regularIterator struct {
	period    time.Duration
	count     int
	remaining int
}

func (it *regularIterator) Next() StartingLine {
	if it.remaining <= 0 {
		return StartingLine{Count: 0, Period: it.period}
	}
	count := min(it.count, it.remaining)
	it.remaining -= count
	return StartingLine{Count: count, Period: it.period}
}

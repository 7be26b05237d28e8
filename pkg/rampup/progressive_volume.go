package rampup

import (
	"fmt"
	"math"
	"time"
)

// ProgressiveVolume starts a geometrically growing number of minions every Period,
// never more than Limit at once.
//
// The growth accumulator compounds on every line by Multiplier*speedFactor, regardless
// of the capping applied by Limit or by the remaining number of minions.
type ProgressiveVolume struct {
	Period       time.Duration `json:"period" yaml:"period" toml:"period"`
	InitialCount int           `json:"initial_count" yaml:"initial_count" toml:"initial_count"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	Limit        int           `json:"limit" yaml:"limit" toml:"limit"`
}

// NewProgressiveVolume validates and returns a progressive volume strategy.
func NewProgressiveVolume(period time.Duration, initialCount int, multiplier float64, limit int) (*ProgressiveVolume, error) {
	pv := &ProgressiveVolume{
		Period:       period,
		InitialCount: initialCount,
		Multiplier:   multiplier,
		Limit:        limit,
	}
	if err := pv.Validate(); err != nil {
		return nil, err
	}
	return pv, nil
}

// Validate checks the strategy parameters.
func (pv *ProgressiveVolume) Validate() error {
	if pv.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0, got %d", ErrInvalidConfiguration, pv.Limit)
	}
	if pv.Period < 0 {
		return fmt.Errorf("%w: period must be >= 0, got %s", ErrInvalidConfiguration, pv.Period)
	}
	if pv.InitialCount <= 0 {
		return fmt.Errorf("%w: initial count must be > 0, got %d", ErrInvalidConfiguration, pv.InitialCount)
	}
	if pv.Multiplier <= 0 {
		return fmt.Errorf("%w: multiplier must be > 0, got %v", ErrInvalidConfiguration, pv.Multiplier)
	}
	return nil
}

// Iterator implements Strategy.
func (pv *ProgressiveVolume) Iterator(totalMinions int, speedFactor float64) (Iterator, error) {
	if err := pv.Validate(); err != nil {
		return nil, err
	}
	if err := validateRun(totalMinions, speedFactor); err != nil {
		return nil, err
	}
	return &progressiveVolumeIterator{
		period:      pv.Period,
		limit:       pv.Limit,
		multiplier:  pv.Multiplier,
		total:       totalMinions,
		speedFactor: speedFactor,
		growth:      float64(pv.InitialCount),
	}, nil
}

type progressiveVolumeIterator struct {
	period      time.Duration
	limit       int
	multiplier  float64
	total       int
	speedFactor float64

	issued int
	growth float64
}

func (it *progressiveVolumeIterator) Next() StartingLine {
	if it.issued >= it.total {
		return StartingLine{Count: 0, Period: it.period}
	}

	candidate := it.limit
	if rounded := math.Round(it.growth); rounded < float64(it.limit) {
		candidate = int(rounded)
	}
	// A shrinking accumulator must not emit a zero count before all minions are issued,
	// zero is reserved for the terminal line.
	if candidate < 1 {
		candidate = 1
	}

	count := min(candidate, it.total-it.issued)
	it.issued += count
	it.growth = it.growth * it.multiplier * it.speedFactor

	return StartingLine{Count: count, Period: it.period}
}

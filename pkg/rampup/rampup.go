// Package rampup converts a declarative load curve into a deterministic sequence of
// starting lines: "start Count minions, then wait Period before asking for the next line".
//
// Strategies are pure functions of their configuration and of the accumulated state of
// one iteration. Building a new iterator from the same strategy with the same total and
// speed factor always yields the same sequence.
package rampup

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfiguration is returned when a strategy or an iteration is set up with
// values that cannot produce a schedule.
var ErrInvalidConfiguration = errors.New("invalid ramp-up configuration")

// StartingLine is one batch of the schedule.
// A Count of 0 is the terminal line: the ramp-up is complete.
type StartingLine struct {
	Count  int           `json:"count"`
	Period time.Duration `json:"period"`
}

// IsTerminal reports whether the line ends the ramp-up.
func (l StartingLine) IsTerminal() bool {
	return l.Count == 0
}

func (l StartingLine) String() string {
	return fmt.Sprintf("(%d,%s)", l.Count, l.Period)
}

// Strategy creates iterators over the starting lines of one scheduling run.
type Strategy interface {
	// Iterator prepares a run for totalMinions, accelerated by speedFactor.
	Iterator(totalMinions int, speedFactor float64) (Iterator, error)
}

// Iterator yields the starting lines of one run.
// It is driven by a single goroutine and is not safe for concurrent use.
// Once the terminal line is returned, every further call returns it again.
type Iterator interface {
	Next() StartingLine
}

func validateRun(totalMinions int, speedFactor float64) error {
	if speedFactor <= 0 {
		return fmt.Errorf("%w: speed factor must be > 0, got %v", ErrInvalidConfiguration, speedFactor)
	}
	return nil
}

// scale divides a period by the speed factor.
func scale(period time.Duration, speedFactor float64) time.Duration {
	return time.Duration(float64(period) / speedFactor)
}

// Lines materializes a full run, terminal line excluded. It is meant for previews and
// tests; max bounds the number of lines read to protect against runaway schedules.
func Lines(it Iterator, max int) []StartingLine {
	var lines []StartingLine
	for i := 0; i < max; i++ {
		line := it.Next()
		if line.IsTerminal() {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

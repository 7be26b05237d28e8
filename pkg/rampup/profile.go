package rampup

import (
	"fmt"
	"time"
)

// Kind names a ramp-up strategy.
type Kind string

const (
	KindProgressiveVolume Kind = "progressive-volume"
	KindRegular           Kind = "regular"
	KindAccelerating      Kind = "accelerating"
	KindImmediate         Kind = "immediate"
)

// Validate checks if the Kind is a known strategy.
func (k Kind) Validate() error {
	switch k {
	case KindProgressiveVolume, KindRegular, KindAccelerating, KindImmediate:
		return nil
	default:
		return fmt.Errorf("unknown ramp-up strategy: %q", k)
	}
}

// Profile is the serializable description of a ramp-up: which strategy to apply,
// how long to wait before the first line and how much to accelerate the curve.
// Only the section matching Strategy is read.
type Profile struct {
	Strategy    Kind          `json:"strategy" yaml:"strategy" toml:"strategy"`
	StartOffset time.Duration `json:"start_offset" yaml:"start_offset" toml:"start_offset"`
	SpeedFactor float64       `json:"speed_factor" yaml:"speed_factor" toml:"speed_factor"`

	ProgressiveVolume *ProgressiveVolume `json:"progressive_volume,omitempty" yaml:"progressive_volume,omitempty" toml:"progressive_volume,omitempty"`
	Regular           *Regular           `json:"regular,omitempty" yaml:"regular,omitempty" toml:"regular,omitempty"`
	Accelerating      *Accelerating      `json:"accelerating,omitempty" yaml:"accelerating,omitempty" toml:"accelerating,omitempty"`
}

// ApplyDefaults sets a speed factor of 1 when none is configured.
func (p *Profile) ApplyDefaults() {
	if p.SpeedFactor == 0 {
		p.SpeedFactor = 1.0
	}
}

// Validate checks the profile and the section of its strategy.
func (p *Profile) Validate() error {
	if err := p.Strategy.Validate(); err != nil {
		return err
	}
	if p.StartOffset < 0 {
		return fmt.Errorf("%w: start offset must be >= 0, got %s", ErrInvalidConfiguration, p.StartOffset)
	}
	if p.SpeedFactor <= 0 {
		return fmt.Errorf("%w: speed factor must be > 0, got %v", ErrInvalidConfiguration, p.SpeedFactor)
	}
	_, err := p.Build()
	return err
}

// Build returns the Strategy described by the profile.
func (p *Profile) Build() (Strategy, error) {
	var (
		strategy interface {
			Strategy
			Validate() error
		}
		section string
	)
	switch p.Strategy {
	case KindProgressiveVolume:
		section = "progressive_volume"
		if p.ProgressiveVolume != nil {
			strategy = p.ProgressiveVolume
		}
	case KindRegular:
		section = "regular"
		if p.Regular != nil {
			strategy = p.Regular
		}
	case KindAccelerating:
		section = "accelerating"
		if p.Accelerating != nil {
			strategy = p.Accelerating
		}
	case KindImmediate:
		return Immediate{}, nil
	default:
		return nil, p.Strategy.Validate()
	}

	if strategy == nil {
		return nil, fmt.Errorf("%w: %s section is required", ErrInvalidConfiguration, section)
	}
	if err := strategy.Validate(); err != nil {
		return nil, err
	}
	return strategy, nil
}

// Iterator builds the strategy and opens a run for totalMinions with the profile speed factor.
func (p *Profile) Iterator(totalMinions int) (Iterator, error) {
	strategy, err := p.Build()
	if err != nil {
		return nil, err
	}
	return strategy.Iterator(totalMinions, p.SpeedFactor)
}

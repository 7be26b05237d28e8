package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dyluth/drove/internal/executors"
	"github.com/dyluth/drove/pkg/rampup"
	"github.com/dyluth/drove/pkg/retry"
)

const (
	defaultHeartbeatPeriod = 5 * time.Second
	defaultTopicSize       = 100
	defaultIdleTimeout     = time.Minute
)

// DroveConfig represents the top-level drove.yml (or drove.toml) configuration
type DroveConfig struct {
	Version   string               `yaml:"version" toml:"version"`
	Campaign  string               `yaml:"campaign" toml:"campaign"` // Key of the campaign, shared by head and factories
	RampUp    rampup.Profile       `yaml:"rampup" toml:"rampup"`     // Default profile of the scenarios
	Retry     *retry.BackoffPolicy `yaml:"retry,omitempty" toml:"retry,omitempty"`
	Topic     TopicConfig          `yaml:"topic" toml:"topic"`
	Heartbeat HeartbeatConfig      `yaml:"heartbeat" toml:"heartbeat"`
	Executors executors.Config     `yaml:"executors" toml:"executors"`
	Scenarios []Scenario           `yaml:"scenarios" toml:"scenarios"`
}

// TopicConfig sizes the broadcast topics of the minions
type TopicConfig struct {
	MaximalSize *int          `yaml:"maximal_size,omitempty" toml:"maximal_size,omitempty"` // Negative = unbounded, default = 100
	IdleTimeout time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`                     // 0 disables idle eviction
}

// HeartbeatConfig specifies the liveness protocol
type HeartbeatConfig struct {
	Period       time.Duration `yaml:"period" toml:"period"`
	OfflineAfter time.Duration `yaml:"offline_after,omitempty" toml:"offline_after,omitempty"` // Silence after which a node is OFFLINE, default = 10 periods
}

// Scenario is one population of minions running the same steps
type Scenario struct {
	Name    string          `yaml:"name" toml:"name"`
	Minions int             `yaml:"minions" toml:"minions"`
	RampUp  *rampup.Profile `yaml:"rampup,omitempty" toml:"rampup,omitempty"` // Overrides the campaign profile
	Steps   []Step          `yaml:"steps" toml:"steps"`
}

// Step references a step type known to the factories
type Step struct {
	Name     string            `yaml:"name" toml:"name"`
	Type     string            `yaml:"type" toml:"type"`
	Duration time.Duration     `yaml:"duration,omitempty" toml:"duration,omitempty"`
	Params   map[string]string `yaml:"params,omitempty" toml:"params,omitempty"`
}

// Profile returns the ramp-up profile of the scenario.
func (s *Scenario) Profile(campaign rampup.Profile) rampup.Profile {
	if s.RampUp != nil {
		return *s.RampUp
	}
	return campaign
}

// ApplyDefaults fills the optional sections
func (c *DroveConfig) ApplyDefaults() {
	c.RampUp.ApplyDefaults()
	for i := range c.Scenarios {
		if c.Scenarios[i].RampUp != nil {
			c.Scenarios[i].RampUp.ApplyDefaults()
		}
	}

	if c.Retry == nil {
		policy := retry.DefaultBackoffPolicy()
		c.Retry = &policy
	}

	if c.Topic.MaximalSize == nil {
		size := defaultTopicSize
		c.Topic.MaximalSize = &size
	}
	if c.Topic.IdleTimeout == 0 {
		c.Topic.IdleTimeout = defaultIdleTimeout
	}

	if c.Heartbeat.Period == 0 {
		c.Heartbeat.Period = defaultHeartbeatPeriod
	}
	if c.Heartbeat.OfflineAfter == 0 {
		c.Heartbeat.OfflineAfter = 10 * c.Heartbeat.Period
	}

	c.Executors.ApplyDefaults()
}

// Validate performs strict validation on the configuration
func (c *DroveConfig) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if c.Campaign == "" {
		return fmt.Errorf("campaign is required")
	}

	if len(c.Scenarios) == 0 {
		return fmt.Errorf("no scenarios defined")
	}

	if err := c.RampUp.Validate(); err != nil {
		return fmt.Errorf("rampup: %w", err)
	}

	if c.Retry != nil {
		if err := c.Retry.Validate(); err != nil {
			return fmt.Errorf("retry: %w", err)
		}
	}

	if c.Topic.IdleTimeout < 0 {
		return fmt.Errorf("topic.idle_timeout must be >= 0, got %s", c.Topic.IdleTimeout)
	}

	if c.Heartbeat.Period <= 0 {
		return fmt.Errorf("heartbeat.period must be > 0, got %s", c.Heartbeat.Period)
	}
	if c.Heartbeat.OfflineAfter <= 2*c.Heartbeat.Period {
		return fmt.Errorf("heartbeat.offline_after (%s) must be longer than two periods (%s)",
			c.Heartbeat.OfflineAfter, 2*c.Heartbeat.Period)
	}

	if err := c.Executors.Validate(); err != nil {
		return fmt.Errorf("executors: %w", err)
	}

	seen := make(map[string]bool)
	for i := range c.Scenarios {
		s := &c.Scenarios[i]
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate scenario name '%s'", s.Name)
		}
		seen[s.Name] = true
	}

	return nil
}

// Validate performs validation on a single scenario configuration
func (s *Scenario) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}

	if s.Minions <= 0 {
		return fmt.Errorf("scenario '%s': minions must be > 0, got %d", s.Name, s.Minions)
	}

	if s.RampUp != nil {
		if err := s.RampUp.Validate(); err != nil {
			return fmt.Errorf("scenario '%s': rampup: %w", s.Name, err)
		}
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario '%s': at least one step is required", s.Name)
	}
	for i, step := range s.Steps {
		if step.Type == "" {
			return fmt.Errorf("scenario '%s': step %d: type is required", s.Name, i)
		}
		if step.Duration < 0 {
			return fmt.Errorf("scenario '%s': step %d: duration must be >= 0", s.Name, i)
		}
	}

	return nil
}

// Load reads and validates drove.yml (or drove.toml) from the specified path
func Load(path string) (*DroveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config DroveConfig
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse TOML: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

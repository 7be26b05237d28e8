package config

import (
	"fmt"
	"os"
)

// NodeConfig holds the identity of a head or factory process loaded from environment variables.
// Required fields are validated at startup to ensure fail-fast behavior.
type NodeConfig struct {
	// InstanceName namespaces every Redis channel and key (from DROVE_INSTANCE_NAME)
	InstanceName string

	// NodeID identifies this process in heartbeats and feedbacks (from DROVE_NODE_ID)
	NodeID string

	// Tenant is optional and copied into heartbeats and feedbacks (from DROVE_TENANT)
	Tenant string

	// RedisURL is the Redis connection string (from REDIS_URL)
	RedisURL string

	// ConfigPath locates drove.yml (from DROVE_CONFIG, default "drove.yml")
	ConfigPath string

	// HealthAddr is the listen address of the health server (from DROVE_HEALTH_ADDR, default ":8080")
	HealthAddr string
}

// LoadNodeConfig reads and validates configuration from environment variables.
// Returns an error if any required variable is missing.
func LoadNodeConfig() (*NodeConfig, error) {
	cfg := &NodeConfig{
		InstanceName: os.Getenv("DROVE_INSTANCE_NAME"),
		NodeID:       os.Getenv("DROVE_NODE_ID"),
		Tenant:       os.Getenv("DROVE_TENANT"),
		RedisURL:     os.Getenv("REDIS_URL"),
		ConfigPath:   os.Getenv("DROVE_CONFIG"),
		HealthAddr:   os.Getenv("DROVE_HEALTH_ADDR"),
	}

	if cfg.ConfigPath == "" {
		cfg.ConfigPath = "drove.yml"
	}
	if cfg.HealthAddr == "" {
		cfg.HealthAddr = ":8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are present.
// Returns the first validation error encountered.
func (c *NodeConfig) Validate() error {
	if c.InstanceName == "" {
		return fmt.Errorf("DROVE_INSTANCE_NAME environment variable is required")
	}

	if c.NodeID == "" {
		return fmt.Errorf("DROVE_NODE_ID environment variable is required")
	}

	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL environment variable is required")
	}

	return nil
}

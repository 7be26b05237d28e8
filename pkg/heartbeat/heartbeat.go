// Package heartbeat defines the periodic liveness signal of a factory.
package heartbeat

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the state of a factory, either emitted by the factory itself or derived by
// the head from the elapsed time since the last heartbeat.
type State string

const (
	StateRegistered State = "REGISTERED"
	StateOffline    State = "OFFLINE"
	StateIdle       State = "IDLE"
	StateUnhealthy  State = "UNHEALTHY"
	StateHealthy    State = "HEALTHY"
)

// Validate checks if the State is one of the defined values.
func (s State) Validate() error {
	switch s {
	case StateRegistered, StateOffline, StateIdle, StateUnhealthy, StateHealthy:
		return nil
	default:
		return fmt.Errorf("invalid heartbeat state: %q", s)
	}
}

// Heartbeat is emitted by every factory on a fixed period.
type Heartbeat struct {
	NodeID      string    `json:"node_id"`
	Tenant      string    `json:"tenant,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	State       State     `json:"state"`
	CampaignKey string    `json:"campaign_key,omitempty"` // Set while a campaign runs on the factory
}

// Validate checks the required fields.
func (h *Heartbeat) Validate() error {
	if h.NodeID == "" {
		return fmt.Errorf("node id is required")
	}
	if h.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return h.State.Validate()
}

// Marshal serializes h to JSON.
func Marshal(h *Heartbeat) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates a heartbeat.
func Unmarshal(data []byte) (*Heartbeat, error) {
	var h Heartbeat
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid heartbeat: %w", err)
	}
	return &h, nil
}

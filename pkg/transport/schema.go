package transport

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several drove campaigns can share a single Redis server.
//
// Key pattern: drove:{instance_name}:{entity}:{key}
// Channel pattern: drove:{instance_name}:{logical_channel}

// Logical channel names shared by the head and the factories.
const (
	// BroadcastDirectivesChannel carries the directives addressed to every factory.
	BroadcastDirectivesChannel = "directives:broadcast"
	// FeedbackChannel carries the feedbacks of every factory to the head.
	FeedbackChannel = "feedbacks"
	// HeartbeatChannel carries the heartbeats of every factory to the head.
	HeartbeatChannel = "heartbeats"
)

// UnicastDirectivesChannel returns the logical channel of the directives addressed to one factory.
// Pattern: directives:node:{node_id}
func UnicastDirectivesChannel(nodeID string) string {
	return fmt.Sprintf("directives:node:%s", nodeID)
}

// ChannelName returns the Pub/Sub channel of a logical channel.
// Pattern: drove:{instance_name}:{logical_channel}
func ChannelName(instanceName, channel string) string {
	return fmt.Sprintf("drove:%s:%s", instanceName, channel)
}

// DirectiveKey returns the Redis key holding the envelope of a saved directive.
// Pattern: drove:{instance_name}:directive:{directive_key}
func DirectiveKey(instanceName, directiveKey string) string {
	return fmt.Sprintf("drove:%s:directive:%s", instanceName, directiveKey)
}

// DirectiveValuesKey returns the Redis list holding the values of a saved directive.
// Pattern: drove:{instance_name}:directive:{directive_key}:values
func DirectiveValuesKey(instanceName, directiveKey string) string {
	return fmt.Sprintf("drove:%s:directive:%s:values", instanceName, directiveKey)
}

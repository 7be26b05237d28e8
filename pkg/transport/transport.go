// Package transport moves opaque message bytes between the head and the factories.
//
// A Transport sends payloads to logical channels and subscribes to them. Delivery is
// at-least-once for an active subscription; order is preserved per channel for a single
// producer, never across channels. Two implementations are provided: RedisTransport
// (Redis Pub/Sub, channels namespaced by instance name) for distributed deployments and
// MemoryTransport for standalone processes and tests.
package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when using a closed transport.
var ErrClosed = errors.New("transport is closed")

// subscriptionBuffer is the capacity of the message channel of a subscription.
const subscriptionBuffer = 64

// Message is a payload received on a logical channel.
type Message struct {
	Channel string
	Payload []byte
}

// Transport is the boundary between the control plane and the message broker.
type Transport interface {
	// Send publishes payload on channel. A failed send is reported, never retried.
	Send(ctx context.Context, channel string, payload []byte) error
	// Subscribe starts receiving the messages of channels.
	// The subscription is active when Subscribe returns.
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)
	// Close releases the transport.
	Close() error
}

// Subscription represents an active subscription to one or more logical channels.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	messages <-chan Message
	cancel   func()
	done     <-chan struct{}
	once     sync.Once
}

// Messages returns the channel of received messages.
// The channel is closed when the subscription is closed or its context is cancelled.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Close stops the subscription and waits for its goroutine to exit. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisTransport provides instance-scoped Redis Pub/Sub messaging.
// All channels are automatically namespaced with the instance name.
// The transport is thread-safe and can be used concurrently from multiple goroutines.
type RedisTransport struct {
	rdb          *redis.Client
	instanceName string
	ownsClient   bool
}

// NewRedisTransport creates a Redis transport for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: drove instance identifier (must not be empty)
//
// Returns an error if instanceName is empty.
func NewRedisTransport(redisOpts *redis.Options, instanceName string) (*RedisTransport, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &RedisTransport{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		ownsClient:   true,
	}, nil
}

// NewRedisTransportWithClient creates a transport sharing an existing Redis client.
// Closing the transport does not close the client.
func NewRedisTransportWithClient(rdb *redis.Client, instanceName string) (*RedisTransport, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}
	return &RedisTransport{rdb: rdb, instanceName: instanceName}, nil
}

// Client returns the underlying Redis client.
func (t *RedisTransport) Client() *redis.Client {
	return t.rdb
}

// InstanceName returns the namespace of the transport.
func (t *RedisTransport) InstanceName() string {
	return t.instanceName
}

// Ping verifies Redis connectivity. Useful for health checks.
func (t *RedisTransport) Ping(ctx context.Context) error {
	return t.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection when the transport owns it. Implements io.Closer.
func (t *RedisTransport) Close() error {
	if !t.ownsClient {
		return nil
	}
	return t.rdb.Close()
}

// Send publishes payload on drove:{instance}:{channel}.
func (t *RedisTransport) Send(ctx context.Context, channel string, payload []byte) error {
	if err := t.rdb.Publish(ctx, ChannelName(t.instanceName, channel), payload).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("failed to publish on %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to the logical channels and waits for Redis to confirm the
// subscription. Context cancellation also stops the subscription.
//
// Messages are delivered on a buffered channel. If the subscriber is too slow, Redis
// Pub/Sub may drop messages for it.
func (t *RedisTransport) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	names := make([]string, len(channels))
	for i, channel := range channels {
		names[i] = ChannelName(t.instanceName, channel)
	}
	prefix := ChannelName(t.instanceName, "")

	pubsub := t.rdb.Subscribe(ctx, names...)
	// Redis confirms every channel separately. Wait for all of them so that no message
	// sent after Subscribe returns is missed, and keep those already received.
	var pending []Message
	for confirmed := 0; confirmed < len(names); {
		reply, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to subscribe to %v: %w", channels, err)
		}
		switch r := reply.(type) {
		case *redis.Subscription:
			if r.Kind == "subscribe" {
				confirmed++
			}
		case *redis.Message:
			pending = append(pending, toMessage(r, prefix))
		}
	}

	messagesChan := make(chan Message, subscriptionBuffer)
	done := make(chan struct{})

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(messagesChan)
		defer pubsub.Close()

		for _, message := range pending {
			select {
			case messagesChan <- message:
			case <-subCtx.Done():
				return
			}
		}

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				select {
				case messagesChan <- toMessage(msg, prefix):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		messages: messagesChan,
		cancel:   cancelFunc,
		done:     done,
	}, nil
}

func toMessage(msg *redis.Message, prefix string) Message {
	return Message{
		Channel: strings.TrimPrefix(msg.Channel, prefix),
		Payload: []byte(msg.Payload),
	}
}

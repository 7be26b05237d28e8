package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryTransport delivers messages between goroutines of the same process.
// Send blocks while a subscriber's buffer is full, so no message is lost for an
// active subscription.
type MemoryTransport struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscriber]struct{}
	closed bool
}

type memorySubscriber struct {
	inbox chan Message
	done  chan struct{}
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[string]map[*memorySubscriber]struct{})}
}

// Send delivers a copy of payload to every subscriber of channel.
func (t *MemoryTransport) Send(ctx context.Context, channel string, payload []byte) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscriber, 0, len(t.subs[channel]))
	for sub := range t.subs[channel] {
		targets = append(targets, sub)
	}
	t.mu.RUnlock()

	for _, sub := range targets {
		message := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case sub.inbox <- message:
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("failed to send on %s: %w", channel, ctx.Err())
		}
	}
	return nil
}

// Subscribe registers a subscriber on channels.
func (t *MemoryTransport) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel is required")
	}

	sub := &memorySubscriber{
		inbox: make(chan Message, subscriptionBuffer),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	for _, channel := range channels {
		if t.subs[channel] == nil {
			t.subs[channel] = make(map[*memorySubscriber]struct{})
		}
		t.subs[channel][sub] = struct{}{}
	}
	t.mu.Unlock()

	messagesChan := make(chan Message, subscriptionBuffer)
	done := make(chan struct{})
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(messagesChan)
		defer t.unsubscribe(sub, channels)

		for {
			select {
			case <-subCtx.Done():
				return
			case message := <-sub.inbox:
				select {
				case messagesChan <- message:
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

func (t *MemoryTransport) unsubscribe(sub *memorySubscriber, channels []string) {
	close(sub.done)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, channel := range channels {
		delete(t.subs[channel], sub)
		if len(t.subs[channel]) == 0 {
			delete(t.subs, channel)
		}
	}
}

// Close rejects further sends and subscriptions. Active subscriptions stay open until closed.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

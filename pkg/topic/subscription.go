package topic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Subscription is the cursor of one subscriber on a Broadcast.
type Subscription[T any] struct {
	id    string
	topic *Broadcast[T]

	// pollMu serializes the pollers of the same subscription, each value is read once.
	pollMu   sync.Mutex
	cursor   atomic.Int64
	lastSeen atomic.Int64
	polling  atomic.Int32

	done       chan struct{}
	cancelOnce sync.Once
	handlers   sync.WaitGroup
}

// ID returns the subscriber id.
func (s *Subscription[T]) ID() string {
	return s.id
}

// Active reports whether the subscription was neither cancelled nor evicted.
func (s *Subscription[T]) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Poll blocks until the next value is published, the subscription is cancelled,
// the topic is closed or ctx is done.
func (s *Subscription[T]) Poll(ctx context.Context) (T, error) {
	var zero T

	s.polling.Add(1)
	defer s.polling.Add(-1)

	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	for {
		if !s.Active() {
			if s.topic.isClosed() {
				return zero, ErrClosedTopic
			}
			return zero, ErrCancelledSubscription
		}

		cursor := int(s.cursor.Load())
		value, wait, err := s.topic.read(s, cursor)
		if err != nil {
			return zero, err
		}
		if wait == nil {
			s.cursor.Store(int64(cursor + 1))
			s.touch(s.topic.opts.now())
			return value, nil
		}

		select {
		case <-ctx.Done():
			s.touch(s.topic.opts.now())
			return zero, ctx.Err()
		case <-s.done:
		case <-wait:
		}
	}
}

// Cancel releases the subscription: blocked pollers return ErrCancelledSubscription and
// the cursor stops pinning the arena. Cancel returns once the OnReceive loops exited.
func (s *Subscription[T]) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
		s.topic.remove(s)
	})
	s.handlers.Wait()
}

// OnReceive consumes the subscription in a new goroutine, calling handler for every
// value until the subscription is cancelled or the topic closed.
// The handler must not cancel its own subscription.
func (s *Subscription[T]) OnReceive(handler func(T)) {
	s.handlers.Add(1)
	go func() {
		defer s.handlers.Done()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-s.done:
				cancel()
			case <-ctx.Done():
			}
		}()

		for {
			value, err := s.Poll(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) && s.Active() {
					continue
				}
				return
			}
			handler(value)
		}
	}()
}

func (s *Subscription[T]) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

func (s *Subscription[T]) lastActivity() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (t *Broadcast[T]) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

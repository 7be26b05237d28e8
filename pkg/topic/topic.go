// Package topic provides an in-process broadcast topic: a bounded, append-only buffer
// that serves many independently-paced subscribers from one physical slot arena.
//
// Slots are addressed by absolute index. Each subscription owns a cursor (the absolute
// index of the next slot it reads). The retention head trims the oldest slots once the
// topic holds more than its maximal size; the memory of the trimmed prefix is reclaimed
// when no cursor references it anymore.
package topic

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosedTopic is returned by every operation on a closed topic.
	ErrClosedTopic = errors.New("topic is closed")
	// ErrCancelledSubscription is returned when polling a cancelled or evicted subscription.
	ErrCancelledSubscription = errors.New("subscription is cancelled")
)

const (
	minSweepInterval = 10 * time.Millisecond
	// Compaction copies the live part of the arena; it only runs when at least this
	// many slots can be dropped, or half of the arena.
	compactThreshold = 64
)

// Option configures a Broadcast.
type Option func(*options)

type options struct {
	replay  bool
	onEvict func(subscriberID string)
	now     func() time.Time
}

// WithReplay positions new subscribers at the retention head instead of the tail:
// they first receive the values still retained, then the new ones.
func WithReplay() Option {
	return func(o *options) { o.replay = true }
}

// WithEvictionHook registers a function called (outside of any lock) for every
// subscription cancelled by the idle sweeper.
func WithEvictionHook(hook func(subscriberID string)) Option {
	return func(o *options) { o.onEvict = hook }
}

// Broadcast delivers every published value to every subscription active at publication
// time, in publication order.
//
// Publishers are serialized by the topic lock. Readers share a read lock and only
// touch their own cursor.
type Broadcast[T any] struct {
	maximalSize int
	idleTimeout time.Duration
	opts        options

	mu     sync.RWMutex
	slots  []T
	offset int // absolute index of slots[0]
	head   int // absolute index of the oldest retained slot
	subs   map[string]*Subscription[T]
	signal chan struct{}
	closed bool

	stop      chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// New creates a topic retaining at most maximalSize values (unbounded when negative)
// and cancelling subscriptions that stay idle longer than idleTimeout (never when <= 0).
func New[T any](maximalSize int, idleTimeout time.Duration, opts ...Option) *Broadcast[T] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	t := &Broadcast[T]{
		maximalSize: maximalSize,
		idleTimeout: idleTimeout,
		opts:        o,
		subs:        make(map[string]*Subscription[T]),
		signal:      make(chan struct{}),
		stop:        make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	if idleTimeout > 0 {
		go t.sweepLoop(max(idleTimeout/2, minSweepInterval))
	} else {
		close(t.sweepDone)
	}
	return t
}

// Publish appends value at the tail and wakes up the blocked pollers.
func (t *Broadcast[T]) Publish(value T) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosedTopic
	}

	t.slots = append(t.slots, value)
	if t.maximalSize >= 0 {
		if tail := t.tail(); tail-t.head > t.maximalSize {
			t.head = tail - t.maximalSize
		}
	}
	t.compact()

	close(t.signal)
	t.signal = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// Subscribe returns the subscription of subscriberID, creating it when needed.
// Subscribing again with the id of an active subscription returns that same subscription.
func (t *Broadcast[T]) Subscribe(subscriberID string) (*Subscription[T], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosedTopic
	}
	if sub, ok := t.subs[subscriberID]; ok && sub.Active() {
		return sub, nil
	}

	start := t.tail()
	if t.opts.replay {
		start = t.head
	}
	sub := &Subscription[T]{
		id:    subscriberID,
		topic: t,
		done:  make(chan struct{}),
	}
	sub.cursor.Store(int64(start))
	sub.touch(t.opts.now())
	t.subs[subscriberID] = sub
	return sub, nil
}

// Poll reads the next value of the subscription subscriberID.
func (t *Broadcast[T]) Poll(ctx context.Context, subscriberID string) (T, error) {
	var zero T

	t.mu.RLock()
	closed := t.closed
	sub := t.subs[subscriberID]
	t.mu.RUnlock()

	if closed {
		return zero, ErrClosedTopic
	}
	if sub == nil {
		return zero, ErrCancelledSubscription
	}
	return sub.Poll(ctx)
}

// Cancel releases the subscription of subscriberID. Cancelling an unknown id is a no-op.
func (t *Broadcast[T]) Cancel(subscriberID string) {
	t.mu.Lock()
	sub := t.subs[subscriberID]
	t.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
}

// Len returns the number of retained values.
func (t *Broadcast[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tail() - t.head
}

// Close cancels every subscription, stops the idle sweeper and rejects future calls.
// It is safe to call Close more than once.
func (t *Broadcast[T]) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		subs := make([]*Subscription[T], 0, len(t.subs))
		for _, sub := range t.subs {
			subs = append(subs, sub)
		}
		t.mu.Unlock()

		for _, sub := range subs {
			sub.Cancel()
		}
		close(t.stop)
		<-t.sweepDone

		t.mu.Lock()
		t.slots = nil
		t.offset = t.head
		t.mu.Unlock()
	})
}

// tail is the absolute index of the next slot to be written. Caller holds the lock.
func (t *Broadcast[T]) tail() int {
	return t.offset + len(t.slots)
}

// compact drops the arena prefix that neither the retention head nor any cursor
// references. Caller holds the write lock.
func (t *Broadcast[T]) compact() {
	low := t.head
	for _, sub := range t.subs {
		if c := int(sub.cursor.Load()); c < low {
			low = c
		}
	}

	drop := low - t.offset
	if drop <= 0 || (drop < compactThreshold && drop*2 < len(t.slots)) {
		return
	}

	remaining := make([]T, len(t.slots)-drop, cap(t.slots)-drop)
	copy(remaining, t.slots[drop:])
	t.slots = remaining
	t.offset = low
}

// remove forgets sub if it is still the registered subscription of its id.
func (t *Broadcast[T]) remove(sub *Subscription[T]) {
	t.mu.Lock()
	if current, ok := t.subs[sub.id]; ok && current == sub {
		delete(t.subs, sub.id)
	}
	if !t.closed {
		t.compact()
	}
	t.mu.Unlock()
}

func (t *Broadcast[T]) sweepLoop(interval time.Duration) {
	defer close(t.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep(t.opts.now())
		}
	}
}

// sweep cancels the subscriptions idle for longer than the idle timeout.
// A subscription blocked in Poll is waiting for data and is not idle.
func (t *Broadcast[T]) sweep(now time.Time) {
	t.mu.RLock()
	var idle []*Subscription[T]
	for _, sub := range t.subs {
		if sub.polling.Load() > 0 {
			continue
		}
		if now.Sub(sub.lastActivity()) > t.idleTimeout {
			idle = append(idle, sub)
		}
	}
	t.mu.RUnlock()

	for _, sub := range idle {
		sub.Cancel()
		if t.opts.onEvict != nil {
			t.opts.onEvict(sub.id)
		}
	}
}

// read returns the value at the cursor of sub when it is published, and the channel to
// wait on otherwise. A subscription that is no longer registered no longer pins the
// arena: its cursor may point before the offset and is never dereferenced.
func (t *Broadcast[T]) read(sub *Subscription[T], cursor int) (value T, wait <-chan struct{}, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return value, nil, ErrClosedTopic
	}
	if t.subs[sub.id] != sub || cursor < t.offset {
		return value, nil, ErrCancelledSubscription
	}
	if cursor < t.tail() {
		return t.slots[cursor-t.offset], nil, nil
	}
	return value, t.signal, nil
}

// Package broker implements the in-process event broker (C3): topic-addressed
// routing over a set of per-topic bounded work queues, with support for
// cascading publishes from within handler bodies. See spec.md §4.3.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/workqueue"
)

// PublishFunc is handed to handlers so they can cascade-publish additional
// events into the same broker from within their body.
type PublishFunc func(ctx context.Context, evt event.Event) error

// Handler processes a single routed event. pub re-enters the broker's own
// routing pipeline, enabling cascades (spec.md §4.3).
type Handler func(ctx context.Context, evt event.Event, pub PublishFunc) error

// ErrorHook is invoked for routing failures and unhandled handler errors.
// reason distinguishes the two ("routing" vs "handler").
type ErrorHook func(reason string, evt event.Event, err error)

// Subscription configures a single topic registration.
type Subscription struct {
	// Topic is the destination identifier handlers are registered under;
	// matched against event.Event.To.
	Topic string
	// Prefetch bounds the number of concurrent invocations for this topic.
	// Defaults to 1 when <= 0.
	Prefetch int
}

// Broker routes events by destination topic to bounded work queues (C2), one
// per subscribed topic. Safe for concurrent use.
type Broker struct {
	onError ErrorHook

	mu     sync.RWMutex
	queues map[string]*workqueue.Queue
	closed bool

	waitIdleTimeout time.Duration
	waitIdlePoll    time.Duration
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithErrorHook registers the broker-level error hook invoked on routing
// failures and unhandled handler errors.
func WithErrorHook(fn ErrorHook) Option {
	return func(b *Broker) { b.onError = fn }
}

// WithIdleTiming overrides the default WaitIdle timeout/poll interval.
func WithIdleTiming(timeout, poll time.Duration) Option {
	return func(b *Broker) {
		b.waitIdleTimeout = timeout
		b.waitIdlePoll = poll
	}
}

// New constructs an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		queues:          make(map[string]*workqueue.Queue),
		waitIdleTimeout: 30 * time.Second,
		waitIdlePoll:    10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ErrAlreadySubscribed is returned by Subscribe when a topic already has a
// registered handler.
var ErrAlreadySubscribed = errors.New("broker: topic already subscribed")

// ErrEmptyDestination is returned by Publish when evt.To is empty.
var ErrEmptyDestination = errors.New("broker: event.to must not be empty")

// ErrNoSubscriber is wrapped by the error Publish returns when no queue is
// registered for evt.To.
var ErrNoSubscriber = errors.New("broker: no subscriber for destination")

// ErrBrokerClosed is returned by Subscribe once Clear has been called. Publish
// after Clear behaves as for an unknown destination: it invokes the error hook
// with reason "routing" and returns an error wrapping ErrNoSubscriber.
var ErrBrokerClosed = errors.New("broker: closed")

// Unsubscribe removes a topic's handler and drains its pending work.
type Unsubscribe func()

// Subscribe registers handler for sub.Topic. A second subscription to the
// same topic fails with ErrAlreadySubscribed. Returns an unsubscribe
// function.
func (b *Broker) Subscribe(sub Subscription, h Handler) (Unsubscribe, error) {
	if sub.Topic == "" {
		return nil, errors.New("broker: subscription topic must not be empty")
	}
	prefetch := sub.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if _, exists := b.queues[sub.Topic]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, sub.Topic)
	}

	q := workqueue.New(prefetch, func(ctx context.Context, item any) error {
		evt := item.(event.Event)
		err := h(ctx, evt, b.Publish)
		if err != nil && b.onError != nil {
			b.onError("handler", evt, err)
		}
		return err
	})
	b.queues[sub.Topic] = q

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.queues, sub.Topic)
			b.mu.Unlock()
			q.Drain()
		})
	}, nil
}

// Publish routes evt to the queue registered for evt.To. If no queue is
// registered, the error hook is invoked with reason "routing" and the event
// is dropped. Publish never blocks on handler execution — enqueue only
// blocks long enough to hand the item to the queue's internal dispatch.
func (b *Broker) Publish(ctx context.Context, evt event.Event) error {
	if evt.To == "" {
		if b.onError != nil {
			b.onError("routing", evt, ErrEmptyDestination)
		}
		return ErrEmptyDestination
	}

	b.mu.RLock()
	q, ok := b.queues[evt.To]
	closed := b.closed
	b.mu.RUnlock()

	if closed || !ok {
		err := fmt.Errorf("%w %q", ErrNoSubscriber, evt.To)
		if b.onError != nil {
			b.onError("routing", evt, err)
		}
		return err
	}
	q.Enqueue(ctx, evt)
	return nil
}

// Stats reports per-topic queue occupancy.
func (b *Broker) Stats() map[string]workqueue.Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]workqueue.Stats, len(b.queues))
	for topic, q := range b.queues {
		out[topic] = q.Stats()
	}
	return out
}

// idle reports whether every registered topic currently has zero pending and
// zero in-flight work.
func (b *Broker) idle() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, q := range b.queues {
		if !q.Idle() {
			return false
		}
	}
	return true
}

// WaitForIdle blocks until no topic has pending or in-flight work (including
// work produced by cascades scheduled after this call began), observed twice
// in succession, or until the broker's configured timeout elapses.
func (b *Broker) WaitForIdle(ctx context.Context) error {
	return workqueue.WaitIdle(ctx, b.waitIdleTimeout, b.waitIdlePoll, b.idle)
}

// Clear drops all subscriptions and drains pending work. In-flight
// invocations are not interrupted; Clear does not wait for them.
func (b *Broker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.queues {
		q.Drain()
	}
	b.queues = make(map[string]*workqueue.Queue)
	b.closed = true
}

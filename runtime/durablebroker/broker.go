package durablebroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
)

// CompletionHandler receives a terminal event addressed back to the
// external caller that dispatched the originating workflow.
type CompletionHandler func(ctx context.Context, evt event.Event) error

// DomainedEventListener handles an event tagged with a non-empty Domain
// out-of-band, instead of routing it to a handler queue (spec.md §4.7).
type DomainedEventListener func(ctx context.Context, evt event.Event) error

// HandlerNotFoundListener is invoked, and the event dropped, when an
// outbound event's destination matches no registered handler and isn't a
// completion or domained event.
type HandlerNotFoundListener func(ctx context.Context, evt event.Event)

// ContextFromTrace reestablishes a tracing context from an event's trace
// headers before a worker invokes its handler (spec.md §4.7 "Trace
// propagation"). The zero value is a no-op.
type ContextFromTrace func(ctx context.Context, headers event.TraceHeaders) context.Context

var (
	// ErrNoCompletionSink is returned by Dispatch when OnWorkflowComplete
	// has not been called.
	ErrNoCompletionSink = errors.New("durablebroker: no completion sink registered")
	// ErrSourceMismatch is returned by Dispatch when evt.Source does not
	// equal the registered completion source.
	ErrSourceMismatch = errors.New("durablebroker: event source does not match the registered completion source")
	// ErrDestinationNotRegistered is returned by Dispatch when evt.To
	// matches no registered handler. Internal routing does not return it:
	// such events go to the handler-not-found listener and are dropped.
	ErrDestinationNotRegistered = errors.New("durablebroker: destination not registered")
)

type registration struct {
	queueOpts  QueueOptions
	workerOpts WorkerOptions
	handler    broker.Handler
}

// Broker is the durable, Postgres-job-queue-backed event broker (C7).
type Broker struct {
	queue JobQueue

	mu               sync.RWMutex
	completionSource string
	completionSink   CompletionHandler
	handlers         map[string]registration
	domainedListener DomainedEventListener
	notFoundListener HandlerNotFoundListener
	contextFromTrace ContextFromTrace
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithDomainedEventListener registers the out-of-band domained-event
// handler.
func WithDomainedEventListener(l DomainedEventListener) Option {
	return func(b *Broker) { b.domainedListener = l }
}

// WithHandlerNotFoundListener registers the drop-and-notify hook for
// unroutable outbound events.
func WithHandlerNotFoundListener(l HandlerNotFoundListener) Option {
	return func(b *Broker) { b.notFoundListener = l }
}

// WithTraceContext installs the hook used to reestablish tracing context
// from a job's originating event before invoking its handler.
func WithTraceContext(fn ContextFromTrace) Option {
	return func(b *Broker) { b.contextFromTrace = fn }
}

// New constructs a Broker atop queue.
func New(queue JobQueue, opts ...Option) *Broker {
	b := &Broker{
		queue:    queue,
		handlers: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OnWorkflowComplete registers the completion sink: source is the identity
// external callers must dispatch as, and sink receives every event a
// handler later addresses back (by setting its own emitted event's Source
// to source) as the terminal result.
func (b *Broker) OnWorkflowComplete(source string, sink CompletionHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.completionSource = source
	b.completionSink = sink
}

// RegisterHandler creates (or recreates) a named queue and associates
// handler with it. Call Start to begin consuming.
func (b *Broker) RegisterHandler(ctx context.Context, queueName string, qOpts QueueOptions, wOpts WorkerOptions, h broker.Handler) error {
	if err := b.queue.CreateQueue(ctx, queueName, qOpts); err != nil {
		return fmt.Errorf("durablebroker: create queue %s: %w", queueName, err)
	}
	b.mu.Lock()
	b.handlers[queueName] = registration{queueOpts: qOpts, workerOpts: wOpts, handler: h}
	b.mu.Unlock()
	return nil
}

// Dispatch validates and enqueues an externally-originated event, per
// spec.md §4.7's three dispatch rules. This is how work is injected into
// the durable broker from outside (e.g. an HTTP handler).
func (b *Broker) Dispatch(ctx context.Context, evt event.Event) error {
	b.mu.RLock()
	sink := b.completionSink
	source := b.completionSource
	_, registered := b.handlers[evt.To]
	b.mu.RUnlock()

	if sink == nil {
		return ErrNoCompletionSink
	}
	if evt.Source != source {
		return ErrSourceMismatch
	}
	if !registered {
		return ErrDestinationNotRegistered
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("durablebroker: marshal dispatch event: %w", err)
	}
	_, err = b.queue.Send(ctx, evt.To, payload, JobOptions{})
	if err != nil {
		return fmt.Errorf("durablebroker: send to %s: %w", evt.To, err)
	}
	return nil
}

// Start launches one worker pool per registered handler. Blocks until ctx
// is canceled; typically run in its own goroutine by the caller.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.RLock()
	regs := make(map[string]registration, len(b.handlers))
	for name, reg := range b.handlers {
		regs[name] = reg
	}
	b.mu.RUnlock()

	errCh := make(chan error, len(regs))
	for name, reg := range regs {
		name, reg := name, reg
		go func() {
			errCh <- b.queue.Work(ctx, name, reg.workerOpts, func(ctx context.Context, job Job) error {
				return b.invoke(ctx, reg.handler, job)
			})
		}()
	}
	for range regs {
		if err := <-errCh; err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) invoke(ctx context.Context, h broker.Handler, job Job) error {
	var evt event.Event
	if err := json.Unmarshal(job.Payload, &evt); err != nil {
		return fmt.Errorf("durablebroker: unmarshal job payload: %w", err)
	}
	if b.contextFromTrace != nil {
		ctx = b.contextFromTrace(ctx, evt.Trace)
	}
	return h(ctx, evt, b.route)
}

// route implements spec.md §4.7's "Event routing inside handlers": domained
// events go to the domained-event listener, events addressed back to the
// completion source go to the completion sink, events whose destination
// matches a registered queue are enqueued there, and everything else is
// dropped via the handler-not-found listener.
func (b *Broker) route(ctx context.Context, evt event.Event) error {
	b.mu.RLock()
	domainedListener := b.domainedListener
	sink := b.completionSink
	source := b.completionSource
	_, registered := b.handlers[evt.To]
	notFoundListener := b.notFoundListener
	b.mu.RUnlock()

	switch {
	case evt.Domain != "":
		if domainedListener == nil {
			return nil
		}
		return domainedListener(ctx, evt)
	case sink != nil && evt.Source == source:
		return sink(ctx, evt)
	case registered:
		payload, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("durablebroker: marshal routed event: %w", err)
		}
		_, err = b.queue.Send(ctx, evt.To, payload, JobOptions{})
		if err != nil {
			return fmt.Errorf("durablebroker: send to %s: %w", evt.To, err)
		}
		return nil
	default:
		if notFoundListener != nil {
			notFoundListener(ctx, evt)
		}
		return nil
	}
}

// GetStats returns per-registered-queue active/queued counts.
func (b *Broker) GetStats(ctx context.Context) (map[string]QueueStats, error) {
	b.mu.RLock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	b.mu.RUnlock()

	stats := make(map[string]QueueStats, len(names))
	for _, name := range names {
		s, err := b.queue.GetQueueStats(ctx, name)
		if err != nil {
			return nil, err
		}
		stats[name] = s
	}
	return stats, nil
}

package broker

import (
	"context"
	"errors"
	"sync"

	"goa.design/substrate/runtime/event"
)

// ErrSourceConflict is returned by Resolve when the injected event's Source
// equals a registered handler's source, which would make the caller
// indistinguishable from a handler and could starve the resolve wait.
var ErrSourceConflict = errors.New("broker: resolve source conflicts with a registered handler")

// externalSource is a reserved topic used internally by Resolve to capture
// the terminal/completion event addressed back to the external caller.
const externalSource = "__broker_resolve__"

// Resolve injects evt, waits for the broker to go idle, and returns the first
// event observed whose destination is the external caller (evt.To set to
// ExternalDestination by the handler chain). Events carrying a non-empty
// Domain tag are routed by their To field like any other event and are not
// captured. It returns ErrSourceConflict if evt.Source is one of
// handlerSources.
func (b *Broker) Resolve(ctx context.Context, evt event.Event, handlerSources map[string]struct{}) (event.Event, error) {
	if _, conflict := handlerSources[evt.Source]; conflict {
		return event.Event{}, ErrSourceConflict
	}

	var (
		mu       sync.Mutex
		captured event.Event
		got      bool
	)

	unsub, err := b.Subscribe(Subscription{Topic: externalSource, Prefetch: 1}, func(_ context.Context, e event.Event, _ PublishFunc) error {
		mu.Lock()
		if !got {
			captured = e
			got = true
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		return event.Event{}, err
	}
	defer unsub()

	if err := b.Publish(ctx, evt); err != nil {
		return event.Event{}, err
	}
	if err := b.WaitForIdle(ctx); err != nil {
		return event.Event{}, err
	}

	mu.Lock()
	defer mu.Unlock()
	if !got {
		return event.Event{}, errors.New("broker: resolve observed no event addressed to the external destination")
	}
	return captured, nil
}

// ExternalDestination is the topic handlers must address completion events to
// in order for them to be captured by Resolve.
const ExternalDestination = externalSource

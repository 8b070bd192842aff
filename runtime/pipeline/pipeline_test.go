package pipeline_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/pipeline"
)

func TestInputMiddlewareAppliedBeforeBody(t *testing.T) {
	var seenSource string
	h, err := pipeline.Build(pipeline.Config{
		Input: func(ctx context.Context, evt event.Event) (event.Event, error) {
			evt.Source = "rewritten"
			return evt, nil
		},
		Body: func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			seenSource = evt.Source
			return nil, nil
		},
	})
	require.NoError(t, err)

	evt, _ := event.New("t", "orig", "dest", "s", nil)
	require.NoError(t, h(context.Background(), evt, func(context.Context, event.Event) error { return nil }))
	assert.Equal(t, "rewritten", seenSource)
}

func TestRetryThenSuccess(t *testing.T) {
	var calls int
	var slept []time.Duration
	h, err := pipeline.Build(pipeline.Config{
		Body: func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
		Retry: &pipeline.RetryPolicy{
			MaxRetries:      5,
			InitialDelay:    time.Millisecond,
			BackoffExponent: 2,
			Sleep:           func(d time.Duration) { slept = append(slept, d) },
		},
	})
	require.NoError(t, err)

	evt, _ := event.New("t", "s", "d", "subj", nil)
	require.NoError(t, h(context.Background(), evt, func(context.Context, event.Event) error { return nil }))
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, slept)
}

func TestOnErrorSuppressSwallows(t *testing.T) {
	h, err := pipeline.Build(pipeline.Config{
		Body: func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			return nil, errors.New("boom")
		},
		OnError: func(ctx context.Context, evt event.Event, err error) pipeline.Disposition {
			return pipeline.Suppress
		},
	})
	require.NoError(t, err)
	evt, _ := event.New("t", "s", "d", "subj", nil)
	assert.NoError(t, h(context.Background(), evt, func(context.Context, event.Event) error { return nil }))
}

func TestOnErrorDefaultThrows(t *testing.T) {
	h, err := pipeline.Build(pipeline.Config{
		Body: func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			return nil, errors.New("boom")
		},
	})
	require.NoError(t, err)
	evt, _ := event.New("t", "s", "d", "subj", nil)
	assert.Error(t, h(context.Background(), evt, func(context.Context, event.Event) error { return nil }))
}

func TestOutputMiddlewareBothSetRejected(t *testing.T) {
	_, err := pipeline.Build(pipeline.Config{
		Body:           func(ctx context.Context, evt event.Event) ([]event.Event, error) { return nil, nil },
		PerEventOutput: func(ctx context.Context, out event.Event) (event.Event, error) { return out, nil },
		BulkOutput:     func(ctx context.Context, outs []event.Event) ([]event.Event, error) { return outs, nil },
	})
	assert.ErrorIs(t, err, pipeline.ErrBothOutputMiddlewareSet)
}

func TestPublishOrderPreserved(t *testing.T) {
	h, err := pipeline.Build(pipeline.Config{
		Body: func(ctx context.Context, evt event.Event) ([]event.Event, error) {
			a, _ := event.New("a", "s", "d1", evt.Subject, nil)
			b, _ := event.New("b", "s", "d2", evt.Subject, nil)
			return []event.Event{a, b}, nil
		},
	})
	require.NoError(t, err)

	var order []string
	evt, _ := event.New("t", "s", "d", "subj", nil)
	require.NoError(t, h(context.Background(), evt, func(_ context.Context, out event.Event) error {
		order = append(order, out.Type)
		return nil
	}))
	assert.Equal(t, []string{"a", "b"}, order)
}

var _ broker.Handler = nil // ensure Build's return type matches broker.Handler

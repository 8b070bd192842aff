package handler_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/handler"
	"goa.design/substrate/runtime/memory"
	"goa.design/substrate/runtime/memory/inmem"
)

type agentState struct {
	Step int `json:"step"`
}

// TestSuspendResumeRoundTrip exercises scenario S5's shape at the protocol
// layer: init suspends on one service call; the reply resumes the handler,
// which emits a final completion event whose subject matches the init
// event's subject (spec.md §8 invariant 6).
func TestSuspendResumeRoundTrip(t *testing.T) {
	store := inmem.New()
	b := broker.New()

	body := func(ctx context.Context, state json.RawMessage, trig handler.Trigger) (handler.Result, error) {
		switch trig.Kind {
		case handler.TriggerInit:
			ctxData, _ := json.Marshal(agentState{Step: 1})
			return handler.Result{
				Context: ctxData,
				Services: []handler.ServiceRequest{
					{ID: "call-1", Type: "worker", Data: json.RawMessage(`{"op":"add"}`)},
				},
			}, nil
		case handler.TriggerResume:
			require.Len(t, trig.Replies, 1)
			assert.Equal(t, "call-1", trig.Replies[0].ID)
			ctxData, _ := json.Marshal(agentState{Step: 2})
			return handler.Result{
				Context: ctxData,
				Output:  &handler.Output{Type: "agent.done", Data: json.RawMessage(`{"result":42}`)},
			}, nil
		}
		t.Fatalf("unexpected trigger kind %v", trig.Kind)
		return handler.Result{}, nil
	}

	cfg := handler.Config{
		Store: store,
		Lock:  memory.LockConfig{TTL: 0},
		Source: "agent",
		OutputDestination: func(in event.Event) string { return "sink" },
		ServiceDestination: func(serviceType string) string { return serviceType },
	}

	_, err := b.Subscribe(broker.Subscription{Topic: "agent", Prefetch: 1}, handler.Build(cfg, body))
	require.NoError(t, err)

	_, err = b.Subscribe(broker.Subscription{Topic: "worker", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		out, err := evt.Reply("worker", "agent", "worker.result", map[string]int{"sum": 42})
		if err != nil {
			return err
		}
		return pub(ctx, out)
	})
	require.NoError(t, err)

	var finalEvt event.Event
	var gotFinal bool
	_, err = b.Subscribe(broker.Subscription{Topic: "sink", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		finalEvt = evt
		gotFinal = true
		return nil
	})
	require.NoError(t, err)

	kick, err := event.New("agent.start", "ext", "agent", "subj-1", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), kick))
	require.NoError(t, b.WaitForIdle(context.Background()))

	require.True(t, gotFinal)
	assert.Equal(t, "subj-1", finalEvt.Subject)
	assert.Equal(t, "agent.done", finalEvt.Type)

	rec, err := store.Read(context.Background(), "subj-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
}

// TestPartialArrivalStaysSuspended verifies that when a handler awaits two
// service calls, a single arriving reply does not advance the loop.
func TestPartialArrivalStaysSuspended(t *testing.T) {
	store := inmem.New()
	b := broker.New()

	var resumed int
	body := func(ctx context.Context, state json.RawMessage, trig handler.Trigger) (handler.Result, error) {
		if trig.Kind == handler.TriggerInit {
			return handler.Result{
				Context: json.RawMessage(`{}`),
				Services: []handler.ServiceRequest{
					{ID: "call-1", Type: "worker"},
					{ID: "call-2", Type: "worker"},
				},
			}, nil
		}
		resumed++
		require.Len(t, trig.Replies, 2)
		return handler.Result{Context: json.RawMessage(`{}`), Output: &handler.Output{Type: "done"}}, nil
	}

	cfg := handler.Config{
		Store:              store,
		Lock:               memory.LockConfig{TTL: 0},
		Source:             "agent",
		OutputDestination:  func(in event.Event) string { return "sink" },
		ServiceDestination: func(serviceType string) string { return serviceType },
	}
	_, err := b.Subscribe(broker.Subscription{Topic: "agent", Prefetch: 1}, handler.Build(cfg, body))
	require.NoError(t, err)

	var workerCalls int
	_, err = b.Subscribe(broker.Subscription{Topic: "worker", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		workerCalls++
		// Only reply to the first call; the second never arrives, so the
		// handler must remain suspended.
		if evt.ID != "call-1" {
			return nil
		}
		out, err := evt.Reply("worker", "agent", "worker.result", nil)
		if err != nil {
			return err
		}
		return pub(ctx, out)
	})
	require.NoError(t, err)
	_, err = b.Subscribe(broker.Subscription{Topic: "sink", Prefetch: 1}, func(context.Context, event.Event, broker.PublishFunc) error { return nil })
	require.NoError(t, err)

	kick, err := event.New("agent.start", "ext", "agent", "subj-2", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), kick))
	require.NoError(t, b.WaitForIdle(context.Background()))

	assert.Equal(t, 2, workerCalls)
	assert.Equal(t, 0, resumed)
}

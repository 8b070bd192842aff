package agentloop_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/substrate/runtime/agentloop"
	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/handler"
	"goa.design/substrate/runtime/memory"
	"goa.design/substrate/runtime/memory/inmem"
)

// scriptModel plays back a fixed sequence of CompletionResponses, one per
// call to Complete, regardless of the request contents — sufficient to
// drive the cognitive loop through a scripted scenario deterministically.
type scriptModel struct {
	mu        sync.Mutex
	i         int
	responses []agentloop.CompletionResponse
}

func (m *scriptModel) Complete(ctx context.Context, _ agentloop.CompletionRequest) (agentloop.CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.responses[m.i]
	m.i++
	return r, nil
}

func passthroughOutput(final json.RawMessage) agentloop.OutputResult {
	return agentloop.OutputResult{Data: final}
}

func buildContext(input json.RawMessage) (*string, []agentloop.Message, error) {
	sys := "you are a helpful agent"
	return &sys, []agentloop.Message{{Type: agentloop.MessageText, Role: agentloop.RoleUser, Text: string(input)}}, nil
}

// TestServiceCallSuspendResume is scenario S5: a human-review tool call
// (priority 100) and a calculator tool call (priority 0) are both requested
// on the first turn; only the human-review call is dispatched. After its
// reply, the calculator call is dispatched; after its reply, completion is
// emitted with the init subject preserved.
func TestServiceCallSuspendResume(t *testing.T) {
	store := inmem.New()
	b := broker.New()

	model := &scriptModel{responses: []agentloop.CompletionResponse{
		{ToolCalls: []agentloop.ToolCall{
			{ID: "call-review", Name: "human_review", Input: json.RawMessage(`{}`)},
			{ID: "call-calc", Name: "calculator", Input: json.RawMessage(`{}`)},
		}},
		{ToolCalls: []agentloop.ToolCall{
			{ID: "call-calc-2", Name: "calculator", Input: json.RawMessage(`{"op":"add"}`)},
		}},
		{Final: json.RawMessage(`{"answer":42}`)},
	}}

	catalog := agentloop.Catalog{
		"human_review": {Name: "human_review", ServerConfig: agentloop.ServerConfig{
			Kind: agentloop.ToolKindArvo, Priority: 100, Domain: "human.review",
		}},
		"calculator": {Name: "calculator", ServerConfig: agentloop.ServerConfig{
			Kind: agentloop.ToolKindArvo, Priority: 0,
		}},
	}

	loopBody := agentloop.Build(agentloop.Config{
		ContextBuilder:      buildContext,
		OutputBuilder:       passthroughOutput,
		OutputEventType:     "agent.done",
		Model:               model,
		Tools:               catalog,
		MaxToolInteractions: 10,
	})

	cfg := handler.Config{
		Store:  store,
		Lock:   memory.LockConfig{TTL: 0},
		Source: "agent",
		OutputDestination: func(event.Event) string { return "sink" },
		ServiceDestination: func(serviceType string) string {
			if serviceType == "human_review" {
				return "human-review"
			}
			return "worker"
		},
	}
	_, err := b.Subscribe(broker.Subscription{Topic: "agent", Prefetch: 1}, handler.Build(cfg, loopBody))
	require.NoError(t, err)

	var reviewCalls []event.Event
	_, err = b.Subscribe(broker.Subscription{Topic: "human-review", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		reviewCalls = append(reviewCalls, evt)
		out, err := evt.Reply("human-review", "agent", "human_review.result", map[string]bool{"approved": true})
		if err != nil {
			return err
		}
		return pub(ctx, out)
	})
	require.NoError(t, err)

	var workerCalls []event.Event
	_, err = b.Subscribe(broker.Subscription{Topic: "worker", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		workerCalls = append(workerCalls, evt)
		out, err := evt.Reply("worker", "agent", "calculator.result", map[string]int{"sum": 42})
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

	kick, err := event.New("agent.start", "ext", "agent", "subj-1", map[string]string{"message": "plan and then act"})
	require.NoError(t, err)
	kick.AccessControl = "xyz"
	require.NoError(t, b.Publish(context.Background(), kick))
	require.NoError(t, b.WaitForIdle(context.Background()))

	require.Len(t, reviewCalls, 1)
	assert.Equal(t, "human.review", reviewCalls[0].Domain)
	assert.Equal(t, "xyz", reviewCalls[0].AccessControl)

	require.Len(t, workerCalls, 1)
	assert.Equal(t, "call-calc-2", workerCalls[0].ID)

	require.True(t, gotFinal)
	assert.Equal(t, "subj-1", finalEvt.Subject)
	assert.Equal(t, "agent.done", finalEvt.Type)
}

// permissionManagerStub implements a minimal permission gate for S6: tools
// named in requiresApproval and not yet classified are Requestable; other
// tools are left out of the returned map and so run as granted. The
// classification a prior Set call recorded is remembered via the
// authorization map agentloop threads back in.
type permissionManagerStub struct {
	requiresApproval map[string]bool
}

func (permissionManagerStub) ContractType() string {
	return "arvo.default.simple.permission.request"
}

func (p permissionManagerStub) Get(_ context.Context, known map[string]agentloop.PermissionDecision, candidates []agentloop.ToolSpec) (map[string]agentloop.PermissionDecision, error) {
	out := make(map[string]agentloop.PermissionDecision, len(candidates))
	for _, c := range candidates {
		if d, ok := known[c.Name]; ok {
			out[c.Name] = d
			continue
		}
		if p.requiresApproval[c.Name] {
			out[c.Name] = agentloop.PermissionRequestable
		}
	}
	return out, nil
}

func (permissionManagerStub) RequestBuilder(_ context.Context, requestable []agentloop.ToolSpec) (json.RawMessage, error) {
	names := make([]string, len(requestable))
	for i, spec := range requestable {
		names[i] = spec.Name
	}
	return json.Marshal(map[string][]string{"tools": names})
}

func (permissionManagerStub) Set(_ context.Context, reply json.RawMessage) (map[string]agentloop.PermissionDecision, error) {
	var payload struct {
		Granted []string `json:"granted"`
		Denied  []string `json:"denied"`
	}
	if err := json.Unmarshal(reply, &payload); err != nil {
		return nil, err
	}
	out := make(map[string]agentloop.PermissionDecision, len(payload.Granted)+len(payload.Denied))
	for _, n := range payload.Granted {
		out[n] = agentloop.PermissionGranted
	}
	for _, n := range payload.Denied {
		out[n] = agentloop.PermissionDenied
	}
	return out, nil
}

// TestPermissionGating is scenario S6: calculator and search_astro_docs both
// require approval. After the permission reply grants calculator and denies
// search_astro_docs, the agent retries and emits only the calculator
// service event; completion carries the original accesscontrol.
func TestPermissionGating(t *testing.T) {
	store := inmem.New()
	b := broker.New()

	model := &scriptModel{responses: []agentloop.CompletionResponse{
		{ToolCalls: []agentloop.ToolCall{{ID: "call-review", Name: "human_review", Input: json.RawMessage(`{}`)}}},
		{ToolCalls: []agentloop.ToolCall{
			{ID: "call-calc", Name: "calculator", Input: json.RawMessage(`{}`)},
			{ID: "call-search", Name: "search_astro_docs", Input: json.RawMessage(`{}`)},
		}},
		{ToolCalls: []agentloop.ToolCall{
			{ID: "call-calc-2", Name: "calculator", Input: json.RawMessage(`{}`)},
			{ID: "call-search-2", Name: "search_astro_docs", Input: json.RawMessage(`{}`)},
		}},
		{Final: json.RawMessage(`{"answer":"done"}`)},
	}}

	catalog := agentloop.Catalog{
		"human_review":      {Name: "human_review", ServerConfig: agentloop.ServerConfig{Kind: agentloop.ToolKindArvo, Priority: 100, Domain: "human.review"}},
		"calculator":        {Name: "calculator", ServerConfig: agentloop.ServerConfig{Kind: agentloop.ToolKindArvo, Priority: 0}},
		"search_astro_docs": {Name: "search_astro_docs", ServerConfig: agentloop.ServerConfig{Kind: agentloop.ToolKindArvo, Priority: 0}},
	}

	loopBody := agentloop.Build(agentloop.Config{
		ContextBuilder:      buildContext,
		OutputBuilder:       passthroughOutput,
		OutputEventType:     "agent.done",
		Model:               model,
		Tools:               catalog,
		Permission:          permissionManagerStub{requiresApproval: map[string]bool{"calculator": true, "search_astro_docs": true}},
		MaxToolInteractions: 10,
	})

	cfg := handler.Config{
		Store:  store,
		Lock:   memory.LockConfig{TTL: 0},
		Source: "agent",
		OutputDestination: func(event.Event) string { return "sink" },
		ServiceDestination: func(serviceType string) string {
			switch serviceType {
			case "human_review":
				return "human-review"
			case "arvo.default.simple.permission.request":
				return "permission-manager"
			default:
				return "worker"
			}
		},
	}
	_, err := b.Subscribe(broker.Subscription{Topic: "agent", Prefetch: 1}, handler.Build(cfg, loopBody))
	require.NoError(t, err)

	_, err = b.Subscribe(broker.Subscription{Topic: "human-review", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		out, err := evt.Reply("human-review", "agent", "human_review.result", map[string]bool{"approved": true})
		if err != nil {
			return err
		}
		return pub(ctx, out)
	})
	require.NoError(t, err)

	var permissionCalls int
	_, err = b.Subscribe(broker.Subscription{Topic: "permission-manager", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		permissionCalls++
		out, err := evt.Reply("permission-manager", "agent", "arvo.default.simple.permission.request", map[string]any{
			"granted": []string{"calculator"},
			"denied":  []string{"search_astro_docs"},
		})
		if err != nil {
			return err
		}
		return pub(ctx, out)
	})
	require.NoError(t, err)

	var workerCalls []event.Event
	_, err = b.Subscribe(broker.Subscription{Topic: "worker", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		workerCalls = append(workerCalls, evt)
		out, err := evt.Reply("worker", "agent", evt.Type+".result", map[string]int{"sum": 1})
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

	kick, err := event.New("agent.start", "ext", "agent", "subj-2", map[string]string{"message": "go"})
	require.NoError(t, err)
	kick.AccessControl = "xyz"
	require.NoError(t, b.Publish(context.Background(), kick))
	require.NoError(t, b.WaitForIdle(context.Background()))

	assert.Equal(t, 1, permissionCalls)
	require.Len(t, workerCalls, 1)
	assert.Equal(t, "calculator", workerCalls[0].Type)

	require.True(t, gotFinal)
	assert.Equal(t, "subj-2", finalEvt.Subject)
	assert.Equal(t, "xyz", finalEvt.AccessControl)
}

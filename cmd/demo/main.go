// Command demo runs a single agent turn through the full substrate stack:
// broker -> resumable handler -> agent orchestration loop, backed by an
// in-memory durable store. It exists to give the runtime packages an
// end-to-end, runnable exercise rather than leaving them reachable only
// from unit tests.
//
// # Scenario
//
// The demo agent is asked to add two numbers. Its catalog exposes one
// internal tool (calculator, resolved in-process) and one arvo tool
// (human_review, dispatched as a suspending service call to a second
// subscriber standing in for a human-in-the-loop service). The scripted
// model client first calls human_review, then calculator, then answers.
//
// # Configuration
//
// Environment variables:
//
//	DEMO_SUBJECT  - subject ID for the run (default: "demo-1")
//	DEMO_MESSAGE  - the user message to seed the run with (default: "add 19 and 23")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"goa.design/substrate/runtime/agentloop"
	"goa.design/substrate/runtime/broker"
	"goa.design/substrate/runtime/event"
	"goa.design/substrate/runtime/handler"
	"goa.design/substrate/runtime/memory"
	"goa.design/substrate/runtime/memory/inmem"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	subject := envOr("DEMO_SUBJECT", "demo-1")
	message := envOr("DEMO_MESSAGE", "add 19 and 23")

	ctx := context.Background()
	store := inmem.New()
	b := broker.New()

	catalog := agentloop.Catalog{
		"calculator": {
			Name:        "calculator",
			Description: "adds two integers",
			ServerConfig: agentloop.ServerConfig{
				Kind: agentloop.ToolKindInternal, Priority: 0,
			},
		},
		"human_review": {
			Name:        "human_review",
			Description: "asks a human to approve the plan before execution",
			ServerConfig: agentloop.ServerConfig{
				Kind: agentloop.ToolKindArvo, Priority: 100, Domain: "human.review",
			},
		},
	}

	model := &scriptedModel{}

	loopBody := agentloop.Build(agentloop.Config{
		ContextBuilder: func(input json.RawMessage) (*string, []agentloop.Message, error) {
			sys := "you are a helpful assistant with a calculator tool"
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, nil, fmt.Errorf("decode init input: %w", err)
			}
			return &sys, []agentloop.Message{{
				Type: agentloop.MessageText, Role: agentloop.RoleUser, Text: in.Message,
			}}, nil
		},
		OutputBuilder: func(final json.RawMessage) agentloop.OutputResult {
			return agentloop.OutputResult{Data: final}
		},
		OutputEventType: "agent.done",
		Model:           model,
		Tools:           catalog,
		InternalTools: map[string]agentloop.InternalTool{
			"calculator": calculatorTool,
		},
		MaxToolInteractions: 10,
	})

	cfg := handler.Config{
		Store:  store,
		Lock:   memory.LockConfig{TTL: 0},
		Source: "agent",
		OutputDestination: func(event.Event) string { return "console" },
		ServiceDestination: func(serviceType string) string {
			if serviceType == "human_review" {
				return "human-review"
			}
			return "agent"
		},
	}
	if _, err := b.Subscribe(broker.Subscription{Topic: "agent", Prefetch: 1}, handler.Build(cfg, loopBody)); err != nil {
		return fmt.Errorf("subscribe agent: %w", err)
	}

	if _, err := b.Subscribe(broker.Subscription{Topic: "human-review", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		log.Printf("human-review: approving plan for subject %s", evt.Subject)
		out, err := evt.Reply("human-review", "agent", "human_review.result", map[string]bool{"approved": true})
		if err != nil {
			return err
		}
		return pub(ctx, out)
	}); err != nil {
		return fmt.Errorf("subscribe human-review: %w", err)
	}

	done := make(chan struct{})
	if _, err := b.Subscribe(broker.Subscription{Topic: "console", Prefetch: 1}, func(ctx context.Context, evt event.Event, pub broker.PublishFunc) error {
		log.Printf("agent.done: subject=%s data=%s", evt.Subject, string(evt.Data))
		close(done)
		return nil
	}); err != nil {
		return fmt.Errorf("subscribe console: %w", err)
	}

	kick, err := event.New("agent.start", "cli", "agent", subject, map[string]string{"message": message})
	if err != nil {
		return fmt.Errorf("build init event: %w", err)
	}
	if err := b.Publish(ctx, kick); err != nil {
		return fmt.Errorf("publish init event: %w", err)
	}
	if err := b.WaitForIdle(ctx); err != nil {
		return fmt.Errorf("wait for idle: %w", err)
	}
	<-done
	return nil
}

// scriptedModel stands in for a real ModelClient: it always asks for human
// review first, then invokes the calculator, then answers. A production
// agent wires a real provider (e.g. an HTTP client to a hosted model)
// behind the same agentloop.ModelClient interface.
type scriptedModel struct {
	turn int
}

func (m *scriptedModel) Complete(ctx context.Context, req agentloop.CompletionRequest) (agentloop.CompletionResponse, error) {
	m.turn++
	switch m.turn {
	case 1:
		return agentloop.CompletionResponse{ToolCalls: []agentloop.ToolCall{
			{ID: "call-review", Name: "human_review", Input: json.RawMessage(`{}`)},
		}}, nil
	case 2:
		return agentloop.CompletionResponse{ToolCalls: []agentloop.ToolCall{
			{ID: "call-calc", Name: "calculator", Input: json.RawMessage(`{"a":19,"b":23}`)},
		}}, nil
	default:
		return agentloop.CompletionResponse{Final: json.RawMessage(`{"answer":"42"}`)}, nil
	}
}

func calculatorTool(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in struct {
		A, B int
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode calculator input: %w", err)
	}
	return json.Marshal(map[string]int{"sum": in.A + in.B})
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"goa.design/substrate/runtime/handler"
)

// ErrBudgetExhausted is thrown when the cognitive loop runs maxToolInteractions
// turns without producing a final output (spec.md §4.8 step 4).
var ErrBudgetExhausted = errors.New("agentloop: tool interaction budget exhausted")

const limitReachedNotice = "tool-limit-reached: synthesize a final answer now from the information already gathered; no further tool calls will be executed."

// Config assembles the version-specific pieces a concrete agent supplies
// around the agent-agnostic cognitive loop.
type Config struct {
	// ContextBuilder derives system/messages from the init event's input.
	ContextBuilder ContextBuilder
	// OutputBuilder validates/transforms the LLM's final content block.
	OutputBuilder OutputBuilder
	// OutputEventType is the completion event's Type.
	OutputEventType string

	Model ModelClient
	Tools Catalog

	InternalTools map[string]InternalTool
	MCP           MCPClient

	// Permission gates tool execution; nil means every tool is granted.
	Permission PermissionManager

	// MaxToolInteractions bounds the number of LLM round trips. <=0 means
	// unbounded.
	MaxToolInteractions int
}

// Build composes cfg into a handler.Body implementing the Agent
// Orchestration Loop (C8), suitable for handler.Build.
func Build(cfg Config) handler.Body {
	return func(ctx context.Context, state json.RawMessage, trigger handler.Trigger) (handler.Result, error) {
		var actx AgentContext

		switch trigger.Kind {
		case handler.TriggerInit:
			system, messages, err := cfg.ContextBuilder(trigger.Input)
			if err != nil {
				return handler.Result{}, fmt.Errorf("agentloop: build context: %w", err)
			}
			actx = AgentContext{
				System:           system,
				Messages:         messages,
				ToolInteractions: ToolBudget{Max: cfg.MaxToolInteractions},
			}
			actx.CurrentSubject, actx.InitEventAccessControl = initPassthrough(trigger.Input)

		case handler.TriggerResume:
			if len(state) == 0 {
				return handler.Result{}, fmt.Errorf("agentloop: resume with no prior context")
			}
			if err := json.Unmarshal(state, &actx); err != nil {
				return handler.Result{}, fmt.Errorf("agentloop: decode context: %w", err)
			}
			if err := applyReplies(ctx, cfg, &actx, trigger.Replies); err != nil {
				return handler.Result{}, err
			}
		}

		return runTurn(ctx, cfg, actx)
	}
}

// runTurn drives the cognitive loop (spec.md §4.8 step 2-4) until it must
// either suspend on one or more service/permission calls, produce a final
// output, or exhaust its budget.
func runTurn(ctx context.Context, cfg Config, actx AgentContext) (handler.Result, error) {
	for {
		for i := range actx.Messages {
			actx.Messages[i].SeenCount++
		}

		bounded := cfg.MaxToolInteractions > 0
		if bounded && actx.ToolInteractions.Current >= actx.ToolInteractions.Max {
			return handler.Result{}, fmt.Errorf("%w: used all %d turns", ErrBudgetExhausted, actx.ToolInteractions.Max)
		}

		reqSystem := actx.System
		if bounded && actx.ToolInteractions.Current == actx.ToolInteractions.Max-1 {
			reqSystem = withLimitNotice(actx.System)
		}
		actx.ToolInteractions.Current++

		resp, err := cfg.Model.Complete(ctx, CompletionRequest{
			System:   reqSystem,
			Messages: actx.Messages,
			Tools:    cfg.Tools.list(),
		})
		if err != nil {
			return handler.Result{}, fmt.Errorf("agentloop: model completion: %w", err)
		}
		actx.TotalTokenUsage.Prompt += resp.Usage.Prompt
		actx.TotalTokenUsage.Completion += resp.Usage.Completion

		if len(resp.ToolCalls) == 0 {
			out := cfg.OutputBuilder(resp.Final)
			if out.Error != "" {
				actx.Messages = append(actx.Messages, text(RoleUser, out.Error))
				continue
			}
			actx.AwaitingToolCalls = nil
			data, err := json.Marshal(actx)
			if err != nil {
				return handler.Result{}, fmt.Errorf("agentloop: encode context: %w", err)
			}
			return handler.Result{
				Context: data,
				Output:  &handler.Output{Type: cfg.OutputEventType, Data: out.Data},
			}, nil
		}

		services, err := dispatchTurn(ctx, cfg, &actx, resp.ToolCalls)
		if err != nil {
			return handler.Result{}, err
		}
		if len(services) > 0 {
			data, err := json.Marshal(actx)
			if err != nil {
				return handler.Result{}, fmt.Errorf("agentloop: encode context: %w", err)
			}
			return handler.Result{Context: data, Services: services}, nil
		}
		// Every kept call resolved synchronously (internal/mcp, or all
		// denied/unknown) — loop back to the LLM without suspending.
	}
}

// dispatchTurn applies priority batching and permission gating to calls,
// executes internal/mcp tools inline, and returns the ServiceRequests for
// arvo calls (plus, when applicable, the permission manager's own request).
func dispatchTurn(ctx context.Context, cfg Config, actx *AgentContext, calls []ToolCall) ([]handler.ServiceRequest, error) {
	kept := highestPriorityGroup(cfg.Tools, calls)

	for _, c := range kept {
		actx.Messages = append(actx.Messages, Message{
			Type: MessageToolUse, Role: RoleAssistant,
			ToolUseID: c.ID, Name: c.Name, Input: c.Input,
		})
	}

	decisions, requestable, err := gate(ctx, cfg, actx, kept)
	if err != nil {
		return nil, err
	}

	var services []handler.ServiceRequest
	for _, c := range kept {
		spec, ok := cfg.Tools[c.Name]
		if !ok {
			actx.Messages = append(actx.Messages, toolResultError(c.ID, "unknown_tool", c.Name, "no such tool"))
			continue
		}

		switch decisions[c.Name] {
		case PermissionDenied:
			continue // not executed; the LLM is simply never shown a result
		case PermissionRequestable:
			continue // folded into the manager request emitted below
		}

		switch spec.ServerConfig.Kind {
		case ToolKindInternal:
			fn, ok := cfg.InternalTools[c.Name]
			if !ok {
				actx.Messages = append(actx.Messages, toolResultError(c.ID, "unavailable", c.Name, "internal tool not registered"))
				continue
			}
			out, err := fn(ctx, c.Input)
			if err != nil {
				actx.Messages = append(actx.Messages, toolResultError(c.ID, "dependency_error", c.Name, err.Error()))
				continue
			}
			actx.Messages = append(actx.Messages, toolResultOK(c.ID, out))

		case ToolKindMCP:
			if cfg.MCP == nil {
				actx.Messages = append(actx.Messages, toolResultError(c.ID, "unavailable", c.Name, "no MCP client configured"))
				continue
			}
			out, err := cfg.MCP.Call(ctx, c.Name, c.Input)
			if err != nil {
				actx.Messages = append(actx.Messages, toolResultError(c.ID, "dependency_error", c.Name, err.Error()))
				continue
			}
			actx.Messages = append(actx.Messages, toolResultOK(c.ID, out))

		case ToolKindArvo:
			if err := validateArvoInput(spec.InputSchema, c.Input); err != nil {
				actx.Messages = append(actx.Messages, toolResultError(c.ID, "validation_error", c.Name, err.Error()))
				continue
			}
			if actx.AwaitingToolCalls == nil {
				actx.AwaitingToolCalls = make(map[string]AwaitingCall)
			}
			actx.AwaitingToolCalls[c.ID] = AwaitingCall{ToolName: c.Name}
			svcType := spec.ServerConfig.ServiceType
			if svcType == "" {
				svcType = c.Name
			}
			services = append(services, handler.ServiceRequest{
				ID:     c.ID,
				Type:   svcType,
				Data:   c.Input,
				Domain: spec.ServerConfig.Domain,
			})
			actx.TotalExecutionUnits++
		}
	}

	if len(requestable) > 0 && cfg.Permission != nil {
		payload, err := cfg.Permission.RequestBuilder(ctx, requestable)
		if err != nil {
			return nil, fmt.Errorf("agentloop: build permission request: %w", err)
		}
		reqID := uuid.NewString()
		if actx.AwaitingToolCalls == nil {
			actx.AwaitingToolCalls = make(map[string]AwaitingCall)
		}
		actx.AwaitingToolCalls[reqID] = AwaitingCall{ContractType: cfg.Permission.ContractType()}
		services = append(services, handler.ServiceRequest{
			ID:   reqID,
			Type: cfg.Permission.ContractType(),
			Data: payload,
		})
	}

	return services, nil
}

// gate consults cfg.Permission for every distinct candidate tool named by
// kept, defaulting unmentioned tools to PermissionGranted.
func gate(ctx context.Context, cfg Config, actx *AgentContext, kept []ToolCall) (map[string]PermissionDecision, []ToolSpec, error) {
	if cfg.Permission == nil {
		return nil, nil, nil
	}

	seen := make(map[string]struct{}, len(kept))
	var candidates []ToolSpec
	for _, c := range kept {
		if _, ok := seen[c.Name]; ok {
			continue
		}
		spec, ok := cfg.Tools[c.Name]
		if !ok {
			continue
		}
		seen[c.Name] = struct{}{}
		candidates = append(candidates, spec)
	}
	if len(candidates) == 0 {
		return nil, nil, nil
	}

	decided, err := cfg.Permission.Get(ctx, actx.Authorizations, candidates)
	if err != nil {
		return nil, nil, fmt.Errorf("agentloop: permission get: %w", err)
	}

	byName := make(map[string]PermissionDecision, len(candidates))
	var requestable []ToolSpec
	for _, spec := range candidates {
		d, ok := decided[spec.Name]
		if !ok {
			d = PermissionGranted
		}
		byName[spec.Name] = d
		if d == PermissionRequestable {
			requestable = append(requestable, spec)
		}
	}
	return byName, requestable, nil
}

// applyReplies merges arriving service/permission replies into actx before
// the next cognitive-loop turn runs (spec.md §4.8.1's resume step).
func applyReplies(ctx context.Context, cfg Config, actx *AgentContext, replies []handler.ServiceReply) error {
	for _, r := range replies {
		awaited, ok := actx.AwaitingToolCalls[r.ID]
		if !ok {
			continue
		}
		delete(actx.AwaitingToolCalls, r.ID)

		if awaited.ContractType != "" && cfg.Permission != nil && awaited.ContractType == cfg.Permission.ContractType() {
			decided, err := cfg.Permission.Set(ctx, r.Data)
			if err != nil {
				return fmt.Errorf("agentloop: permission set: %w", err)
			}
			if actx.Authorizations == nil {
				actx.Authorizations = make(map[string]PermissionDecision, len(decided))
			}
			for name, d := range decided {
				actx.Authorizations[name] = d
			}
			continue
		}

		actx.Messages = append(actx.Messages, toolResultOK(r.ID, r.Data))
	}
	return nil
}

func toolResultOK(id string, data json.RawMessage) Message {
	return Message{Type: MessageToolResult, Role: RoleUser, ToolUseID: id, Result: &ToolResultContent{Data: data}}
}

func toolResultError(id, errType, name, message string) Message {
	return Message{Type: MessageToolResult, Role: RoleUser, ToolUseID: id, Result: &ToolResultContent{
		Err: &ToolError{Type: errType, Name: name, Message: message},
	}}
}

// initPassthrough opportunistically recovers currentSubject/accesscontrol
// from the init event's input payload when the concrete agent's contract
// happens to carry them as sibling fields; either return is "" when absent.
// Routing itself never depends on these — the handler layer (C6) propagates
// Subject and AccessControl on the wire regardless.
func initPassthrough(input json.RawMessage) (subject, accessControl string) {
	var hint struct {
		CurrentSubject string `json:"currentSubject"`
		AccessControl  string `json:"accesscontrol"`
	}
	_ = json.Unmarshal(input, &hint)
	return hint.CurrentSubject, hint.AccessControl
}

func withLimitNotice(system *string) *string {
	if system == nil || *system == "" {
		notice := limitReachedNotice
		return &notice
	}
	combined := *system + "\n\n" + limitReachedNotice
	return &combined
}
